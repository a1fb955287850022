// Package bencode implements the bencode codec: integers, byte strings,
// ordered lists and ordered dictionaries. Decoding a canonically encoded
// dictionary and re-encoding it must reproduce the original bytes exactly —
// that byte-exactness is what the info digest (see package metainfo) relies
// on.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Kind tags the union held by a Value.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// DictEntry is one key/value pair of a Dict-kind Value. Keys are raw bytes,
// never text — a dict key that happens to be UTF-8 is a presentation
// concern only, never a decode-time concern.
type DictEntry struct {
	Key   []byte
	Value Value
}

// Value is the bencode tagged union: exactly one of Int, Str, List or Dict
// is meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	Dict []DictEntry
}

func Int(n int64) Value           { return Value{Kind: KindInt, Int: n} }
func String(s []byte) Value       { return Value{Kind: KindString, Str: s} }
func List(items []Value) Value    { return Value{Kind: KindList, List: items} }
func Dict(entries []DictEntry) Value {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	return Value{Kind: KindDict, Dict: entries}
}

// Get returns the value stored under key in a Dict-kind Value.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// ErrKind is the error taxonomy's MalformedInput / TypeMismatch split,
// scoped to this package.
type ErrKind int

const (
	MalformedInput ErrKind = iota
	TypeMismatch
)

type Error struct {
	Kind   ErrKind
	Detail string
}

func (e *Error) Error() string { return e.Detail }

func malformed(format string, args ...interface{}) error {
	return &Error{Kind: MalformedInput, Detail: fmt.Sprintf(format, args...)}
}

// Decode parses one bencoded Value starting at b[0] and returns it along
// with the number of bytes consumed.
func Decode(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, malformed("bencode: empty input")
	}

	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b)
	case b[0] == 'd':
		return decodeDict(b)
	case b[0] >= '0' && b[0] <= '9':
		return decodeString(b)
	default:
		return Value{}, 0, malformed("bencode: unexpected leading byte %q", b[0])
	}
}

func decodeInt(b []byte) (Value, int, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 {
		return Value{}, 0, malformed("bencode: unterminated integer")
	}

	body := b[1:end]
	if len(body) == 0 {
		return Value{}, 0, malformed("bencode: empty integer body")
	}

	neg := false
	digits := body
	if digits[0] == '-' {
		neg = true
		digits = digits[1:]
		if len(digits) == 0 {
			return Value{}, 0, malformed("bencode: bare '-' in integer")
		}
	}

	if digits[0] == '0' && len(digits) > 1 {
		return Value{}, 0, malformed("bencode: leading zero in integer %q", body)
	}
	if neg && digits[0] == '0' {
		// "-0" is handled as a fixed implementation choice: reject it, as
		// strict bencode allows only the literal "0" for zero.
		return Value{}, 0, malformed("bencode: negative zero is not allowed")
	}

	for _, c := range digits {
		if c < '0' || c > '9' {
			return Value{}, 0, malformed("bencode: non-digit byte %q in integer", c)
		}
	}

	n, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return Value{}, 0, malformed("bencode: integer overflow or malformed: %v", err)
	}

	return Int(n), end + 1, nil
}

func decodeString(b []byte) (Value, int, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return Value{}, 0, malformed("bencode: missing ':' in string length")
	}

	lengthField := b[:colon]
	for _, c := range lengthField {
		if c < '0' || c > '9' {
			return Value{}, 0, malformed("bencode: non-digit byte %q in string length", c)
		}
	}

	length, err := strconv.Atoi(string(lengthField))
	if err != nil {
		return Value{}, 0, malformed("bencode: bad string length: %v", err)
	}
	if length < 0 {
		return Value{}, 0, malformed("bencode: negative string length")
	}

	start := colon + 1
	end := start + length
	if end > len(b) {
		return Value{}, 0, malformed("bencode: truncated string, want %d bytes", length)
	}

	buf := make([]byte, length)
	copy(buf, b[start:end])
	return String(buf), end, nil
}

func decodeList(b []byte) (Value, int, error) {
	idx := 1
	var items []Value

	for {
		if idx >= len(b) {
			return Value{}, 0, malformed("bencode: unterminated list")
		}
		if b[idx] == 'e' {
			idx++
			break
		}

		v, n, err := Decode(b[idx:])
		if err != nil {
			return Value{}, 0, err
		}
		items = append(items, v)
		idx += n
	}

	return List(items), idx, nil
}

func decodeDict(b []byte) (Value, int, error) {
	idx := 1
	var entries []DictEntry

	for {
		if idx >= len(b) {
			return Value{}, 0, malformed("bencode: unterminated dict")
		}
		if b[idx] == 'e' {
			idx++
			break
		}

		key, n, err := decodeString(b[idx:])
		if err != nil {
			return Value{}, 0, fmt.Errorf("bencode: dict key: %w", err)
		}
		idx += n

		val, n, err := Decode(b[idx:])
		if err != nil {
			return Value{}, 0, err
		}
		idx += n

		entries = append(entries, DictEntry{Key: key.Str, Value: val})
	}

	// Preserve the order keys actually arrived in; Encode always emits
	// ascending order regardless, so round-tripping an already-canonical
	// dict is unaffected. Re-sorting here would mask a non-canonical input
	// instead of round-tripping it byte-exactly on the decode path, so we
	// leave entries as encountered and let Encode impose order.
	return Value{Kind: KindDict, Dict: entries}, idx, nil
}

// Encode serializes v to its canonical bencode representation. Dict entries
// are always emitted in ascending lexicographic key order, regardless of
// the order Decode encountered them in — this is what makes the info
// digest stable.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')

	case KindString:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)

	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')

	case KindDict:
		buf.WriteByte('d')
		entries := append([]DictEntry(nil), v.Dict...)
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].Key, entries[j].Key) < 0
		})
		for _, e := range entries {
			encodeInto(buf, String(e.Key))
			encodeInto(buf, e.Value)
		}
		buf.WriteByte('e')

	default:
		panic(fmt.Sprintf("bencode: Encode: unknown Kind %d", v.Kind))
	}
}
