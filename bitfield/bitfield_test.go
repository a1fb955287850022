package bitfield

import "testing"

func TestSetContainsClear(t *testing.T) {
	b := NewSized(9)

	ok, err := b.Contains(3)
	if err != nil || ok {
		t.Fatalf("Contains(3) initial = %v, %v, want false, nil", ok, err)
	}

	if err := b.Set(3); err != nil {
		t.Fatalf("Set(3): %v", err)
	}
	ok, err = b.Contains(3)
	if err != nil || !ok {
		t.Fatalf("Contains(3) after Set = %v, %v, want true, nil", ok, err)
	}

	// Set is idempotent.
	if err := b.Set(3); err != nil {
		t.Fatalf("Set(3) again: %v", err)
	}
	ok, _ = b.Contains(3)
	if !ok {
		t.Fatalf("Contains(3) after second Set = false, want true")
	}

	if err := b.Clear(3); err != nil {
		t.Fatalf("Clear(3): %v", err)
	}
	ok, err = b.Contains(3)
	if err != nil || ok {
		t.Fatalf("Contains(3) after Clear = %v, %v, want false, nil", ok, err)
	}
}

func TestMSBFirstLayout(t *testing.T) {
	// bit 0 -> byte 0 offset 7 (0x80), bit 7 -> byte 0 offset 0 (0x01).
	b := NewSized(9)
	_ = b.Set(0)
	_ = b.Set(7)

	if b.Bytes()[0] != 0x81 {
		t.Fatalf("byte 0 = %08b, want %08b", b.Bytes()[0], 0x81)
	}
}

func TestContainsOutOfRangeFails(t *testing.T) {
	b := New([]byte{0xFF})
	if _, err := b.Contains(8); err == nil {
		t.Fatalf("Contains(8): want error, byte array has only 1 byte")
	}
}

func TestWireBitfieldPayload(t *testing.T) {
	// BITFIELD payload [0xFF, 0x80] for 9 pieces.
	b := New([]byte{0xFF, 0x80})

	for i := 0; i < 9; i++ {
		ok, err := b.Contains(i)
		if err != nil || !ok {
			t.Fatalf("Contains(%d) = %v, %v, want true, nil", i, ok, err)
		}
	}
	for i := 9; i < 16; i++ {
		ok, err := b.Contains(i)
		if err != nil || ok {
			t.Fatalf("Contains(%d) = %v, %v, want false, nil", i, ok, err)
		}
	}
}
