// Package logging wraps logrus with the [INFO]/[FAIL]/[ERROR] tagging
// discipline of torrent/p2p.go and torrent/tracker.go, colorizing level
// tags with colorstring when color is enabled (Default enables it only when
// stderr is an interactive terminal).
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/colorstring"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Logger is a thin logrus wrapper that accepts peer/piece context as
// structured fields instead of interpolating it into the message string.
type Logger struct {
	entry *logrus.Logger
}

// New builds a Logger writing to w, colorized unless color is false.
func New(w io.Writer, color bool) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&tagFormatter{color: color})
	return &Logger{entry: l}
}

// Default builds a Logger writing to stderr, colorized when stderr is a
// terminal.
func Default() *Logger {
	return New(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func (l *Logger) Info(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Info(msg)
}

func (l *Logger) Warn(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Warn(msg)
}

func (l *Logger) Error(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Error(msg)
}

// tagFormatter renders "[INFO] msg key=value ..." lines, matching the
// teacher's log.Printf tagging convention but through logrus's structured
// Fields instead of fmt.Sprintf interpolation.
type tagFormatter struct {
	color bool
}

func (f *tagFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tag := levelTag(entry.Level)
	if f.color {
		tag = colorstring.Color(levelColor(entry.Level) + tag + "[reset]")
	}

	line := tag + "\t" + entry.Message
	for k, v := range entry.Data {
		line += " " + k + "=" + toString(v)
	}
	line += "\n"

	return []byte(line), nil
}

func levelTag(level logrus.Level) string {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "[ERROR]"
	case logrus.WarnLevel:
		return "[FAIL]"
	default:
		return "[INFO]"
	}
}

func levelColor(level logrus.Level) string {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "[red]"
	case logrus.WarnLevel:
		return "[yellow]"
	default:
		return "[cyan]"
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if stringer, ok := v.(interface{ String() string }); ok {
		return stringer.String()
	}
	return fmt.Sprintf("%v", v)
}
