// Package logging decodes log entries published by a running application and
// delivers them to handlers.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/c360/weave/errors"
)

// Level is the severity of a log entry.
type Level string

// Levels, most severe first.
const (
	LevelFatal Level = "FATAL"
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
	LevelTrace Level = "TRACE"
)

// ParseLevel maps a level name, in any case, to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case LevelFatal, LevelError, LevelWarn, LevelInfo, LevelDebug, LevelTrace:
		return l, nil
	case "WARNING":
		return LevelWarn, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// FrameKind tells how much source information a stack frame carries.
type FrameKind int

const (
	// SourceFrame has a file name and line number.
	SourceFrame FrameKind = iota
	// NativeFrame executes native code and has no source position.
	NativeFrame
	// UnknownSourceFrame has no file information.
	UnknownSourceFrame
)

const nativeLine = -2

// StackFrame is one element of a remote stack trace.
type StackFrame struct {
	ClassName string    `json:"className"`
	Method    string    `json:"method"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line"`
	Kind      FrameKind `json:"-"`
}

func (f *StackFrame) classify() {
	switch {
	case f.Line == nativeLine:
		f.Kind = NativeFrame
	case f.File == "":
		f.Kind = UnknownSourceFrame
	default:
		f.Kind = SourceFrame
	}
}

// String renders the frame the way stack traces print it.
func (f StackFrame) String() string {
	switch f.Kind {
	case NativeFrame:
		return fmt.Sprintf("%s.%s(Native Method)", f.ClassName, f.Method)
	case UnknownSourceFrame:
		return fmt.Sprintf("%s.%s(Unknown Source)", f.ClassName, f.Method)
	default:
		if f.Line >= 0 {
			return fmt.Sprintf("%s.%s(%s:%d)", f.ClassName, f.Method, f.File, f.Line)
		}
		return fmt.Sprintf("%s.%s(%s)", f.ClassName, f.Method, f.File)
	}
}

// Entry is one log record produced by a container of the running application.
type Entry struct {
	LoggerName       string       `json:"name"`
	Host             string       `json:"host"`
	Timestamp        time.Time    `json:"-"`
	Level            Level        `json:"level"`
	SourceClassName  string       `json:"className"`
	SourceMethodName string       `json:"method"`
	FileName         string       `json:"file"`
	LineNumber       int          `json:"line"`
	ThreadName       string       `json:"thread"`
	Message          string       `json:"message"`
	StackTraces      []StackFrame `json:"stackTraces,omitempty"`
}

// wireEntry carries the timestamp as epoch milliseconds, either as a JSON number
// or a numeric string.
type wireEntry struct {
	Entry
	Timestamp json.RawMessage `json:"timestamp"`
}

func parseMillis(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing timestamp")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		raw = []byte(s)
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// Decode parses a UTF-8 JSON log payload. Failures are invalid-class errors
// wrapping ErrInvalidData.
func Decode(payload []byte) (Entry, error) {
	if !utf8.Valid(payload) {
		return Entry{}, decodeError(fmt.Errorf("payload is not valid UTF-8"))
	}

	var w wireEntry
	if err := json.Unmarshal(payload, &w); err != nil {
		return Entry{}, decodeError(err)
	}

	millis, err := parseMillis(w.Timestamp)
	if err != nil {
		return Entry{}, decodeError(fmt.Errorf("timestamp: %w", err))
	}
	if millis <= 0 {
		return Entry{}, decodeError(fmt.Errorf("timestamp %d is not positive", millis))
	}

	level, err := ParseLevel(string(w.Level))
	if err != nil {
		return Entry{}, decodeError(err)
	}

	entry := w.Entry
	entry.Level = level
	entry.Timestamp = time.UnixMilli(millis).UTC()
	for i := range entry.StackTraces {
		entry.StackTraces[i].classify()
	}
	return entry, nil
}

func decodeError(err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "logging", "Decode", "decode log entry")
}

// Encode renders an entry in the wire format accepted by Decode.
func Encode(e Entry) ([]byte, error) {
	ts, err := json.Marshal(e.Timestamp.UnixMilli())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEntry{Entry: e, Timestamp: ts})
}
