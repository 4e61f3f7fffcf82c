package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives log entries. OnLog is called from the log poller's goroutine,
// one entry at a time; a slow handler delays every handler after it.
type Handler interface {
	OnLog(Entry)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Entry)

// OnLog calls f(e).
func (f HandlerFunc) OnLog(e Entry) { f(e) }

const printerTimeLayout = "2006-01-02T15:04:05,000Z"

// PrinterHandler writes entries as text lines, followed by one "\tat" line per
// stack frame.
type PrinterHandler struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinterHandler returns a handler printing to w.
func NewPrinterHandler(w io.Writer) *PrinterHandler {
	return &PrinterHandler{w: w}
}

// OnLog prints e. Write errors are dropped; there is nobody to report them to.
func (p *PrinterHandler) OnLog(e Entry) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s [%s] [%s] %s:%s(%s:%d) - %s\n",
		e.Timestamp.UTC().Format(printerTimeLayout),
		e.Level,
		e.LoggerName,
		e.Host,
		e.ThreadName,
		e.SourceClassName,
		e.SourceMethodName,
		e.FileName,
		e.LineNumber,
		e.Message)
	for _, frame := range e.StackTraces {
		fmt.Fprintf(&b, "\tat %s\n", frame)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, b.String())
}

// SlogHandler forwards entries into a local structured logger.
type SlogHandler struct {
	logger *slog.Logger
}

// NewSlogHandler returns a handler logging through logger.
func NewSlogHandler(logger *slog.Logger) *SlogHandler {
	return &SlogHandler{logger: logger}
}

// OnLog logs e at the mapped slog level.
func (h *SlogHandler) OnLog(e Entry) {
	attrs := []slog.Attr{
		slog.String("logger", e.LoggerName),
		slog.String("host", e.Host),
		slog.String("thread", e.ThreadName),
		slog.Time("remote_time", e.Timestamp),
		slog.String("source", fmt.Sprintf("%s:%s(%s:%d)", e.SourceClassName, e.SourceMethodName, e.FileName, e.LineNumber)),
	}
	if len(e.StackTraces) > 0 {
		frames := make([]string, len(e.StackTraces))
		for i, f := range e.StackTraces {
			frames[i] = f.String()
		}
		attrs = append(attrs, slog.Any("stack", frames))
	}
	h.logger.LogAttrs(context.Background(), slogLevel(e.Level), e.Message, attrs...)
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelFatal, LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
