package controller

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/weave/logging"
)

func testSettings() Settings {
	return Settings{
		CommandTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		FetchTimeout:    time.Second,
		MaxFetchBytes:   1 << 20,
		RetryPause:      5 * time.Millisecond,
	}
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type recorder struct {
	mu      sync.Mutex
	entries []logging.Entry
}

func (r *recorder) OnLog(e logging.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Message)
	}
	return out
}

func entryPayload(t *testing.T, message string) []byte {
	t.Helper()
	data, err := logging.Encode(logging.Entry{
		LoggerName: "com.example.App",
		Host:       "node-1",
		Timestamp:  time.UnixMilli(1700000000000),
		Level:      logging.LevelInfo,
		ThreadName: "main",
		Message:    message,
	})
	require.NoError(t, err)
	return data
}

func lines(from, to int64) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("line %d", i))
	}
	return out
}
