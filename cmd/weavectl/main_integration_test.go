//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/weave/natsclient"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestIntegration_EmitAndTailLogs(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	out, err := run(t, "--nats-url", tc.URL, "emit", "run-it", "first entry", "--host", "node-1")
	require.NoError(t, err)
	assert.Contains(t, out, "published run-it-log offset 1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var logs lockedBuffer
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, []string{"--nats-url", tc.URL, "logs", "run-it"}, &logs, &bytes.Buffer{})
	}()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("first entry"))
	}, 10*time.Second, 50*time.Millisecond)
	assert.Contains(t, logs.String(), "[node-1]")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("logs command did not exit after cancel")
	}
}

func TestIntegration_StatusAndDiscover(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	out, err := run(t, "--nats-url", tc.URL, "status", "run-st")
	require.NoError(t, err)

	var status struct {
		RunID  string         `json:"run_id"`
		Health map[string]any `json:"health"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "run-st", status.RunID)
	assert.NotEmpty(t, status.Health)

	out, err = run(t, "--nats-url", tc.URL, "discover", "run-st", "http")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestIntegration_RegisterThenDiscover(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var regOut lockedBuffer
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, []string{"--nats-url", tc.URL, "register", "run-rd", "http", "10.0.0.5:8080"},
			&regOut, &bytes.Buffer{})
	}()

	require.Eventually(t, func() bool {
		out, err := run(t, "--nats-url", tc.URL, "discover", "run-rd", "http")
		return err == nil && out == "10.0.0.5:8080\n"
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	out, err := run(t, "--nats-url", tc.URL, "discover", "run-rd", "http")
	require.NoError(t, err)
	assert.Empty(t, out)
}
