package controller

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/weave/command"
)

func TestFuture_FirstCompletionWins(t *testing.T) {
	f := newFuture[int]()
	_, ok, _ := f.Result()
	assert.False(t, ok)

	assert.True(t, f.complete(1, nil))
	assert.False(t, f.complete(2, stderrors.New("late")))

	v, ok, err := f.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)

	got, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestFuture_GetHonoursContext(t *testing.T) {
	f := newFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_Then(t *testing.T) {
	src := newFuture[int]()
	doubled := then(src, func(v int) (int, error) { return v * 2, nil })
	src.complete(21, nil)

	v, err := doubled.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := stderrors.New("boom")
	failed := then(failedFuture[int](boom), func(v int) (string, error) { return "unused", nil })
	_, err = failed.Get(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFuture_ThenResolvesInline(t *testing.T) {
	src := newFuture[int]()
	var calls int
	derived := then(src, func(v int) (int, error) {
		calls++
		return v + 1, nil
	})
	_, ok, _ := derived.Result()
	assert.False(t, ok)

	// No helper goroutine: the derived future is resolved by the time
	// complete returns.
	src.complete(1, nil)
	v, ok, err := derived.Result()
	assert.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	src.complete(5, nil)
	assert.Equal(t, 1, calls)

	// Chaining onto an already resolved future resolves at once.
	late := then(src, func(v int) (int, error) { return v * 10, nil })
	v, ok, _ = late.Result()
	assert.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
		final bool
	}{
		{StateNew, "NEW", false},
		{StateStarting, "STARTING", false},
		{StateRunning, "RUNNING", false},
		{StateStopping, "STOPPING", false},
		{StateTerminated, "TERMINATED", true},
		{StateFailed, "FAILED", true},
		{State(42), "UNKNOWN", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
		assert.Equal(t, tt.final, tt.state.Final())
	}
}

func TestPendingRegistry(t *testing.T) {
	r := newPendingRegistry()
	p := &pendingCommand{id: "msg0000000001", future: newFuture[command.Reply]()}
	require.NoError(t, r.add(p))
	assert.Equal(t, 1, r.len())

	assert.Same(t, p, r.remove("msg0000000001"))
	assert.Nil(t, r.remove("msg0000000001"))

	require.NoError(t, r.add(p))
	cause := stderrors.New("stopped")
	drained := r.drain(cause)
	assert.Len(t, drained, 1)
	assert.ErrorIs(t, r.add(&pendingCommand{id: "msg0000000002"}), cause)
	assert.Zero(t, r.len())
}
