package controller

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360/weave/broker"
	"github.com/c360/weave/errors"
	"github.com/c360/weave/logging"
	"github.com/c360/weave/metric"
)

const topic = "run-42-log"

func TestLogPoller_SkipsMalformedEntries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	for off := int64(100); off <= 104; off++ {
		require.NoError(t, logs.Append(topic, 0, off, entryPayload(t, fmt.Sprintf("line %d", off))))
	}
	require.NoError(t, logs.Append(topic, 0, 105, []byte("{not a log entry")))

	logger, out := testLogger()
	registry := metric.NewMetricsRegistry()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), logger)
	p.metrics = newRunMetrics(registry, "run-42")

	rec := &recorder{}
	p.AddHandler(rec)
	require.True(t, p.Start())
	assert.False(t, p.Start())
	assert.Equal(t, PollerRunning, p.State())

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(registry.CoreMetrics().LogDecodeErrors.WithLabelValues("run-42")) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(2*time.Second))

	assert.Equal(t, lines(100, 104), rec.messages())
	assert.Equal(t, 1, strings.Count(out.String(), "Failed to decode log entry"))
	assert.Contains(t, out.String(), "offset=105")
	assert.Equal(t, float64(5), testutil.ToFloat64(registry.CoreMetrics().LogEntriesDispatched.WithLabelValues("run-42")))
	assert.True(t, logs.Closed())
	assert.Equal(t, PollerIdle, p.State())
}

func TestLogPoller_InterleavedGoodAndBad(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	var want []string
	for i := range 12 {
		if i%3 == 1 {
			_, err := logs.Publish(context.Background(), topic, 0, []byte(`{"level":"INFO"}`))
			require.NoError(t, err)
			continue
		}
		msg := fmt.Sprintf("entry %d", i)
		want = append(want, msg)
		_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, msg))
		require.NoError(t, err)
	}

	first, second := &recorder{}, &recorder{}
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), nil)
	p.AddHandler(first)
	p.AddHandler(second)
	p.Start()

	assert.Eventually(t, func() bool { return second.len() == len(want) }, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(2*time.Second))

	assert.Equal(t, want, first.messages())
	assert.Equal(t, want, second.messages())
}

func TestLogPoller_RestartsFromEarliestAfterConsumeFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	for i := range 3 {
		_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, fmt.Sprintf("line %d", i)))
		require.NoError(t, err)
	}
	logs.FailConsume(2, errors.ErrConnectionLost)

	registry := metric.NewMetricsRegistry()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), nil)
	p.metrics = newRunMetrics(registry, "run-42")
	rec := &recorder{}
	p.AddHandler(rec)
	p.Start()

	// At-least-once: entries before the failure are delivered again.
	assert.Eventually(t, func() bool { return rec.len() == 5 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(2*time.Second))

	assert.Equal(t, []string{"line 0", "line 1", "line 0", "line 1", "line 2"}, rec.messages())
	assert.Equal(t, 2, logs.OffsetCalls())
	assert.Equal(t, 2, logs.ConsumeCalls())
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.CoreMetrics().PollerReconnects.WithLabelValues("run-42")))
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.CoreMetrics().BrokerErrors.WithLabelValues("run-42", "consume")))
}

func TestLogPoller_RetriesOffsetFetch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, "hello"))
	require.NoError(t, err)
	logs.FailOffsets(errors.ErrConnectionTimeout, errors.ErrConnectionTimeout, errors.ErrConnectionLost)

	logger, out := testLogger()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), logger)
	rec := &recorder{}
	p.AddHandler(rec)
	p.Start()

	assert.Eventually(t, func() bool { return rec.len() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(2*time.Second))

	assert.Equal(t, 4, logs.OffsetCalls())
	assert.Equal(t, 3, strings.Count(out.String(), "Failed to fetch earliest log offset"))
}

func TestLogPoller_MissingTopicIsRetried(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), nil)
	rec := &recorder{}
	p.AddHandler(rec)
	p.Start()

	assert.Eventually(t, func() bool { return logs.OffsetCalls() >= 3 }, 5*time.Second, 5*time.Millisecond)
	_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, "late"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.len() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(2*time.Second))
}

func TestLogPoller_HandlerAddedDuringDispatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	for i := range 3 {
		_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, fmt.Sprintf("line %d", i)))
		require.NoError(t, err)
	}

	p := NewLogPoller(context.Background(), topic, logs, testSettings(), nil)
	late := &recorder{}
	var added atomic.Bool
	first := &recorder{}
	p.AddHandler(logging.HandlerFunc(func(e logging.Entry) {
		first.OnLog(e)
		if added.CompareAndSwap(false, true) {
			p.AddHandler(late)
		}
	}))
	p.Start()

	assert.Eventually(t, func() bool { return first.len() == 3 && late.len() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(2*time.Second))
	assert.Equal(t, []string{"line 1", "line 2"}, late.messages())
	assert.Len(t, p.Handlers(), 2)
}

func TestLogPoller_PanickingHandlerIsIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, "boom"))
	require.NoError(t, err)

	logger, out := testLogger()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), logger)
	rec := &recorder{}
	p.AddHandler(logging.HandlerFunc(func(logging.Entry) { panic("handler bug") }))
	p.AddHandler(rec)
	p.Start()

	assert.Eventually(t, func() bool { return rec.len() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, p.Stop(2*time.Second))
	assert.Contains(t, out.String(), "Log handler panicked")
}

func TestLogPoller_StopWithoutStart(t *testing.T) {
	logs := broker.NewMemory()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), nil)

	assert.True(t, p.Stop(time.Second))
	assert.True(t, logs.Closed())
	assert.False(t, p.Start())
	assert.Equal(t, PollerIdle, p.State())
}

func TestLogPoller_StopIsBounded(t *testing.T) {
	logs := broker.NewMemory()
	_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, "slow"))
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	logger, out := testLogger()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), logger)
	p.AddHandler(logging.HandlerFunc(func(logging.Entry) {
		close(entered)
		<-release
	}))
	p.Start()
	<-entered

	start := time.Now()
	assert.False(t, p.Stop(50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, PollerStopping, p.State())
	assert.Contains(t, out.String(), "Log poller did not stop in time")

	close(release)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not exit after handler returned")
	}
}

func TestLogPoller_ParentContextStopsPoller(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	logs := broker.NewMemory()
	require.NoError(t, logs.EnsureTopic(ctx, topic))
	p := NewLogPoller(ctx, topic, logs, testSettings(), nil)
	p.AddHandler(&recorder{})
	p.Start()

	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller ignored parent cancellation")
	}
	assert.True(t, logs.Closed())
}

func TestLogPoller_Health(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logs := broker.NewMemory()
	p := NewLogPoller(context.Background(), topic, logs, testSettings(), nil)
	assert.True(t, p.Health().IsHealthy())
	assert.Equal(t, "Idle, no log handlers", p.Health().Message)

	rec := &recorder{}
	p.AddHandler(rec)
	p.Start()

	// The topic does not exist yet, so the offset fetch keeps failing.
	assert.Eventually(t, func() bool { return p.Health().IsDegraded() }, 5*time.Second, 5*time.Millisecond)

	_, err := logs.Publish(context.Background(), topic, 0, entryPayload(t, "recovered"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return rec.len() == 1 }, 5*time.Second, 5*time.Millisecond)

	status := p.Health()
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "log-poller", status.Component)
	assert.Contains(t, status.Message, topic)

	require.True(t, p.Stop(2*time.Second))
	assert.True(t, p.Health().IsUnhealthy())
}
