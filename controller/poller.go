package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/weave/broker"
	"github.com/c360/weave/errors"
	"github.com/c360/weave/health"
	"github.com/c360/weave/logging"
	"github.com/c360/weave/pkg/retry"
)

// PollerState is the lifecycle state of a LogPoller.
type PollerState int32

const (
	PollerIdle PollerState = iota
	PollerRunning
	PollerStopping
)

func (s PollerState) String() string {
	switch s {
	case PollerIdle:
		return "idle"
	case PollerRunning:
		return "running"
	case PollerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// LogPoller tails one partition of a log topic and hands every decodable entry
// to the registered handlers in offset order. After any broker failure it
// starts over from the earliest offset, so handlers may see an entry twice.
type LogPoller struct {
	topic     string
	partition int
	client    broker.Client
	settings  Settings
	logger    *slog.Logger
	metrics   *runMetrics

	handlers atomic.Pointer[[]logging.Handler]
	addMu    sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	state     atomic.Int32
	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	failing   atomic.Bool
}

// NewLogPoller creates an idle poller for partition 0 of topic. The poller
// stops when ctx ends or Stop is called. It owns client and closes it on exit,
// or in Stop if it never ran.
func NewLogPoller(ctx context.Context, topic string, client broker.Client, settings Settings, logger *slog.Logger) *LogPoller {
	if logger == nil {
		logger = slog.Default()
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &LogPoller{
		topic:    topic,
		client:   client,
		settings: settings.withDefaults(),
		logger:   logger.With("component", "log-poller", "topic", topic),
		ctx:      pctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.handlers.Store(&[]logging.Handler{})
	return p
}

// AddHandler appends h. Entries already being dispatched do not reach it.
func (p *LogPoller) AddHandler(h logging.Handler) {
	p.addMu.Lock()
	defer p.addMu.Unlock()

	current := *p.handlers.Load()
	next := make([]logging.Handler, len(current), len(current)+1)
	copy(next, current)
	next = append(next, h)
	p.handlers.Store(&next)
}

// Handlers returns the registered handlers in registration order.
func (p *LogPoller) Handlers() []logging.Handler {
	return *p.handlers.Load()
}

// State returns the current poller state.
func (p *LogPoller) State() PollerState {
	return PollerState(p.state.Load())
}

// Start launches the polling goroutine. Only the first call on a live poller
// starts it; the result reports whether this call did.
func (p *LogPoller) Start() bool {
	started := false
	p.startOnce.Do(func() {
		if p.ctx.Err() != nil {
			return
		}
		p.started.Store(true)
		p.state.Store(int32(PollerRunning))
		go p.run()
		started = true
	})
	return started
}

// Stop cancels the poller and waits up to timeout for it to exit. It reports
// whether the poller exited in time; a late exit is logged, not fatal.
func (p *LogPoller) Stop(timeout time.Duration) bool {
	p.cancel()
	// Consume the start slot so a racing Start cannot launch after Stop.
	p.startOnce.Do(func() {})
	if !p.started.Load() {
		p.closeClient()
		return true
	}
	p.state.CompareAndSwap(int32(PollerRunning), int32(PollerStopping))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		p.logger.Warn("Log poller did not stop in time", "timeout", timeout)
		return false
	}
}

// Done is closed when the polling goroutine has exited.
func (p *LogPoller) Done() <-chan struct{} {
	return p.done
}

// Health reports whether the poller is tailing its topic. A poller that is
// retrying after a broker error is degraded until it reads an entry again.
func (p *LogPoller) Health() health.Status {
	const component = "log-poller"

	switch state := p.State(); {
	case state == PollerRunning && p.failing.Load():
		return health.NewDegraded(component, "Retrying after log broker error")
	case state == PollerRunning:
		return health.NewHealthy(component, "Tailing "+p.topic)
	case state == PollerStopping:
		return health.NewDegraded(component, "Stopping")
	case p.started.Load():
		return health.NewUnhealthy(component, "Stopped")
	default:
		return health.NewHealthy(component, "Idle, no log handlers")
	}
}

func (p *LogPoller) run() {
	defer close(p.done)
	defer p.state.Store(int32(PollerIdle))
	defer p.closeClient()

	p.logger.Info("Log poller started")
	for attempt := 0; p.ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			p.metrics.reconnect()
			if !p.pause() {
				break
			}
		}

		offset, err := p.earliestOffset()
		if err != nil {
			// Only cancellation ends the retry loop.
			break
		}

		err = p.tail(offset)
		if p.ctx.Err() != nil {
			break
		}
		if err != nil {
			p.failing.Store(true)
			p.metrics.brokerError("consume")
			p.logger.Warn("Consuming log entries failed, restarting from earliest offset", "offset", offset, "error", err)
		}
	}
	p.logger.Info("Log poller stopped")
}

func (p *LogPoller) closeClient() {
	p.closeOnce.Do(func() {
		if err := p.client.Close(); err != nil {
			p.logger.Warn("Failed to close broker client", "error", err)
		}
	})
}

func (p *LogPoller) pause() bool {
	timer := time.NewTimer(p.settings.RetryPause)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *LogPoller) earliestOffset() (int64, error) {
	cfg := retry.Constant(p.settings.RetryPause)
	cfg.OnRetry = func(attempt int, err error) {
		p.failing.Store(true)
		p.metrics.brokerError("offsets")
		p.logger.Warn("Failed to fetch earliest log offset, retrying", "attempt", attempt, "error", err)
	}

	return retry.DoWithResult(p.ctx, cfg, func() (int64, error) {
		ctx, cancel := context.WithTimeout(p.ctx, p.settings.FetchTimeout)
		defer cancel()

		offsets, err := p.client.Offsets(ctx, p.topic, p.partition, broker.OffsetEarliest, 1)
		if err != nil {
			return 0, err
		}
		if len(offsets) == 0 {
			return 0, fmt.Errorf("%w: no earliest offset for %s", errors.ErrOffsetOutOfRange, p.topic)
		}
		return offsets[0], nil
	})
}

// tail dispatches entries from offset on until the broker fails or the poller
// is cancelled.
func (p *LogPoller) tail(offset int64) error {
	for msg, err := range p.client.Consume(p.ctx, p.topic, p.partition, offset, p.settings.MaxFetchBytes) {
		if err != nil {
			return err
		}
		p.failing.Store(false)
		entry, err := logging.Decode(msg.Payload)
		if err != nil {
			p.metrics.decodeError()
			p.logger.Error("Failed to decode log entry", "offset", msg.Offset, "size", len(msg.Payload), "error", err)
			continue
		}
		p.dispatch(entry)
	}
	return nil
}

func (p *LogPoller) dispatch(e logging.Entry) {
	for _, h := range *p.handlers.Load() {
		p.invoke(h, e)
	}
	p.metrics.dispatched()
}

func (p *LogPoller) invoke(h logging.Handler, e logging.Entry) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Log handler panicked", "panic", r)
		}
	}()
	h.OnLog(e)
}
