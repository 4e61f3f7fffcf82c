// Package controller drives one running application: it tracks the run's
// lifecycle, sends commands through the coordination service and correlates
// their replies, tails the run's log topic and resolves its services.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/weave"
	"github.com/c360/weave/broker"
	"github.com/c360/weave/command"
	"github.com/c360/weave/coordination"
	"github.com/c360/weave/discovery"
	"github.com/c360/weave/errors"
	"github.com/c360/weave/health"
	"github.com/c360/weave/logging"
	"github.com/c360/weave/metric"
)

// Coordination layout below the run node.
const (
	messagesPath  = "/messages"
	repliesPath   = "/replies"
	messagePrefix = "msg"
)

// Controller is the handle on one run. All methods are safe for concurrent use.
type Controller struct {
	runID weave.RunID
	root  coordination.Client
	coord coordination.Client

	discovery       discovery.Client
	initialHandlers []logging.Handler
	settings        Settings
	logger          *slog.Logger
	registry        *metric.MetricsRegistry
	metrics         *runMetrics

	mu      sync.Mutex
	state   State
	failure error

	poller  *LogPoller
	pending *pendingRegistry

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	terminated   chan struct{}

	remoteState  atomic.Value // string
	startTime    atomic.Value // time.Time
	lastActivity atomic.Value // time.Time
}

// New creates a controller for runID. coord is the un-namespaced coordination
// session and logs the broker the run writes its log entries to. logs is
// closed when the controller stops.
func New(runID weave.RunID, coord coordination.Client, logs broker.Client, opts ...Option) (*Controller, error) {
	if _, err := weave.ParseRunID(runID.String()); err != nil {
		return nil, err
	}
	if coord == nil || logs == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: coordination and broker clients are required", errors.ErrInvalidConfig),
			"Controller", "New", "validate dependencies")
	}

	c := &Controller{
		runID:      runID,
		root:       coord,
		coord:      coordination.Namespace(coord, "/"+runID.String()),
		settings:   DefaultSettings(),
		logger:     slog.Default(),
		pending:    newPendingRegistry(),
		terminated: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.settings = c.settings.withDefaults()
	c.logger = c.logger.With("component", "controller", "run", runID.String())
	c.metrics = newRunMetrics(c.registry, runID.String())
	if c.discovery == nil {
		c.discovery = discovery.NewService(c.coord, c.logger)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.poller = NewLogPoller(c.ctx, weave.LogTopic(runID), logs, c.settings, c.logger)
	c.poller.metrics = c.metrics
	for _, h := range c.initialHandlers {
		c.poller.AddHandler(h)
	}

	c.remoteState.Store("")
	c.startTime.Store(time.Time{})
	c.lastActivity.Store(time.Time{})
	c.metrics.state(StateNew)
	return c, nil
}

// RunID returns the run this controller drives.
func (c *Controller) RunID() weave.RunID {
	return c.runID
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of a FAILED state.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Terminated is closed once the controller reached TERMINATED or FAILED and
// released its resources.
func (c *Controller) Terminated() <-chan struct{} {
	return c.terminated
}

// RemoteState returns the last state the application master published on the
// run node, or "" if none was seen.
func (c *Controller) RemoteState() string {
	return c.remoteState.Load().(string)
}

// transition moves from one of the allowed states to next.
func (c *Controller) transition(next State, from ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = next
			c.metrics.state(next)
			c.logger.Debug("Controller state changed", "from", s.String(), "to", next.String())
			return true
		}
	}
	return false
}

func (c *Controller) illegalState(op string) error {
	return errors.Wrap(fmt.Errorf("%w: %s in state %s", errors.ErrIllegalState, op, c.State()),
		"Controller", op, "check state")
}

func (c *Controller) requireRunning(op string) error {
	if c.State() != StateRunning {
		return c.illegalState(op)
	}
	return nil
}

// spawn runs fn on a tracked goroutine if the controller is in state. Holding
// the lock keeps wg.Add ahead of the Wait in shutdown.
func (c *Controller) spawn(state State, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != state {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Controller) touch() {
	c.lastActivity.Store(time.Now())
}

// Start watches the run node, supervises the coordination session and starts
// the log poller when handlers were given. It is only valid once, from NEW.
func (c *Controller) Start(ctx context.Context) error {
	if !c.transition(StateStarting, StateNew) {
		return c.illegalState("Start")
	}

	if err := c.startUp(ctx); err != nil {
		c.fail(err)
		return err
	}

	if !c.transition(StateRunning, StateStarting) {
		// Stopped or failed while starting.
		return c.illegalState("Start")
	}
	c.startTime.Store(time.Now())
	c.touch()
	c.logger.Info("Controller started", "log_handlers", len(c.poller.Handlers()))
	return nil
}

func (c *Controller) startUp(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)
	current, events, err := c.coord.WatchData(watchCtx, "/")
	stop()
	if err != nil {
		cancel()
		return errors.Wrap(err, "Controller", "Start", "watch run node")
	}
	if ctx.Err() != nil {
		cancel()
		return errors.Wrap(ctx.Err(), "Controller", "Start", "watch run node")
	}
	c.applyRunNode(current)

	watching := c.spawn(StateStarting, func() {
		defer cancel()
		c.watchRunNode(events, current != nil)
	})
	if !watching || !c.spawn(StateStarting, c.superviseSession) {
		cancel()
		return c.illegalState("Start")
	}

	if len(c.poller.Handlers()) > 0 {
		c.poller.Start()
	}
	return nil
}

type runNode struct {
	State string `json:"state"`
}

func (c *Controller) applyRunNode(node *coordination.NodeData) {
	if node == nil {
		return
	}
	var rn runNode
	if err := json.Unmarshal(node.Data, &rn); err != nil {
		c.logger.Warn("Ignoring malformed run node", "error", err)
		return
	}
	if rn.State != "" && rn.State != c.RemoteState() {
		c.remoteState.Store(rn.State)
		c.logger.Info("Run state changed", "state", rn.State)
	}
}

func (c *Controller) watchRunNode(events <-chan coordination.Event, seen bool) {
	for ev := range events {
		c.touch()
		switch ev.Type {
		case coordination.NodeCreated, coordination.NodeDataChanged:
			seen = true
			c.applyRunNode(ev.Node)
		case coordination.NodeDeleted:
			if !seen {
				continue
			}
			c.logger.Info("Run node removed, stopping controller")
			// Stop waits for this goroutine.
			go func() { _ = c.Stop() }()
			return
		}
	}
}

func (c *Controller) superviseSession() {
	select {
	case <-c.root.Expired():
		c.fail(errors.WrapFatal(errors.ErrSessionLost, "Controller", "superviseSession", "keep session"))
	case <-c.ctx.Done():
	}
}

// fail moves a starting or running controller to FAILED and releases it.
func (c *Controller) fail(cause error) {
	c.mu.Lock()
	if c.state != StateStarting && c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.failure = cause
	c.metrics.state(StateFailed)
	c.mu.Unlock()

	c.logger.Error("Controller failed", "error", cause)
	go c.shutdown(cause)
}

// Stop shuts the controller down and waits for it. Stopping a stopped or
// failed controller is a no-op.
func (c *Controller) Stop() error {
	switch {
	case c.transition(StateTerminated, StateNew):
		c.shutdown(errors.ErrShuttingDown)
		return nil
	case c.transition(StateStopping, StateStarting, StateRunning):
		c.shutdown(errors.ErrShuttingDown)
		c.transition(StateTerminated, StateStopping)
		c.logger.Info("Controller stopped")
	}
	<-c.terminated
	return nil
}

// shutdown releases every resource once. Pending commands fail with cause.
func (c *Controller) shutdown(cause error) {
	c.shutdownOnce.Do(func() {
		for _, p := range c.pending.drain(cause) {
			c.finish(p, command.Reply{}, cause)
		}
		c.cancel()
		c.poller.Stop(c.settings.ShutdownTimeout)
		c.wg.Wait()
		close(c.terminated)
	})
	<-c.terminated
}

// AddLogHandler registers h and starts the log poller if it is not running yet.
func (c *Controller) AddLogHandler(h logging.Handler) error {
	if err := c.requireRunning("AddLogHandler"); err != nil {
		return err
	}
	c.poller.AddHandler(h)
	if c.poller.Start() {
		c.logger.Debug("Log poller started on first handler")
	}
	return nil
}

// DiscoverService returns the current endpoints of the named service.
func (c *Controller) DiscoverService(ctx context.Context, name string) ([]discovery.Discoverable, error) {
	if err := c.requireRunning("DiscoverService"); err != nil {
		return nil, err
	}
	c.touch()
	return c.discovery.Discover(ctx, name)
}

// ChangeInstances asks the application to run count instances of runnable.
// The future yields the count the application acknowledged.
func (c *Controller) ChangeInstances(runnable string, count int) *Future[int] {
	if err := c.requireRunning("ChangeInstances"); err != nil {
		return failedFuture[int](err)
	}
	reply := c.SendCommand(command.NewSetInstances(runnable, count))
	return then(reply, func(r command.Reply) (int, error) {
		if len(r.Result) == 0 || string(r.Result) == "null" {
			return count, nil
		}
		var n int
		if err := json.Unmarshal(r.Result, &n); err != nil {
			// Some masters reply with the count as a string.
			var s string
			if json.Unmarshal(r.Result, &s) != nil {
				return 0, errors.WrapInvalid(fmt.Errorf("%w: result %s", errors.ErrInvalidData, r.Result), "Controller", "ChangeInstances", "decode result")
			}
			if n, err = strconv.Atoi(s); err != nil {
				return 0, errors.WrapInvalid(fmt.Errorf("%w: result %s", errors.ErrInvalidData, r.Result), "Controller", "ChangeInstances", "decode result")
			}
		}
		return n, nil
	})
}

// SendCommand writes msg to the run's message queue. The future resolves with
// the OK reply, or fails on a FAILED reply, timeout, reply deletion, Stop or
// session loss.
func (c *Controller) SendCommand(msg command.Message) *Future[command.Reply] {
	if err := c.requireRunning("SendCommand"); err != nil {
		return failedFuture[command.Reply](err)
	}
	payload, err := msg.Encode()
	if err != nil {
		return failedFuture[command.Reply](err)
	}

	future := newFuture[command.Reply]()
	if !c.spawn(StateRunning, func() { c.runCommand(msg.Command.Command, payload, future) }) {
		return failedFuture[command.Reply](c.illegalState("SendCommand"))
	}
	return future
}

func (c *Controller) runCommand(name string, payload []byte, future *Future[command.Reply]) {
	started := time.Now()
	c.touch()

	// The timeout covers the write as well as the wait for a reply.
	wctx, cancel := context.WithTimeout(c.ctx, c.settings.CommandTimeout)
	defer cancel()

	created, err := c.coord.Create(wctx, coordination.JoinPath(messagesPath, messagePrefix), payload, coordination.PersistentSequential)
	if err != nil {
		if wctx.Err() != nil {
			err = c.abandonCause(wctx)
		}
		future.complete(command.Reply{}, errors.Wrap(err, "Controller", "SendCommand", "write message"))
		c.metrics.command(name, outcomeOf(err), time.Since(started))
		return
	}
	_, id := coordination.ParentAndName(created)

	p := &pendingCommand{id: id, name: name, started: started, future: future, cancel: cancel}
	if err := c.pending.add(p); err != nil {
		c.finish(p, command.Reply{}, err)
		return
	}
	c.metrics.pending(c.pending.len())
	c.logger.Debug("Command sent", "command", name, "id", id)

	replyPath := coordination.JoinPath(repliesPath, id)
	current, events, err := c.coord.WatchData(wctx, replyPath)
	if err != nil {
		c.resolve(id, command.Reply{}, errors.Wrap(err, "Controller", "SendCommand", "watch reply"))
		return
	}
	if current != nil {
		c.resolveNode(id, replyPath, current)
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.resolve(id, command.Reply{}, c.abandonCause(wctx))
				return
			}
			switch ev.Type {
			case coordination.NodeCreated, coordination.NodeDataChanged:
				c.resolveNode(id, replyPath, ev.Node)
				return
			case coordination.NodeDeleted:
				c.resolve(id, command.Reply{}, errors.Wrap(errors.ErrReplyDeleted, "Controller", "SendCommand", "await reply"))
				return
			}
		case <-wctx.Done():
			c.resolve(id, command.Reply{}, c.abandonCause(wctx))
			return
		}
	}
}

// abandonCause explains why a reply watch ended without a reply.
func (c *Controller) abandonCause(wctx context.Context) error {
	switch {
	case c.ctx.Err() != nil:
		return c.stopCause()
	case errors.Is(wctx.Err(), context.DeadlineExceeded):
		return errors.WrapTransient(fmt.Errorf("%w after %s", errors.ErrCommandTimeout, c.settings.CommandTimeout), "Controller", "SendCommand", "await reply")
	default:
		return errors.WrapFatal(errors.ErrSessionLost, "Controller", "SendCommand", "await reply")
	}
}

func (c *Controller) stopCause() error {
	if err := c.Err(); err != nil {
		return err
	}
	return errors.ErrShuttingDown
}

func (c *Controller) resolveNode(id, path string, node *coordination.NodeData) {
	reply, err := command.DecodeReply(node.Data)
	if err == nil {
		err = reply.Err()
	}
	if c.resolve(id, reply, err) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.settings.FetchTimeout)
		defer cancel()
		if derr := c.coord.Delete(ctx, path, node.Stat.Version); derr != nil && !errors.Is(derr, errors.ErrNodeNotFound) {
			c.logger.Debug("Failed to remove reply node", "id", id, "error", derr)
		}
	}
}

// resolve completes the pending command id unless something else already did.
func (c *Controller) resolve(id string, reply command.Reply, err error) bool {
	p := c.pending.remove(id)
	if p == nil {
		return false
	}
	c.finish(p, reply, err)
	return true
}

func (c *Controller) finish(p *pendingCommand, reply command.Reply, err error) {
	p.cancel()
	if !p.future.complete(reply, err) {
		return
	}
	c.touch()
	c.metrics.pending(c.pending.len())
	c.metrics.command(p.name, outcomeOf(err), time.Since(p.started))
	if err != nil {
		c.logger.Warn("Command failed", "command", p.name, "id", p.id, "error", err)
	} else {
		c.logger.Debug("Command acknowledged", "command", p.name, "id", p.id)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errors.ErrCommandFailed):
		return "failed"
	case errors.Is(err, errors.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, errors.ErrSessionLost):
		return "session_lost"
	case errors.Is(err, errors.ErrShuttingDown):
		return "cancelled"
	default:
		return "error"
	}
}

// Health reports the controller's health from its lifecycle state, with the
// log poller's health as a sub-status.
func (c *Controller) Health() health.Status {
	const component = "controller"

	var status health.Status
	switch state := c.State(); state {
	case StateRunning:
		status = health.NewHealthy(component, "Controller is running")
	case StateNew, StateStarting, StateStopping:
		status = health.NewDegraded(component, "Controller is "+state.String())
	case StateFailed:
		status = health.FromError(component, c.Err())
	default:
		status = health.NewUnhealthy(component, "Controller is "+state.String())
	}

	var uptime time.Duration
	if t := c.startTime.Load().(time.Time); !t.IsZero() {
		uptime = time.Since(t)
	}
	return status.WithSubStatus(c.poller.Health()).WithMetrics(&health.Metrics{
		Uptime:          uptime,
		PendingCommands: c.pending.len(),
		LogHandlers:     len(c.poller.Handlers()),
		LastActivity:    c.lastActivity.Load().(time.Time),
	})
}
