package controller

import (
	"log/slog"
	"time"

	"github.com/c360/weave/broker"
	"github.com/c360/weave/discovery"
	"github.com/c360/weave/logging"
	"github.com/c360/weave/metric"
)

// Settings holds the timing and sizing knobs of a controller and its poller.
type Settings struct {
	CommandTimeout  time.Duration // how long a command waits for its reply
	ShutdownTimeout time.Duration // bounded join of the log poller on Stop
	FetchTimeout    time.Duration // per attempt to read the earliest log offset
	MaxFetchBytes   int           // fetch window when consuming log entries
	RetryPause      time.Duration // pause between poller retries
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		CommandTimeout:  30 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		FetchTimeout:    5 * time.Second,
		MaxFetchBytes:   broker.DefaultMaxFetchBytes,
		RetryPause:      100 * time.Millisecond,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = d.CommandTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = d.ShutdownTimeout
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = d.FetchTimeout
	}
	if s.MaxFetchBytes <= 0 {
		s.MaxFetchBytes = d.MaxFetchBytes
	}
	if s.RetryPause <= 0 {
		s.RetryPause = d.RetryPause
	}
	return s
}

// Option is a functional option for configuring a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records controller and poller metrics in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Controller) {
		c.registry = registry
	}
}

// WithLogHandlers registers handlers before Start, which then starts the poller.
func WithLogHandlers(handlers ...logging.Handler) Option {
	return func(c *Controller) {
		c.initialHandlers = append(c.initialHandlers, handlers...)
	}
}

// WithDiscovery replaces the discovery client built over the run namespace.
func WithDiscovery(client discovery.Client) Option {
	return func(c *Controller) {
		c.discovery = client
	}
}

// WithSettings replaces all settings; zero fields keep their defaults.
func WithSettings(s Settings) Option {
	return func(c *Controller) {
		c.settings = s
	}
}

// WithCommandTimeout sets how long commands wait for a reply
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.settings.CommandTimeout = d
	}
}

// WithShutdownTimeout bounds the wait for the log poller on Stop
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.settings.ShutdownTimeout = d
	}
}

// WithFetchTimeout bounds each earliest-offset request
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.settings.FetchTimeout = d
	}
}

// WithMaxFetchBytes sets the fetch window of the log poller
func WithMaxFetchBytes(n int) Option {
	return func(c *Controller) {
		c.settings.MaxFetchBytes = n
	}
}

// WithRetryPause sets the pause between poller retries
func WithRetryPause(d time.Duration) Option {
	return func(c *Controller) {
		c.settings.RetryPause = d
	}
}
