package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/c360/weave/controller"
	"github.com/c360/weave/errors"
	"github.com/c360/weave/natsclient"
)

// DefaultBucket is the JetStream KV bucket holding coordination nodes.
const DefaultBucket = "weave-coordination"

// Config represents the complete weavectl configuration
type Config struct {
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	Bucket        string        `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
}

// ControllerConfig mirrors controller.Settings.
type ControllerConfig struct {
	CommandTimeout  time.Duration `json:"command_timeout" yaml:"command_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	FetchTimeout    time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	MaxFetchBytes   int           `json:"max_fetch_bytes" yaml:"max_fetch_bytes"`
	RetryPause      time.Duration `json:"retry_pause" yaml:"retry_pause"`
}

// LogConfig selects the level and output format of the CLI's own logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	s := controller.DefaultSettings()
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "weavectl",
			Bucket:        DefaultBucket,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		Controller: ControllerConfig{
			CommandTimeout:  s.CommandTimeout,
			ShutdownTimeout: s.ShutdownTimeout,
			FetchTimeout:    s.FetchTimeout,
			MaxFetchBytes:   s.MaxFetchBytes,
			RetryPause:      s.RetryPause,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	for i, u := range c.NATS.URLs {
		if strings.TrimSpace(u) == "" {
			return invalid("nats.urls[%d] is empty", i)
		}
	}
	if !isValidBucketName(c.NATS.Bucket) {
		return invalid("nats.bucket %q is not a valid KV bucket name", c.NATS.Bucket)
	}
	if c.NATS.Token != "" && c.NATS.Username != "" {
		return invalid("nats.token and nats.username are mutually exclusive")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"controller.command_timeout", c.Controller.CommandTimeout},
		{"controller.shutdown_timeout", c.Controller.ShutdownTimeout},
		{"controller.fetch_timeout", c.Controller.FetchTimeout},
		{"controller.retry_pause", c.Controller.RetryPause},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return invalid("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.Controller.MaxFetchBytes <= 0 {
		return invalid("controller.max_fetch_bytes must be positive, got %d", c.Controller.MaxFetchBytes)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Metrics.Addr != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"config", "Validate", "validate configuration")
}

// isValidBucketName matches the names JetStream accepts for KV buckets.
func isValidBucketName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || (!unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_') {
			return false
		}
	}
	return true
}

// Settings converts the controller section for controller.WithSettings.
func (c ControllerConfig) Settings() controller.Settings {
	return controller.Settings{
		CommandTimeout:  c.CommandTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
		FetchTimeout:    c.FetchTimeout,
		MaxFetchBytes:   c.MaxFetchBytes,
		RetryPause:      c.RetryPause,
	}
}

// URL joins the configured server URLs the way nats.Connect expects them.
func (c NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// ClientOptions translates the connection settings into natsclient options.
func (c NATSConfig) ClientOptions() []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(c.MaxReconnects),
	}
	if c.Name != "" {
		opts = append(opts, natsclient.WithName(c.Name))
	}
	if c.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(c.ReconnectWait))
	}
	if c.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(c.Timeout))
	}
	switch {
	case c.Token != "":
		opts = append(opts, natsclient.WithToken(c.Token))
	case c.Username != "":
		opts = append(opts, natsclient.WithCredentials(c.Username, c.Password))
	}
	return opts
}

// SlogLevel maps the configured level name to a slog.Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, invalid("log.level must be debug, info, warn or error, got %q", c.Level)
}
