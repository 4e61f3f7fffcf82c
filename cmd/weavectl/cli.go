package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360/weave"
	"github.com/c360/weave/broker"
	"github.com/c360/weave/config"
	"github.com/c360/weave/controller"
	"github.com/c360/weave/coordination"
	"github.com/c360/weave/metric"
	"github.com/c360/weave/natsclient"
)

const connectTimeout = 10 * time.Second

// cli carries the state shared by every subcommand: resolved configuration,
// the logger and lazily created NATS resources.
type cli struct {
	out    io.Writer
	errOut io.Writer

	configPath  string
	natsURL     string
	bucket      string
	logLevel    string
	logFormat   string
	metricsAddr string

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	server  *metric.Server

	nc          *natsclient.Client
	coord       *coordination.KVClient
	controllers []*controller.Controller
}

// execute runs one command line and releases every resource it acquired,
// whether or not the command succeeded.
func execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	root, c := newRootCmd(out, errOut)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, c.close())
}

func newRootCmd(out, errOut io.Writer) (*cobra.Command, *cli) {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:               appName,
		Short:             "weavectl attaches to a running weave application",
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "Path to a JSON or YAML configuration file (env: WEAVE_CONFIG)")
	pf.StringVar(&c.natsURL, "nats-url", "", "Comma separated NATS server URLs (env: WEAVE_NATS_URL)")
	pf.StringVar(&c.bucket, "bucket", "", "Coordination KV bucket (env: WEAVE_NATS_BUCKET)")
	pf.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: WEAVE_LOG_LEVEL)")
	pf.StringVar(&c.logFormat, "log-format", "", "Log format: json, text (env: WEAVE_LOG_FORMAT)")
	pf.StringVar(&c.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (env: WEAVE_METRICS_ADDR)")

	root.AddCommand(
		c.logsCmd(),
		c.emitCmd(),
		c.scaleCmd(),
		c.sendCmd(),
		c.discoverCmd(),
		c.registerCmd(),
		c.statusCmd(),
		c.specCmd(),
	)
	return root, c
}

// setup resolves configuration in order: defaults, config file, environment
// (including a .env file), then flags.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	path := c.configPath
	if path == "" {
		path = os.Getenv("WEAVE_CONFIG")
	}

	loader := config.NewLoader()
	loader.EnableValidation(false)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("nats-url") {
		cfg.NATS.URLs = strings.Split(c.natsURL, ",")
	}
	if flags.Changed("bucket") {
		cfg.NATS.Bucket = c.bucket
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = c.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = c.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.cfg = cfg
	c.logger = setupLogger(cfg.Log, c.errOut)
	slog.SetDefault(c.logger)
	c.metrics = metric.NewMetricsRegistry()

	c.logger.Debug("Configuration loaded",
		"config_path", path,
		"nats_urls", cfg.NATS.URLs,
		"bucket", cfg.NATS.Bucket)
	return nil
}

// connect dials NATS once and starts the metrics endpoint if configured.
func (c *cli) connect(ctx context.Context) (*natsclient.Client, error) {
	if c.nc != nil {
		return c.nc, nil
	}

	if c.cfg.Metrics.Addr != "" && c.server == nil {
		c.server = metric.NewServer(c.cfg.Metrics.Addr, c.cfg.Metrics.Path, c.metrics)
		if err := c.server.Start(); err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		c.logger.Info("Serving metrics", "address", c.server.Address())
	}

	opts := append(c.cfg.NATS.ClientOptions(),
		natsclient.WithLogger(natsclient.NewSlogLogger(c.logger)),
		natsclient.WithMetrics(c.metrics),
	)
	nc, err := natsclient.NewClient(c.cfg.NATS.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	c.logger.Debug("Connecting to NATS", "url", c.cfg.NATS.URL())
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := nc.Connect(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	c.nc = nc
	return nc, nil
}

// openCoordination opens the coordination bucket. A permanently lost NATS
// connection expires the session.
func (c *cli) openCoordination(ctx context.Context) (*coordination.KVClient, error) {
	if c.coord != nil {
		return c.coord, nil
	}
	nc, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	kv, err := nc.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  c.cfg.NATS.Bucket,
		History: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("open coordination bucket %s: %w", c.cfg.NATS.Bucket, err)
	}

	c.coord = coordination.NewKVClient(nc.NewKVStore(kv))
	nc.OnConnectionLost(c.coord.Expire)
	return c.coord, nil
}

// attach starts a controller for the run named by arg.
func (c *cli) attach(ctx context.Context, arg string, opts ...controller.Option) (*controller.Controller, error) {
	runID, err := weave.ParseRunID(arg)
	if err != nil {
		return nil, err
	}
	coord, err := c.openCoordination(ctx)
	if err != nil {
		return nil, err
	}

	opts = append([]controller.Option{
		controller.WithLogger(c.logger),
		controller.WithMetrics(c.metrics),
		controller.WithSettings(c.cfg.Controller.Settings()),
	}, opts...)

	ctrl, err := controller.New(runID, coord, broker.NewJetStreamClient(c.nc, c.logger), opts...)
	if err != nil {
		return nil, err
	}
	c.controllers = append(c.controllers, ctrl)

	if err := ctrl.Start(ctx); err != nil {
		return nil, fmt.Errorf("attach to run %s: %w", runID, err)
	}
	return ctrl, nil
}

// close releases everything setup and connect created, in reverse order.
func (c *cli) close() error {
	var errs []error
	for _, ctrl := range c.controllers {
		if err := ctrl.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	c.controllers = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.nc != nil {
		if err := c.nc.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.nc = nil
	}
	if c.server != nil {
		if err := c.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		c.server = nil
	}
	return errors.Join(errs...)
}
