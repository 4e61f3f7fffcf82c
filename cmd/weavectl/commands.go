package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/weave"
	"github.com/c360/weave/broker"
	"github.com/c360/weave/command"
	"github.com/c360/weave/controller"
	"github.com/c360/weave/coordination"
	"github.com/c360/weave/discovery"
	"github.com/c360/weave/health"
	"github.com/c360/weave/logging"
	"github.com/c360/weave/logstream"
	"github.com/c360/weave/spec"
)

func (c *cli) logsCmd() *cobra.Command {
	var asJSON, quiet bool
	var listen string
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Stream the log entries of a run until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if quiet && listen == "" {
				return fmt.Errorf("--quiet requires --listen")
			}

			var handlers []logging.Handler
			switch {
			case quiet:
			case asJSON:
				handlers = append(handlers, logging.HandlerFunc(func(e logging.Entry) {
					data, err := logging.Encode(e)
					if err != nil {
						return
					}
					_, _ = fmt.Fprintf(c.out, "%s\n", data)
				}))
			default:
				handlers = append(handlers, logging.NewPrinterHandler(c.out))
			}

			if listen != "" {
				hub := logstream.NewHub(c.logger, logstream.WithMetrics(c.metrics))
				srv, err := serveLogStream(listen, hub, c.logger)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Controller.ShutdownTimeout)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
					_ = hub.Close()
				}()
				handlers = append(handlers, hub)
			}

			ctrl, err := c.attach(ctx, args[0], controller.WithLogHandlers(handlers...))
			if err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ctrl.Terminated():
				return ctrl.Err()
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries in their wire format")
	cmd.Flags().StringVar(&listen, "listen", "", "Also stream entries to WebSocket clients on this address, path /logs")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Do not print entries; only stream them (requires --listen)")
	return cmd
}

// serveLogStream mounts hub at /logs on a new HTTP server.
func serveLogStream(addr string, hub *logstream.Hub, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/logs", hub)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Log stream server failed", "error", err)
		}
	}()
	logger.Info("Streaming log entries", "address", ln.Addr().String(), "path", "/logs")
	return srv, nil
}

// emitCmd publishes one log entry to a run's log topic. It is useful for
// checking a deployment end to end without a running application.
func (c *cli) emitCmd() *cobra.Command {
	var level, loggerName, host string
	cmd := &cobra.Command{
		Use:   "emit <run-id> <message>",
		Short: "Publish a log entry to a run's log topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID, err := weave.ParseRunID(args[0])
			if err != nil {
				return err
			}
			lvl, err := logging.ParseLevel(level)
			if err != nil {
				return err
			}
			if host == "" {
				host, _ = os.Hostname()
			}

			payload, err := logging.Encode(logging.Entry{
				LoggerName: loggerName,
				Host:       host,
				Timestamp:  time.Now().UTC(),
				Level:      lvl,
				ThreadName: "main",
				Message:    args[1],
			})
			if err != nil {
				return err
			}

			nc, err := c.connect(ctx)
			if err != nil {
				return err
			}
			logs := broker.NewJetStreamClient(nc, c.logger)
			defer func() { _ = logs.Close() }()

			topic := weave.LogTopic(runID)
			if err := logs.EnsureTopic(ctx, topic); err != nil {
				return err
			}
			offset, err := logs.Publish(ctx, topic, 0, payload)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "published %s offset %d\n", topic, offset)
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "INFO", "Entry level")
	cmd.Flags().StringVar(&loggerName, "logger", appName, "Logger name")
	cmd.Flags().StringVar(&host, "host", "", "Host name (default: this host)")
	return cmd
}

func (c *cli) scaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scale <run-id> <runnable> <count>",
		Short: "Change the number of instances of a runnable",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[2])
			if err != nil || count < 0 {
				return fmt.Errorf("count must be a non-negative integer, got %q", args[2])
			}

			ctrl, err := c.attach(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			n, err := ctrl.ChangeInstances(args[1], count).Get(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "%s: %d instances\n", args[1], n)
			return nil
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var runnable string
	var all, system bool
	cmd := &cobra.Command{
		Use:   "send <run-id> <command> [key=value...]",
		Short: "Send a command to a run and wait for its reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := buildMessage(args[1], args[2:], runnable, all, system)
			if err != nil {
				return err
			}

			ctrl, err := c.attach(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			reply, err := ctrl.SendCommand(msg).Get(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(c.out, reply)
		},
	}
	cmd.Flags().StringVar(&runnable, "runnable", "", "Target a single runnable")
	cmd.Flags().BoolVar(&all, "all", false, "Target every runnable")
	cmd.Flags().BoolVar(&system, "system", false, "Send as a system message")
	return cmd
}

// buildMessage turns command line arguments into a validated message.
func buildMessage(name string, pairs []string, runnable string, all, system bool) (command.Message, error) {
	opts := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return command.Message{}, fmt.Errorf("option %q is not key=value", p)
		}
		opts[k] = v
	}

	msg := command.Message{
		Type:    command.TypeUser,
		Scope:   command.ScopeApplication,
		Command: command.Command{Command: name, Options: opts},
	}
	if system {
		msg.Type = command.TypeSystem
	}
	switch {
	case runnable != "" && all:
		return command.Message{}, fmt.Errorf("--runnable and --all are mutually exclusive")
	case runnable != "":
		msg.Scope = command.ScopeRunnable
		msg.RunnableName = runnable
	case all:
		msg.Scope = command.ScopeAllRunnables
	}
	return msg, msg.Validate()
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <run-id> <service>",
		Short: "List the endpoints announced for a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := c.attach(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			endpoints, err := ctrl.DiscoverService(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			for _, d := range endpoints {
				_, _ = fmt.Fprintln(c.out, d.Address())
			}
			return nil
		},
	}
}

// registerCmd announces an endpoint until interrupted.
func (c *cli) registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <run-id> <service> <host:port>",
		Short: "Announce a service endpoint until interrupted",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runID, err := weave.ParseRunID(args[0])
			if err != nil {
				return err
			}
			host, portStr, err := net.SplitHostPort(args[2])
			if err != nil {
				return err
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("invalid port %q", portStr)
			}

			coord, err := c.openCoordination(ctx)
			if err != nil {
				return err
			}
			svc := discovery.NewService(coordination.Namespace(coord, "/"+runID.String()), c.logger)
			cancel, err := svc.Register(ctx, discovery.Discoverable{Name: args[1], Host: host, Port: port})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "registered %s at %s\n", args[1], args[2])

			select {
			case <-ctx.Done():
			case <-coord.Expired():
			}
			// The command context is already done here.
			cleanupCtx, done := context.WithTimeout(context.Background(), c.cfg.Controller.ShutdownTimeout)
			defer done()
			return cancel(cleanupCtx)
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print the state and health of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := c.attach(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(c.out, struct {
				RunID       string `json:"run_id"`
				RemoteState string `json:"remote_state,omitempty"`
				Health      any    `json:"health"`
			}{
				RunID:       ctrl.RunID().String(),
				RemoteState: ctrl.RemoteState(),
				Health:      health.Aggregate(appName, []health.Status{c.connectionHealth(), ctrl.Health()}),
			})
		},
	}
}

func (c *cli) specCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Work with application specifications",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a JSON or YAML specification and print its start order",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := spec.LoadFile(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "%s: %d runnables\n", s.Name(), len(s.RunnableNames()))
			for i, o := range s.EffectiveOrders() {
				_, _ = fmt.Fprintf(c.out, "  %d. %s %s\n", i+1, o.Type, strings.Join(o.Names, ", "))
			}
			if h, ok := s.EventHandler(); ok {
				_, _ = fmt.Fprintf(c.out, "  handler %s\n", h.ClassName)
			}
			return nil
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) connectionHealth() health.Status {
	if c.nc == nil {
		return health.NewUnhealthy("nats", "Not connected")
	}
	if c.nc.IsHealthy() {
		return health.NewHealthy("nats", "Connected to "+c.cfg.NATS.URL())
	}
	return health.NewDegraded("nats", "Connection "+c.nc.Status().String())
}
