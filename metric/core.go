package metric

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the process-wide weave metrics. Every series is labelled by run
// so one process may control several runs.
type Metrics struct {
	ControllerState *prometheus.GaugeVec
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	CommandsPending *prometheus.GaugeVec

	LogEntriesDispatched *prometheus.CounterVec
	LogDecodeErrors      *prometheus.CounterVec
	BrokerErrors         *prometheus.CounterVec
	PollerReconnects     *prometheus.CounterVec

	NATSConnected prometheus.Gauge
}

// NewMetrics creates the core metrics (unregistered)
func NewMetrics() *Metrics {
	return &Metrics{
		ControllerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "weave",
			Subsystem: "controller",
			Name:      "state",
			Help:      "Controller state (0=new, 1=starting, 2=running, 3=stopping, 4=terminated, 5=failed)",
		}, []string{"run"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "controller",
			Name:      "commands_total",
			Help:      "Commands sent to the running application by outcome",
		}, []string{"run", "command", "outcome"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "weave",
			Subsystem: "controller",
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to its resolution",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"run", "command"}),

		CommandsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "weave",
			Subsystem: "controller",
			Name:      "commands_pending",
			Help:      "Commands awaiting a reply",
		}, []string{"run"}),

		LogEntriesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "logpoller",
			Name:      "entries_dispatched_total",
			Help:      "Log entries delivered to handlers",
		}, []string{"run"}),

		LogDecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "logpoller",
			Name:      "decode_errors_total",
			Help:      "Log payloads skipped because they could not be decoded",
		}, []string{"run"}),

		BrokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "logpoller",
			Name:      "broker_errors_total",
			Help:      "Broker failures seen by the log poller",
		}, []string{"run", "operation"}),

		PollerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weave",
			Subsystem: "logpoller",
			Name:      "reconnects_total",
			Help:      "Times the log poller restarted from the earliest offset",
		}, []string{"run"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weave",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (1=connected, 0=disconnected)",
		}),
	}
}

// register adds the core metrics to r under their subsystem, so a component
// cannot later claim one of their names.
func (m *Metrics) register(r MetricsRegistrar) error {
	return stderrors.Join(
		r.RegisterGaugeVec("controller", "state", m.ControllerState),
		r.RegisterCounterVec("controller", "commands_total", m.CommandsTotal),
		r.RegisterHistogramVec("controller", "command_duration_seconds", m.CommandDuration),
		r.RegisterGaugeVec("controller", "commands_pending", m.CommandsPending),
		r.RegisterCounterVec("logpoller", "entries_dispatched_total", m.LogEntriesDispatched),
		r.RegisterCounterVec("logpoller", "decode_errors_total", m.LogDecodeErrors),
		r.RegisterCounterVec("logpoller", "broker_errors_total", m.BrokerErrors),
		r.RegisterCounterVec("logpoller", "reconnects_total", m.PollerReconnects),
		r.RegisterGauge("nats", "connected", m.NATSConnected),
	)
}

// DeleteRun drops every series labelled with the given run.
func (m *Metrics) DeleteRun(run string) {
	labels := prometheus.Labels{"run": run}
	m.ControllerState.DeletePartialMatch(labels)
	m.CommandsTotal.DeletePartialMatch(labels)
	m.CommandDuration.DeletePartialMatch(labels)
	m.CommandsPending.DeletePartialMatch(labels)
	m.LogEntriesDispatched.DeletePartialMatch(labels)
	m.LogDecodeErrors.DeletePartialMatch(labels)
	m.BrokerErrors.DeletePartialMatch(labels)
	m.PollerReconnects.DeletePartialMatch(labels)
}
