package controller

import (
	"time"

	"github.com/c360/weave/metric"
)

// runMetrics records the series of one run. A nil *runMetrics is valid and
// records nothing.
type runMetrics struct {
	core *metric.Metrics
	run  string
}

func newRunMetrics(registry *metric.MetricsRegistry, run string) *runMetrics {
	if registry == nil {
		return nil
	}
	return &runMetrics{core: registry.CoreMetrics(), run: run}
}

func (m *runMetrics) state(s State) {
	if m == nil {
		return
	}
	m.core.ControllerState.WithLabelValues(m.run).Set(float64(s))
}

func (m *runMetrics) command(name, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.core.CommandsTotal.WithLabelValues(m.run, name, outcome).Inc()
	m.core.CommandDuration.WithLabelValues(m.run, name).Observe(took.Seconds())
}

func (m *runMetrics) pending(n int) {
	if m == nil {
		return
	}
	m.core.CommandsPending.WithLabelValues(m.run).Set(float64(n))
}

func (m *runMetrics) dispatched() {
	if m == nil {
		return
	}
	m.core.LogEntriesDispatched.WithLabelValues(m.run).Inc()
}

func (m *runMetrics) decodeError() {
	if m == nil {
		return
	}
	m.core.LogDecodeErrors.WithLabelValues(m.run).Inc()
}

func (m *runMetrics) brokerError(operation string) {
	if m == nil {
		return
	}
	m.core.BrokerErrors.WithLabelValues(m.run, operation).Inc()
}

func (m *runMetrics) reconnect() {
	if m == nil {
		return
	}
	m.core.PollerReconnects.WithLabelValues(m.run).Inc()
}
