// Package metric holds the Prometheus registry shared by weave components and the
// HTTP server that exposes it.
//
// NewMetricsRegistry registers the core metrics (controller state, command
// outcomes, log poller throughput) plus Go runtime collectors. Components register
// their own collectors through MetricsRegistrar; registering the same component and
// name twice is an invalid-class error.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(ctx)
package metric
