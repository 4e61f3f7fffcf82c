// Package weave is the client-side control plane for one running distributed
// application ("run").
//
// A run is launched elsewhere; weave attaches to it through two shared services:
//
//   - a coordination service (NATS JetStream Key-Value) holding the run's state
//     node, the command and reply nodes, and the discovery registry;
//   - a log broker (NATS JetStream streams) carrying the run's log topic, named
//     "<run-id>-log".
//
// # Packages
//
//   - controller: the Run Controller and its Log Poller
//   - spec: the application specification model and its JSON codec
//   - logging: log entries, their decoder and log handlers
//   - coordination, broker, discovery: client interfaces with NATS and in-memory
//     implementations
//   - command: control messages sent to the running application
//   - natsclient, metric, health, config, errors: shared infrastructure
//
// # Usage
//
//	ctrl, err := controller.New(runID, coord, logs,
//	    controller.WithLogger(logger),
//	    controller.WithLogHandlers(logging.NewPrinterHandler(os.Stdout)),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := ctrl.Start(ctx); err != nil {
//	    return err
//	}
//	defer ctrl.Stop()
//
//	n, err := ctrl.ChangeInstances("worker", 5).Get(ctx)
package weave
