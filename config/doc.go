// Package config loads weavectl configuration.
//
// Configuration is layered: Default() first, then each file added with
// Loader.AddLayer (JSON or YAML, chosen by extension), then WEAVE_*
// environment variables, and finally Validate.
//
//	cfg, err := config.Load("weave.yaml")
//	if err != nil {
//		return err
//	}
//	ctrl, err := controller.New(runID, coord, logs,
//		controller.WithSettings(cfg.Controller.Settings()))
//
// Only keys present in a layer override earlier values, so a file may set a
// single field:
//
//	controller:
//	  command_timeout: 10s
//
// Durations are written as Go duration strings ("250ms", "30s").
//
// Recognised environment overrides:
//
//	WEAVE_NATS_URL         comma separated server URLs
//	WEAVE_NATS_BUCKET      coordination KV bucket
//	WEAVE_NATS_USERNAME    WEAVE_NATS_PASSWORD    WEAVE_NATS_TOKEN
//	WEAVE_LOG_LEVEL        debug, info, warn or error
//	WEAVE_LOG_FORMAT       json or text
//	WEAVE_COMMAND_TIMEOUT  duration string
//	WEAVE_METRICS_ADDR     listen address of the metrics endpoint
package config
