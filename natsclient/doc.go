// Package natsclient wraps the NATS Go client with circuit breaker protection and
// the JetStream helpers weave builds on.
//
// Two JetStream facilities carry the control plane:
//
//   - Key-Value buckets back the coordination service. KVStore adds revision
//     checked writes (Update, conditional Delete), a conflict retry loop
//     (UpdateWithRetry) and pattern listing (Keys).
//   - Streams back the per-run log topics. EnsureStream creates or updates a stream
//     in place; GetStream opens an existing one.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//	    natsclient.WithMaxReconnects(10),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "weave"})
//	store := client.NewKVStore(bucket)
//
// # Connection loss
//
// Reconnects are handled by the NATS client. Once reconnection gives up, the
// callback registered with OnConnectionLost fires exactly once; the coordination
// layer treats it as the end of its session.
//
// # Testing
//
// NewTestClient starts a NATS server in a container (testcontainers-go) with
// JetStream enabled and registers cleanup with t.Cleanup. Tests using it carry the
// integration build tag.
package natsclient
