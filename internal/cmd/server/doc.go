// Package serverrun exposes a shared Run entrypoint used by the CLI to
// start the event store's HTTP server, advisory-lock manager, and
// notification pipeline, handling lifecycle and shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.PostgresDSN = "postgres://localhost/eventstore"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
