// Package serverrun exposes the Run entrypoint the CLI uses to start the
// Calder broker, handling lifecycle and shutdown.
//
// Example:
//
//	cfg := config.Default()
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
