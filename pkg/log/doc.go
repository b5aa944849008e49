// Package log provides Calder's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Output goes through a pluggable
// Formatter (text or JSON) and one or more Outputs.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("server"), log.Str("ns", "default"))
//	l.Info("server started", log.Int("port", 8080))
//
// Use ApplyConfig to build a logger from a declarative Config, and
// RedirectStdLog to route standard library logging (used by Pebble)
// through a Logger.
package log
