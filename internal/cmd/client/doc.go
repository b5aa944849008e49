// Package client contains Cobra CLI commands for Calder. Commands talk
// to a running server over its HTTP API; the base URL comes from the
// CALDER_HTTP env var or defaults to localhost.
package client
