// Package process runs and supervises single external subprocesses.
//
// A Process wraps os/exec for one run of one command:
//   - Graceful shutdown with SIGINT and configurable timeout
//   - Force kill with SIGKILL if graceful shutdown times out
//   - Output streaming with pluggable log parsing
//   - A bounded tail of recent output for diagnostics
//
// Restart policy is left to callers; see internal/stream.
package process
