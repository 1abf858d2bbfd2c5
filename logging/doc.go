// Package logging provides a minimal logging interface and adapters for taskmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the dispatcher, remote client, agents and pipeline use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - StructuredLogger with component/session context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	ctrl := pipeline.New(m, func(o *pipeline.Options) { o.Logger = logger })
//
// Messages are dotted event names (tool.dispatch.start) followed by key/value
// attributes.
package logging
