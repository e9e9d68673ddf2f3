// Package logging provides a minimal logging interface and adapters for agentloop.
//
// The Logger interface defines the leveled methods (Debug, Info, Warn, Error)
// the engine, completion handler and tools use for observability. This package
// includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NewLogger building a JSON or text slog handler from LoggerConfig
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text"})
//	eng, err := engine.New("assistant", m, func(o *engine.Options) { o.Logger = logger })
//
// Messages are dotted event names ("tool.call.success") followed by
// snake_case key/value pairs.
package logging
