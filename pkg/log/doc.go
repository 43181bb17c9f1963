// Package log provides a structured protocol trace for shadowlink.
//
// The trace is separate from operational logging (slog). It records every
// authentication state change, challenge round, shadow notification and
// connection transition as an Event, so a session can be replayed and
// inspected after the fact.
//
// # Basic Usage
//
//	// Console during development
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// Binary trace file
//	fileLogger, _ := log.NewFileLogger("/var/log/shadowlink/client.slog")
//
//	// Both
//	logger := log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fileLogger)
//
// # Event Layers
//
//   - Auth: custom authentication session transitions and challenge rounds
//   - Shadow: device shadow notifications and desired-state requests
//   - Connection: transport connection lifecycle
//
// Challenge events record which keys were present, never their values;
// one-time codes do not end up in trace files.
//
// # File Format
//
// Trace files are a stream of CBOR-encoded events with integer keys.
// Reader iterates a file with an optional Filter.
package log
