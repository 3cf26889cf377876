// Package log provides structured protocol capture for instrument sessions.
//
// This package defines the Logger interface and Event types for recording
// what crossed the wire during a session: raw frames at the transport layer,
// encoded commands and decoded responses at the codec layer, and lifecycle
// changes at the session layer. It is separate from operational logging
// (slog): protocol capture is a machine-readable trace that can be replayed
// when a device misbehaves in the field.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/cypress/protocol.cbor")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with integer keys.
// Opening an existing file appends to it. The cypress-log command views,
// exports, filters and summarizes them.
package log
