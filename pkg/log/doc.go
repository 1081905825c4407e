// Package log provides structured protocol capture for the relay client.
//
// This package defines the Logger interface and Event types for recording
// what the relay engine does on the wire: bytes sent and received per
// exchange, exchange phase transitions, session state changes and errors.
// It is separate from operational logging (slog) - protocol capture produces
// a complete machine-readable trace for debugging relay interactions.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For field debugging: write to a CBOR file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/relay/device.rlog")
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(adapter, fileLogger)
//
// # Event Types
//
// Events are captured at three layers:
//   - Transport: raw request/response bytes of an exchange (FrameEvent)
//   - Exchange: phase transitions and outcomes (ExchangeEvent)
//   - Session: relay session state changes (StateChangeEvent)
//
// Errors at any layer have their own payload (ErrorEventData).
//
// # File Format
//
// Log files are a sequence of CBOR-encoded events, conventionally with the
// .rlog extension. "relay-device log view" prints and filters them.
package log
