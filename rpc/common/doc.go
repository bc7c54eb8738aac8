// Package common provides core data structures and utilities shared across
// the client transport, the reference server and the command line tool.
//
// The package focuses on:
//   - The frame header that envelopes every request and response payload
//   - Configuration structures for client sessions and the reference server
//   - The error taxonomy used by all transport layers
//   - Custom logging integrated with Dragonboat's logger facade
//
// Key Components:
//
//   - FrameHeader: envelope in front of every opaque payload. Requests carry the
//     destination service and the session id, responses either a service result
//     or server diagnostics (which surface as *ServerError).
//
//   - Errors: ErrIO (transport failures, refined into ErrLinkClosed,
//     ErrConnectionClosed and ErrServerCrashed), ErrTimeout, ErrInterrupted and
//     the structured ServerError. Callers match them with errors.Is / errors.As.
//
//   - ClientConfig / ServerConfig: settings for timeouts, slot table size and
//     socket options, rendered by String() for diagnostics.
//
//   - Credential: opaque bytes presented during the handshake.
//
//   - Logger: Compact formatting plugged into Dragonboat's logger.Factory.
package common
