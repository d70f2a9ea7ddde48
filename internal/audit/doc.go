// Package audit implements async event dispatching for security-relevant
// operations of the authentication core.
//
// # Components
//
//   - [Sink] - interface for event consumers (channel, JSON writer, no-op).
//   - [Event] - structured audit record with timestamp, type, principal,
//     session, fingerprint, method, risk score, and metadata.
//
// The buffered dispatcher that feeds sinks lives in the root package next to
// the Engine that owns its lifecycle.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authcore or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
