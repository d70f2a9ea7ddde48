// Package session provides Redis-backed session persistence and compact
// binary session encoding for authentication hot paths.
//
// # Binary encoding
//
// Sessions are stored in Redis as a compact binary record. The refresh-token
// hash and expiry live at fixed offsets directly after the version byte so
// the atomic rotation script can validate them without parsing the
// variable-length tail.
//
// # Rotation semantics
//
// Refresh never mutates a session in place: [Store.Rotate] atomically
// validates the old record, deletes it, and writes a brand-new session under
// a new id. After rotation the old session id no longer resolves, which is
// what invalidates the old access token at the request guard.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model.
// It does NOT interpret JWT tokens, score risk, or enforce authentication
// policy; those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authcore or jwt (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store plaintext secrets in [Session] fields.
package session
