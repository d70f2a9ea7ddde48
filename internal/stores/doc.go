// Package stores provides Redis-backed, short-lived record stores for
// security-sensitive authentication flows: WebAuthn ceremony challenges,
// OIDC authorization codes and clients, MFA step-up challenges, push-token
// registrations, and WebAuthn credentials.
//
// # Design
//
// Each store persists a versioned record in Redis with a TTL. Single-use
// records (ceremony challenges, authorization codes) are consumed with an
// atomic GETDEL so concurrent duplicate consumption can never both succeed.
// State transitions (MFA approval, signature-counter advancement) use Lua
// scripts or WATCH/MULTI optimistic transactions with retry on contention.
// Every read path re-checks the embedded expiry; correctness never depends
// on Redis TTL reclamation alone.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// protocol records. It does NOT generate challenges, verify MACs or
// assertions, or make authentication decisions; those responsibilities
// belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authcore or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons for secret matching.
package stores
