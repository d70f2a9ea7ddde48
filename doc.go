// Package authcore provides the risk-adaptive authentication engine for the
// SentinelVault application: device fingerprinting, weighted risk scoring,
// password/WebAuthn/OIDC credential verification, push-style MFA step-up, and
// rotating session issuance backed by Redis.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (LoginResult, RiskAssessment, SessionInfo, etc.). All
// internal coordination (challenge stores, risk aggregation, fingerprint
// derivation, rate limiting, audit dispatch) lives under internal/ and is
// never exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its
//     public API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//   - Import any sub-package that re-imports authcore (no import cycles).
//
// # Security contract
//
// Single-use records (WebAuthn challenges, OIDC authorization codes, MFA
// challenges) are consumed atomically; concurrent duplicate consumption never
// double-succeeds. Verification is all-or-nothing: no Engine method returns a
// partially authenticated state. Risk sub-factor failures degrade the score
// conservatively instead of failing the login call.
package authcore
