// Package middleware provides net/http request guards backed by an authcore
// Engine.
//
// [Guard] validates the bearer token and confirms the referenced session is
// still alive before the handler runs; the resolved identity is available
// from the request context via [IdentityFromContext]. [RiskCeiling] and
// [RequireStrongMethod] compose on top of Guard to enforce per-route risk
// and credential-strength policies.
package middleware
