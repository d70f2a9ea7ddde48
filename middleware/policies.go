package middleware

import (
	"net/http"

	authcore "github.com/sentinelvault/authcore"
)

// RiskCeiling rejects requests whose session risk score exceeds ceiling.
// Must run inside [Guard]. The 403 signals the client to perform step-up
// and retry; it is not a terminal denial.
func RiskCeiling(engine *authcore.Engine, ceiling int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if err := engine.EnforceRiskCeiling(r.Context(), id, ceiling); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireStrongMethod rejects sessions established with a credential method
// outside the strong set. Must run inside [Guard].
func RequireStrongMethod(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if err := engine.EnforceStrongMethod(r.Context(), id); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
