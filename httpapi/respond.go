package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	authcore "github.com/sentinelvault/authcore"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success           bool      `json:"success"`
	Error             errorBody `json:"error"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	RiskScore         int       `json:"risk_score,omitempty"`
	StepUpAvailable   bool      `json:"step_up_available,omitempty"`
}

// writeJSON writes a success payload. The payload must already carry
// "success": true (use envelope()).
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", slog.Any("error", err))
	}
}

// envelope builds the canonical success body.
func envelope(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	out["success"] = true
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// writeError maps engine sentinels onto the HTTP error taxonomy. Unknown
// errors become opaque 500s; nothing internal reaches the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code, message := classify(err)
	env := errorEnvelope{Error: errorBody{Code: code, Message: message}}
	if status == http.StatusForbidden {
		env.StepUpAvailable = errors.Is(err, authcore.ErrRiskCeilingExceeded) ||
			errors.Is(err, authcore.ErrStepUpRequired)
	}
	if score, ok := authcore.RiskScoreFromError(err); ok {
		env.RiskScore = score
	}
	if retry := authcore.RetryAfter(err); retry > 0 {
		seconds := int(retry.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		env.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(env); encErr != nil {
		s.logger.Error("encode error response", slog.Any("error", encErr))
	}
}

func classify(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, authcore.ErrValidation):
		return http.StatusBadRequest, "validation_error", "malformed or missing field"
	case errors.Is(err, authcore.ErrInvalidCredentials),
		errors.Is(err, authcore.ErrUnauthorized),
		errors.Is(err, authcore.ErrTokenInvalid),
		errors.Is(err, authcore.ErrRefreshInvalid),
		errors.Is(err, authcore.ErrSessionNotFound),
		errors.Is(err, authcore.ErrSessionPrincipalMismatch),
		errors.Is(err, authcore.ErrClientSecretMismatch):
		return http.StatusUnauthorized, "authentication_error", "authentication failed"
	case errors.Is(err, authcore.ErrAccountDisabled),
		errors.Is(err, authcore.ErrLoginBlocked),
		errors.Is(err, authcore.ErrRiskCeilingExceeded),
		errors.Is(err, authcore.ErrStrongMethodRequired),
		errors.Is(err, authcore.ErrMFANotApproved):
		return http.StatusForbidden, "authorization_error", "insufficient authentication posture"
	case errors.Is(err, authcore.ErrAccountExists):
		return http.StatusConflict, "conflict_error", "resource already exists"
	case errors.Is(err, authcore.ErrGrantInvalid),
		errors.Is(err, authcore.ErrChallengeConsumed),
		errors.Is(err, authcore.ErrMFAChallengeResolved),
		errors.Is(err, authcore.ErrCredentialCloneDetected):
		return http.StatusConflict, "conflict_error", "replayed or already-consumed credential"
	case errors.Is(err, authcore.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many attempts"
	case errors.Is(err, authcore.ErrPrincipalNotFound),
		errors.Is(err, authcore.ErrCredentialNotFound),
		errors.Is(err, authcore.ErrMFAChallengeNotFound),
		errors.Is(err, authcore.ErrClientNotFound),
		errors.Is(err, authcore.ErrChallengeNotFound):
		return http.StatusNotFound, "not_found", "resource not found"
	case errors.Is(err, authcore.ErrChallengeExpired),
		errors.Is(err, authcore.ErrMFAChallengeExpired),
		errors.Is(err, authcore.ErrMFAApprovalStale):
		return http.StatusBadRequest, "validation_error", "challenge expired"
	case errors.Is(err, authcore.ErrMFAApprovalInvalid),
		errors.Is(err, authcore.ErrChallengePrincipalMismatch),
		errors.Is(err, authcore.ErrCeremonyFailed):
		return http.StatusUnauthorized, "authentication_error", "verification failed"
	case errors.Is(err, authcore.ErrPKCEVerifierInvalid),
		errors.Is(err, authcore.ErrPKCEMethodInvalid),
		errors.Is(err, authcore.ErrRedirectURIMismatch),
		errors.Is(err, authcore.ErrResponseTypeInvalid):
		return http.StatusBadRequest, "validation_error", "invalid authorization parameters"
	default:
		return http.StatusInternalServerError, "transient_error", "internal error"
	}
}

// decodeJSON reads and validates a JSON request body.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, authcore.ErrValidation)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, authcore.ErrValidation)
		return false
	}
	return true
}
