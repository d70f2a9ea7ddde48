package authcore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/sentinelvault/authcore/internal/fingerprint"
	"github.com/sentinelvault/authcore/internal/metrics"
	"github.com/sentinelvault/authcore/internal/rate"
	"github.com/sentinelvault/authcore/internal/stores"
	"github.com/sentinelvault/authcore/jwt"
	"github.com/sentinelvault/authcore/password"
	"github.com/sentinelvault/authcore/session"
)

// Engine is the risk-adaptive authentication core. Construct it through
// [Builder]; an Engine is immutable and safe for concurrent use after Build.
type Engine struct {
	config       Config
	principals   PrincipalProvider
	sessions     *session.Store
	devices      *fingerprint.Store
	challenges   *stores.AuthChallengeStore
	codes        *stores.AuthCodeStore
	clients      *stores.OIDCClientStore
	mfa          *stores.MFAChallengeStore
	credentials  *stores.CredentialStore
	pushTokens   *stores.PushTokenStore
	limiter      *rate.Limiter
	audit        *auditDispatcher
	metrics      *metrics.Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	webAuthn     *webauthn.WebAuthn
}

// Close drains the audit dispatcher. The Engine must not be used after.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped returns how many audit events were shed because the buffer
// was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a deep copy of every counter and histogram.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}

// Validate parses a bearer token and independently confirms the referenced
// session is still alive and owned by the token's principal. Both checks
// must pass: a structurally valid token whose session was rotated or revoked
// is rejected.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*Identity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		e.metrics.ObserveValidateLatency(time.Since(start))
	}()

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	sess, err := e.sessions.Get(ctx, claims.SID)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, ErrBackendUnavailable
	}

	if sess.PrincipalID != claims.UID {
		return nil, ErrSessionPrincipalMismatch
	}

	return &Identity{
		PrincipalID: sess.PrincipalID,
		Email:       sess.Email,
		SessionID:   sess.SessionID,
		Method:      CredentialMethod(sess.Method),
		RiskScore:   int(sess.RiskScore),
		Fingerprint: sess.Fingerprint,
	}, nil
}

// Logout destroys the session referenced by the token.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := e.sessions.Delete(ctx, id.PrincipalID, id.SessionID); err != nil {
		return ErrBackendUnavailable
	}
	e.metrics.Inc(metrics.MetricLogout)
	e.metrics.Inc(metrics.MetricSessionInvalidated)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "logout",
		PrincipalID: id.PrincipalID,
		SessionID:   id.SessionID,
		Success:     true,
	})
	return nil
}

// LogoutAll destroys every active session of the token's principal and
// returns how many were removed.
func (e *Engine) LogoutAll(ctx context.Context, accessToken string) (int, error) {
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return 0, err
	}
	n, err := e.sessions.DeleteAll(ctx, id.PrincipalID)
	if err != nil {
		return 0, ErrBackendUnavailable
	}
	e.metrics.Inc(metrics.MetricLogoutAll)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "logout_all",
		PrincipalID: id.PrincipalID,
		SessionID:   id.SessionID,
		Success:     true,
		Metadata:    map[string]string{"sessions_removed": strconv.Itoa(n)},
	})
	return n, nil
}

// ActiveSessions lists a principal's live sessions with masked IPs.
// currentSID, when non-empty, marks the matching entry as Current.
func (e *Engine) ActiveSessions(ctx context.Context, principalID, currentSID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessions.List(ctx, principalID)
	if err != nil {
		return nil, ErrBackendUnavailable
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			SessionID:   s.SessionID,
			PrincipalID: s.PrincipalID,
			Fingerprint: s.Fingerprint,
			Method:      CredentialMethod(s.Method),
			RiskScore:   int(s.RiskScore),
			MaskedIP:    s.MaskedIP,
			UserAgent:   s.UserAgent,
			CreatedAt:   s.CreatedAt,
			ExpiresAt:   s.ExpiresAt,
			Current:     currentSID != "" && s.SessionID == currentSID,
		})
	}
	return out, nil
}

// RegisterPushToken persists an opaque push token for the MFA transport
// collaborator. Delivery itself is out of scope.
func (e *Engine) RegisterPushToken(ctx context.Context, accessToken, token, platform string) error {
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return err
	}
	if token == "" || platform == "" {
		return ErrValidation
	}
	err = e.pushTokens.Save(ctx, id.PrincipalID, &stores.PushToken{
		Token:       token,
		Platform:    platform,
		Fingerprint: id.Fingerprint,
		CreatedAt:   time.Now().UTC().Unix(),
	})
	if err != nil {
		return ErrBackendUnavailable
	}
	return nil
}

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	e.audit.Emit(ctx, event)
}

