package authcore

import (
	"context"

	"github.com/sentinelvault/authcore/internal/metrics"
)

// ChangePasswordInput carries a password rotation request. The caller must
// hold a valid access token; the old password is re-verified even so.
type ChangePasswordInput struct {
	AccessToken string
	OldPassword string
	NewPassword string
}

// ChangePassword verifies the current password, stores a fresh Argon2id
// hash, and revokes every session except the one making the request. The
// surviving session keeps its tokens; stolen refresh tokens on other
// devices die with their sessions.
func (e *Engine) ChangePassword(ctx context.Context, in ChangePasswordInput) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if in.OldPassword == "" || in.NewPassword == "" || in.NewPassword == in.OldPassword {
		return ErrValidation
	}

	id, err := e.Validate(ctx, in.AccessToken)
	if err != nil {
		return err
	}

	principal, err := e.principals.ByID(ctx, id.PrincipalID)
	if err != nil {
		return ErrUnauthorized
	}
	if !principal.Active {
		return ErrAccountDisabled
	}

	ok, err := e.passwordHash.Verify(in.OldPassword, principal.PasswordHash)
	if err != nil || !ok {
		e.emitAudit(ctx, AuditEvent{
			EventType:   "password_change_rejected",
			PrincipalID: principal.ID,
			SessionID:   id.SessionID,
			Success:     false,
			Error:       "old password mismatch",
		})
		return ErrInvalidCredentials
	}

	hash, err := e.passwordHash.Hash(in.NewPassword)
	if err != nil {
		return ErrValidation
	}
	if err := e.principals.UpdatePasswordHash(ctx, principal.ID, hash); err != nil {
		return ErrBackendUnavailable
	}

	revoked := e.revokeOtherSessions(ctx, principal.ID, id.SessionID)

	e.emitAudit(ctx, AuditEvent{
		EventType:   "password_changed",
		PrincipalID: principal.ID,
		SessionID:   id.SessionID,
		Success:     true,
	})
	for i := 0; i < revoked; i++ {
		e.metrics.Inc(metrics.MetricSessionInvalidated)
	}
	return nil
}

// revokeOtherSessions deletes every session of the principal except keep.
// Best effort: a failed delete leaves that session to expire by TTL.
func (e *Engine) revokeOtherSessions(ctx context.Context, principalID, keep string) int {
	sessions, err := e.sessions.List(ctx, principalID)
	if err != nil {
		return 0
	}
	revoked := 0
	for _, sess := range sessions {
		if sess.SessionID == keep {
			continue
		}
		if err := e.sessions.Delete(ctx, principalID, sess.SessionID); err == nil {
			revoked++
		}
	}
	return revoked
}
