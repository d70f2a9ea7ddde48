package session

import (
	"time"
)

// Session is the server-side record backing a pair of issued tokens.
// Access tokens reference the session by id; refresh tokens prove
// possession by hashing to RefreshHash.
type Session struct {
	// SessionID is the 16-byte random identifier, base64url-encoded.
	SessionID string

	// PrincipalID identifies the account that owns this session.
	PrincipalID string

	// Email is carried for token claims and introspection. May be empty.
	Email string

	// Fingerprint is the device fingerprint active when the session
	// was created or last rotated.
	Fingerprint string

	// Method is the credential method that authenticated this session
	// (password, webauthn, biometric, oidc).
	Method string

	// RiskScore is the composite risk score recorded at issuance.
	RiskScore uint8

	// RefreshHash is the SHA-256 of the refresh-token secret. The
	// plaintext secret is returned to the caller once and never stored.
	RefreshHash [32]byte

	// MaskedIP is the privacy-masked client IP at issuance.
	MaskedIP string

	// UserAgent is the raw client user-agent string, for session listing.
	UserAgent string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
