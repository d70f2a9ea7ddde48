package authcore

import (
	"context"
	"time"

	"github.com/sentinelvault/authcore/internal/audit"
	"github.com/sentinelvault/authcore/internal/fingerprint"
	"github.com/sentinelvault/authcore/internal/risk"
)

// CredentialMethod names the protocol that authenticated a login attempt.
type CredentialMethod string

const (
	MethodPassword  CredentialMethod = CredentialMethod(risk.MethodPassword)
	MethodWebAuthn  CredentialMethod = CredentialMethod(risk.MethodWebAuthn)
	MethodBiometric CredentialMethod = CredentialMethod(risk.MethodBiometric)
	MethodOIDC      CredentialMethod = CredentialMethod(risk.MethodOIDC)
)

// Strong reports whether the method counts toward strong-method policies.
func (m CredentialMethod) Strong() bool {
	return risk.StrongMethod(risk.Method(m))
}

// Recommendation is the risk engine's policy outcome for a login attempt.
type Recommendation string

const (
	RecommendAllow  Recommendation = Recommendation(risk.RecommendAllow)
	RecommendStepUp Recommendation = Recommendation(risk.RecommendStepUp)
	RecommendBlock  Recommendation = Recommendation(risk.RecommendBlock)
)

// RiskAssessment re-exports the internal scorer's result for callers that
// want the per-factor breakdown.
type RiskAssessment = risk.Assessment

// RequestSignals are the raw per-request attributes the fingerprint service
// consumes. Screen and Timezone are optional client-reported values.
type RequestSignals = fingerprint.Signals

// DeviceMetadata is the normalized view of parsed request signals.
type DeviceMetadata = fingerprint.Metadata

// PrincipalRecord is the identity record the host application stores.
// Records are never deleted, only deactivated via Active.
type PrincipalRecord struct {
	ID           string
	Email        string
	PasswordHash string
	Tier         string
	Active       bool
	CreatedAt    time.Time
}

// PrincipalProvider is the host application's identity storage. The engine
// owns no principal persistence; it calls through this interface.
//
// ByEmail and ByID must return [ErrPrincipalNotFound] for unknown
// principals so the engine can avoid leaking account existence.
type PrincipalProvider interface {
	CreatePrincipal(ctx context.Context, rec *PrincipalRecord) error
	ByEmail(ctx context.Context, email string) (*PrincipalRecord, error)
	ByID(ctx context.Context, id string) (*PrincipalRecord, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// LoginResult is returned by every verifier path on success or step-up.
//
// When RequiresMFA is true no tokens are issued; the caller approves the
// challenge out of band and retries the login with the challenge code.
type LoginResult struct {
	PrincipalID  string           `json:"principal_id"`
	Email        string           `json:"email"`
	Method       CredentialMethod `json:"method"`
	AccessToken  string           `json:"access_token,omitempty"`
	RefreshToken string           `json:"refresh_token,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
	ExpiresIn    int64            `json:"expires_in,omitempty"`
	RiskScore    int              `json:"risk_score"`
	RequiresMFA  bool             `json:"requires_mfa"`
	MFAChallenge string           `json:"mfa_challenge,omitempty"`
}

// SessionInfo is the caller-visible view of an active session. IPs are
// already masked to coarse granularity.
type SessionInfo struct {
	SessionID   string           `json:"session_id"`
	PrincipalID string           `json:"principal_id"`
	Fingerprint string           `json:"fingerprint"`
	Method      CredentialMethod `json:"method"`
	RiskScore   int              `json:"risk_score"`
	MaskedIP    string           `json:"masked_ip"`
	UserAgent   string           `json:"user_agent"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Current     bool             `json:"current"`
}

// Identity is what the request guard resolves for a validated bearer token.
type Identity struct {
	PrincipalID string
	Email       string
	SessionID   string
	Method      CredentialMethod
	RiskScore   int
	Fingerprint string
}

// WebAuthnCredentialInfo is the caller-visible view of a registered
// credential.
type WebAuthnCredentialInfo struct {
	CredentialID string    `json:"credential_id"`
	Name         string    `json:"name"`
	Transports   []string  `json:"transports,omitempty"`
	SignCount    uint32    `json:"sign_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
}

// OIDCClientRegistration is returned once at client registration; the
// plaintext secret is never recoverable afterwards.
type OIDCClientRegistration struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// TokenResponse is the OIDC token-endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuditEvent is one durable security event emitted by the engine.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher. Implementations must
// be safe for concurrent use.
type AuditSink = audit.Sink

// NoOpSink discards every event.
type NoOpSink = audit.NoOpSink

// ChannelSink forwards events to a buffered channel, dropping when full.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes events as JSON lines to an io.Writer.
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink builds a ChannelSink with the given buffer size.
var NewChannelSink = audit.NewChannelSink

// NewJSONWriterSink builds a JSONWriterSink around w.
var NewJSONWriterSink = audit.NewJSONWriterSink
