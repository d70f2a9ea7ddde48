package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/sentinelvault/authcore/jwt"
	"github.com/sentinelvault/authcore/password"
)

// Config is the full engine configuration. Zero values are filled in by
// defaults at Build time; Validate rejects combinations that would weaken
// the security posture.
type Config struct {
	// KeyPrefix namespaces every Redis key the engine writes.
	KeyPrefix string

	Issuer   string
	Audience string

	JWT         JWTConfig
	Session     SessionConfig
	Password    PasswordConfig
	RateLimit   RateLimitConfig
	MFA         MFAConfig
	WebAuthn    WebAuthnConfig
	OIDC        OIDCConfig
	Fingerprint FingerprintConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

// JWTConfig carries signing key material and token lifetimes. Ed25519 is
// the primary method; HS256 is supported for constrained deployments.
type JWTConfig struct {
	SigningMethod string
	// PrivateKey is a PEM-encoded Ed25519 private key, or the raw HMAC
	// secret under hs256.
	PrivateKey []byte
	// PublicKey is a PEM-encoded Ed25519 public key. Unused under hs256.
	PublicKey []byte
	AccessTTL time.Duration
	Leeway    time.Duration
	KeyID     string
}

// SessionConfig bounds session and refresh-token lifetime.
type SessionConfig struct {
	// TTL is the session record lifetime; the refresh token dies with it.
	TTL time.Duration
	// HistoryRetention bounds the per-principal login history that feeds
	// behavioral risk scoring.
	HistoryRetention time.Duration
}

// PasswordConfig tunes Argon2id cost parameters.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// RehashOnVerify upgrades stored hashes with weaker-than-configured
	// parameters transparently on successful login.
	RehashOnVerify bool
}

// RateLimitConfig tunes the rolling-window attempt limiter.
type RateLimitConfig struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration
}

// MFAConfig governs step-up challenges and approval-token verification.
type MFAConfig struct {
	// ApprovalSecret keys the HMAC over approval tokens and challenge
	// solutions. Required; minimum 32 bytes.
	ApprovalSecret []byte
	ChallengeTTL   time.Duration
	// ApprovalMaxAge bounds how old an approval token timestamp may be.
	ApprovalMaxAge time.Duration
}

// WebAuthnConfig identifies the relying party for ceremonies.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	ChallengeTTL  time.Duration
}

// OIDCConfig governs the authorization-code provider.
type OIDCConfig struct {
	CodeTTL    time.Duration
	IDTokenTTL time.Duration
	// AllowPlainPKCE permits the "plain" code-challenge method. S256 is
	// always accepted.
	AllowPlainPKCE bool
}

// FingerprintConfig tunes device trust accrual.
type FingerprintConfig struct {
	// TrustedAfterLogins is the successful-login count at which a device
	// fingerprint is marked trusted.
	TrustedAfterLogins int
}

// AuditConfig governs the buffered audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking the hot path; drops are
	// counted and visible via Engine.AuditDropped.
	DropIfFull bool
}

// MetricsConfig governs in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the documented defaults. Key material is left
// empty and must be supplied before Build.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "authcore",
		Issuer:    "authcore",
		Audience:  "authcore",
		JWT: JWTConfig{
			SigningMethod: string(jwt.MethodEd25519),
			AccessTTL:     15 * time.Minute,
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			TTL:              7 * 24 * time.Hour,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			RehashOnVerify: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxAttempts: 10,
			Window:      time.Minute,
		},
		MFA: MFAConfig{
			ChallengeTTL:   5 * time.Minute,
			ApprovalMaxAge: 5 * time.Minute,
		},
		WebAuthn: WebAuthnConfig{
			ChallengeTTL: 60 * time.Second,
		},
		OIDC: OIDCConfig{
			CodeTTL:    10 * time.Minute,
			IDTokenTTL: time.Hour,
		},
		Fingerprint: FingerprintConfig{
			TrustedAfterLogins: 5,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.MFA.ApprovalSecret = cloneBytes(cfg.MFA.ApprovalSecret)
	if cfg.WebAuthn.RPOrigins != nil {
		out.WebAuthn.RPOrigins = append([]string(nil), cfg.WebAuthn.RPOrigins...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks the configuration for security-relevant mistakes. It is
// called by Build; direct calls are useful for config linting.
func (c *Config) Validate() error {
	if c.KeyPrefix == "" {
		return errors.New("config: key prefix required")
	}
	if c.Issuer == "" {
		return errors.New("config: issuer required")
	}

	switch c.JWT.SigningMethod {
	case string(jwt.MethodEd25519):
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("config: ed25519 key pair required")
		}
	case string(jwt.MethodHS256):
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("config: hs256 secret must be at least 32 bytes")
		}
	default:
		return fmt.Errorf("config: unknown signing method %q", c.JWT.SigningMethod)
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("config: access ttl must be positive")
	}

	if c.Session.TTL < time.Minute {
		return errors.New("config: session ttl must be at least one minute")
	}
	if c.Session.TTL <= c.JWT.AccessTTL {
		return errors.New("config: session ttl must exceed access ttl")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxAttempts <= 0 {
			return errors.New("config: rate limit max attempts must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return errors.New("config: rate limit window must be positive")
		}
	}

	if len(c.MFA.ApprovalSecret) < 32 {
		return errors.New("config: mfa approval secret must be at least 32 bytes")
	}
	if c.MFA.ChallengeTTL <= 0 || c.MFA.ApprovalMaxAge <= 0 {
		return errors.New("config: mfa lifetimes must be positive")
	}

	if c.WebAuthn.RPID != "" && len(c.WebAuthn.RPOrigins) == 0 {
		return errors.New("config: webauthn origins required when rp id is set")
	}
	if c.WebAuthn.ChallengeTTL <= 0 {
		return errors.New("config: webauthn challenge ttl must be positive")
	}

	if c.OIDC.CodeTTL <= 0 || c.OIDC.CodeTTL > 10*time.Minute {
		return errors.New("config: oidc code ttl must be in (0, 10m]")
	}

	if c.Fingerprint.TrustedAfterLogins < 1 {
		return errors.New("config: trusted-after-logins must be at least 1")
	}

	if _, err := password.NewArgon2(password.Config{
		Memory:      c.Password.Memory,
		Time:        c.Password.Time,
		Parallelism: c.Password.Parallelism,
		SaltLength:  c.Password.SaltLength,
		KeyLength:   c.Password.KeyLength,
	}); err != nil {
		return fmt.Errorf("config: password: %w", err)
	}

	return nil
}
