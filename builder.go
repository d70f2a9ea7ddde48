package authcore

import (
	"errors"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelvault/authcore/internal/fingerprint"
	"github.com/sentinelvault/authcore/internal/metrics"
	"github.com/sentinelvault/authcore/internal/rate"
	"github.com/sentinelvault/authcore/internal/stores"
	"github.com/sentinelvault/authcore/jwt"
	"github.com/sentinelvault/authcore/password"
	"github.com/sentinelvault/authcore/session"
)

// Builder assembles an Engine. Configure it once, call Build once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	principalProvider PrincipalProvider
	auditSink         AuditSink

	built bool
}

// New returns a Builder preloaded with defaults.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the entire configuration. The config is cloned, so
// later mutations by the caller have no effect.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis injects the backing Redis client. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPrincipalProvider injects the host application's identity storage.
// Required.
func (b *Builder) WithPrincipalProvider(p PrincipalProvider) *Builder {
	b.principalProvider = p
	return b
}

// WithAuditSink sets the destination for security events. Defaults to a
// no-op sink when auditing is enabled without one.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the Validate latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every store exactly once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.principalProvider == nil {
		return nil, errors.New("principal provider required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     b.config.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(b.config.JWT.SigningMethod),
		PrivateKey:    b.config.JWT.PrivateKey,
		PublicKey:     b.config.JWT.PublicKey,
		Issuer:        b.config.Issuer,
		Audience:      b.config.Audience,
		Leeway:        b.config.JWT.Leeway,
		KeyID:         b.config.JWT.KeyID,
	})
	if err != nil {
		return nil, err
	}

	// WebAuthn is optional: engines that never serve ceremonies can leave
	// the relying party unset.
	var wa *webauthn.WebAuthn
	if b.config.WebAuthn.RPID != "" {
		wa, err = webauthn.New(&webauthn.Config{
			RPID:          b.config.WebAuthn.RPID,
			RPDisplayName: b.config.WebAuthn.RPDisplayName,
			RPOrigins:     b.config.WebAuthn.RPOrigins,
		})
		if err != nil {
			return nil, err
		}
	}

	prefix := b.config.KeyPrefix

	e := &Engine{
		config:       b.config,
		principals:   b.principalProvider,
		sessions:     session.NewStore(b.redis, prefix+":sess"),
		devices:      fingerprint.NewStore(b.redis, prefix+":dev"),
		challenges:   stores.NewAuthChallengeStore(b.redis, prefix+":wch"),
		codes:        stores.NewAuthCodeStore(b.redis, prefix+":code"),
		clients:      stores.NewOIDCClientStore(b.redis, prefix+":client"),
		mfa:          stores.NewMFAChallengeStore(b.redis, prefix+":mfa"),
		credentials:  stores.NewCredentialStore(b.redis, prefix+":wcr"),
		pushTokens:   stores.NewPushTokenStore(b.redis, prefix+":push"),
		passwordHash: hasher,
		jwtManager:   jwtManager,
		webAuthn:     wa,
		audit:        newAuditDispatcher(b.config.Audit, b.auditSink),
		metrics: metrics.New(metrics.Config{
			Enabled:       b.config.Metrics.Enabled,
			EnableLatency: b.config.Metrics.EnableLatencyHistograms,
		}),
	}

	if b.config.RateLimit.Enabled {
		e.limiter = rate.New(b.redis, prefix+":rate", rate.Config{
			Enabled:     true,
			MaxAttempts: b.config.RateLimit.MaxAttempts,
			Window:      b.config.RateLimit.Window,
		})
	}

	b.built = true
	return e, nil
}
