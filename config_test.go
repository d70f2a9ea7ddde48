package authcore

import (
	"testing"
	"time"
)

func validTestConfig(t *testing.T) Config {
	t.Helper()
	return newTestConfig(t)
}

func TestConfigValidateAcceptsDefaults(t *testing.T) {
	cfg := validTestConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key prefix", func(c *Config) { c.KeyPrefix = "" }},
		{"empty issuer", func(c *Config) { c.Issuer = "" }},
		{"missing ed25519 keys", func(c *Config) { c.JWT.PrivateKey = nil; c.JWT.PublicKey = nil }},
		{"short hs256 secret", func(c *Config) {
			c.JWT.SigningMethod = "hs256"
			c.JWT.PrivateKey = []byte("too-short")
		}},
		{"unknown signing method", func(c *Config) { c.JWT.SigningMethod = "rs256" }},
		{"zero access ttl", func(c *Config) { c.JWT.AccessTTL = 0 }},
		{"session ttl under a minute", func(c *Config) { c.Session.TTL = 30 * time.Second }},
		{"session ttl not beyond access ttl", func(c *Config) { c.Session.TTL = c.JWT.AccessTTL }},
		{"rate limit without budget", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.MaxAttempts = 0
		}},
		{"short mfa secret", func(c *Config) { c.MFA.ApprovalSecret = []byte("short") }},
		{"zero mfa ttl", func(c *Config) { c.MFA.ChallengeTTL = 0 }},
		{"webauthn rp without origins", func(c *Config) {
			c.WebAuthn.RPID = "vault.example.com"
			c.WebAuthn.RPOrigins = nil
		}},
		{"oidc code ttl too long", func(c *Config) { c.OIDC.CodeTTL = time.Hour }},
		{"zero trusted-after-logins", func(c *Config) { c.Fingerprint.TrustedAfterLogins = 0 }},
		{"argon2 below floor", func(c *Config) { c.Password.Memory = 1024 }},
	}

	for _, tc := range cases {
		cfg := validTestConfig(t)
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestConfigCloneIsolatesKeyMaterial(t *testing.T) {
	cfg := validTestConfig(t)
	cfg.WebAuthn.RPOrigins = []string{"https://vault.example.com"}

	cloned := cloneConfig(cfg)
	cfg.JWT.PrivateKey[0] ^= 0xFF
	cfg.MFA.ApprovalSecret[0] ^= 0xFF
	cfg.WebAuthn.RPOrigins[0] = "https://evil.example.com"

	if cloned.JWT.PrivateKey[0] == cfg.JWT.PrivateKey[0] {
		t.Fatal("private key must be deep-copied")
	}
	if cloned.MFA.ApprovalSecret[0] == cfg.MFA.ApprovalSecret[0] {
		t.Fatal("approval secret must be deep-copied")
	}
	if cloned.WebAuthn.RPOrigins[0] != "https://vault.example.com" {
		t.Fatal("origins must be deep-copied")
	}
}

func TestMetricName(t *testing.T) {
	if got := MetricName(MetricLoginSuccess); got != "login_success_total" {
		t.Fatalf("MetricName(MetricLoginSuccess) = %q", got)
	}
	if got := MetricName(MetricRiskDegraded); got != "risk_factor_degraded_total" {
		t.Fatalf("MetricName(MetricRiskDegraded) = %q", got)
	}
	if got := MetricName(MetricIDCount); got != "unknown" {
		t.Fatalf("out-of-range id must map to unknown, got %q", got)
	}
}

func TestEngineMetricsSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, "user@example.com")
	establishSession(t, e, "user@example.com", testPassword)

	snap := e.MetricsSnapshot()
	if !snap.Enabled {
		t.Fatal("metrics are enabled in the test config")
	}
	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("login_success counter: %d", snap.Counters[MetricLoginSuccess])
	}
	if snap.Counters[MetricStepUpRequired] != 1 {
		t.Fatalf("step_up_required counter: %d", snap.Counters[MetricStepUpRequired])
	}
	if snap.Counters[MetricMFAApproved] != 1 {
		t.Fatalf("mfa_approved counter: %d", snap.Counters[MetricMFAApproved])
	}
	if snap.Counters[MetricSessionCreated] != 1 {
		t.Fatalf("session_created counter: %d", snap.Counters[MetricSessionCreated])
	}
}
