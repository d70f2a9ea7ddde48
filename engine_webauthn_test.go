package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/sentinelvault/authcore/internal/fingerprint"
	"github.com/sentinelvault/authcore/internal/risk"
	"github.com/sentinelvault/authcore/internal/stores"
)

func newWebAuthnEngine(t *testing.T) (*Engine, *memoryProvider) {
	t.Helper()
	return newTestEngine(t, func(cfg *Config) {
		cfg.WebAuthn.RPID = "vault.example.com"
		cfg.WebAuthn.RPDisplayName = "Sentinel Vault"
		cfg.WebAuthn.RPOrigins = []string{"https://vault.example.com"}
	})
}

func TestWebAuthnDisabledWithoutRelyingParty(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.BeginWebAuthnRegistration(ctx, "token", ""); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("BeginWebAuthnRegistration: %v", err)
	}
	if _, err := e.BeginWebAuthnLogin(ctx, "user@example.com"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("BeginWebAuthnLogin: %v", err)
	}
	if _, err := e.FinishWebAuthnLogin(ctx, strings.NewReader("{}"), testSignals(), ""); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("FinishWebAuthnLogin: %v", err)
	}
}

func TestBeginWebAuthnRegistrationIssuesOptions(t *testing.T) {
	e, _ := newWebAuthnEngine(t)
	register(t, e, "user@example.com")
	res := establishSession(t, e, "user@example.com", testPassword)

	options, err := e.BeginWebAuthnRegistration(context.Background(), res.AccessToken, "laptop-key")
	if err != nil {
		t.Fatalf("BeginWebAuthnRegistration: %v", err)
	}
	if options.Response.RelyingParty.ID != "vault.example.com" {
		t.Fatalf("relying party id: %q", options.Response.RelyingParty.ID)
	}
	if len(options.Response.Challenge) == 0 {
		t.Fatal("options carry no challenge")
	}
	if options.Response.User.Name != "user@example.com" {
		t.Fatalf("user name: %q", options.Response.User.Name)
	}
}

func TestBeginWebAuthnRegistrationRequiresAuth(t *testing.T) {
	e, _ := newWebAuthnEngine(t)

	_, err := e.BeginWebAuthnRegistration(context.Background(), "not-a-token", "")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err: %v", err)
	}
}

func TestBeginWebAuthnLoginHidesAccountExistence(t *testing.T) {
	e, _ := newWebAuthnEngine(t)
	register(t, e, "user@example.com")
	ctx := context.Background()

	// Unknown account and known-account-without-credentials must fail the
	// same way.
	_, err := e.BeginWebAuthnLogin(ctx, "ghost@example.com")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: %v", err)
	}
	_, err = e.BeginWebAuthnLogin(ctx, "user@example.com")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("no credentials: %v", err)
	}
}

func TestBeginWebAuthnDiscoverableLogin(t *testing.T) {
	e, _ := newWebAuthnEngine(t)

	options, err := e.BeginWebAuthnLogin(context.Background(), "")
	if err != nil {
		t.Fatalf("BeginWebAuthnLogin: %v", err)
	}
	if len(options.Response.Challenge) == 0 {
		t.Fatal("options carry no challenge")
	}
	if options.Response.RelyingPartyID != "vault.example.com" {
		t.Fatalf("relying party id: %q", options.Response.RelyingPartyID)
	}
}

func TestFinishWebAuthnLoginRejectsGarbageBody(t *testing.T) {
	e, _ := newWebAuthnEngine(t)

	_, err := e.FinishWebAuthnLogin(context.Background(), strings.NewReader("not an assertion"), testSignals(), "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err: %v", err)
	}
}

func TestFinishWebAuthnRegistrationRejectsGarbageBody(t *testing.T) {
	e, _ := newWebAuthnEngine(t)
	register(t, e, "user@example.com")
	res := establishSession(t, e, "user@example.com", testPassword)

	_, err := e.FinishWebAuthnRegistration(context.Background(), res.AccessToken, strings.NewReader("not an attestation"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err: %v", err)
	}
}

func TestWebAuthnCredentialsEmptyForNewPrincipal(t *testing.T) {
	e, _ := newWebAuthnEngine(t)
	register(t, e, "user@example.com")
	res := establishSession(t, e, "user@example.com", testPassword)

	creds, err := e.WebAuthnCredentials(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("WebAuthnCredentials: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("credentials: %d", len(creds))
	}
}

func TestDeleteWebAuthnCredentialErrors(t *testing.T) {
	e, _ := newWebAuthnEngine(t)
	register(t, e, "user@example.com")
	res := establishSession(t, e, "user@example.com", testPassword)
	ctx := context.Background()

	if err := e.DeleteWebAuthnCredential(ctx, res.AccessToken, "!!not-base64url!!"); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad id encoding: %v", err)
	}
	if err := e.DeleteWebAuthnCredential(ctx, res.AccessToken, "bm8tc3VjaC1jcmVk"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestAssertionOnDisabledAccountLeavesCounterUntouched(t *testing.T) {
	e, provider := newWebAuthnEngine(t)
	ctx := context.Background()
	rec := register(t, e, "user@example.com")

	stored := &stores.Credential{
		CredentialID: []byte("cred-id-0001"),
		PrincipalID:  rec.ID,
		PublicKey:    []byte{0x01, 0x02},
		SignCount:    5,
		CreatedAt:    time.Now().Unix(),
	}
	if err := e.credentials.Add(ctx, stored); err != nil {
		t.Fatalf("Add: %v", err)
	}
	provider.setActive(rec.ID, false)

	assertion := &webauthn.Credential{
		ID:            stored.CredentialID,
		Authenticator: webauthn.Authenticator{SignCount: 9},
	}
	meta := fingerprint.Derive(testSignals())
	_, err := e.settleAssertion(ctx, rec.ID, assertion, meta, testSignals(), risk.MethodWebAuthn, "")
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}

	after, err := e.credentials.Get(ctx, rec.ID, stored.CredentialID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.SignCount != 5 {
		t.Fatalf("disabled-account login moved the counter to %d", after.SignCount)
	}

	// Re-enabled, the same assertion settles and the counter advances.
	provider.setActive(rec.ID, true)
	if _, err := e.settleAssertion(ctx, rec.ID, assertion, meta, testSignals(), risk.MethodWebAuthn, ""); err != nil {
		t.Fatalf("settle after re-enable: %v", err)
	}
	after, err = e.credentials.Get(ctx, rec.ID, stored.CredentialID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.SignCount != 9 {
		t.Fatalf("sign count %d, want 9", after.SignCount)
	}
}
