package authcore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/sentinelvault/authcore/internal/fingerprint"
	"github.com/sentinelvault/authcore/internal/metrics"
	"github.com/sentinelvault/authcore/internal/risk"
	"github.com/sentinelvault/authcore/internal/stores"
)

// webAuthnUser adapts a principal and its stored credentials to the ceremony
// library's user model.
type webAuthnUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte                         { return u.id }
func (u *webAuthnUser) WebAuthnName() string                       { return u.name }
func (u *webAuthnUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// ceremonyState is the opaque payload stored inside an auth challenge
// between ceremony begin and finish.
type ceremonyState struct {
	Session        webauthn.SessionData `json:"session"`
	CredentialName string               `json:"credential_name,omitempty"`
}

// BeginWebAuthnRegistration starts a registration ceremony for the token's
// principal. Already-registered credential ids are excluded so the
// authenticator refuses to re-register. The returned options carry the
// challenge; the server-side half lives in the challenge store for the
// ceremony TTL, single-use.
func (e *Engine) BeginWebAuthnRegistration(ctx context.Context, accessToken, credentialName string) (*protocol.CredentialCreation, error) {
	if err := e.webAuthnReady(); err != nil {
		return nil, err
	}
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	user, err := e.loadWebAuthnUser(ctx, id.PrincipalID, id.Email)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.credentials))
	for _, cred := range user.credentials {
		exclusions = append(exclusions, cred.Descriptor())
	}

	options, sessionData, err := e.webAuthn.BeginRegistration(user, webauthn.WithExclusions(exclusions))
	if err != nil {
		e.metrics.Inc(metrics.MetricWebAuthnFailure)
		return nil, ErrCeremonyFailed
	}

	if err := e.saveCeremony(ctx, sessionData, stores.ChallengeRegistration, id.PrincipalID, credentialName); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishWebAuthnRegistration completes a registration ceremony. The
// challenge recovered from the client's signed payload must be unexpired,
// unconsumed, and owned by the same principal; the attestation is then
// verified against the configured origin and relying-party id before the
// credential is persisted.
func (e *Engine) FinishWebAuthnRegistration(ctx context.Context, accessToken string, body io.Reader) (*WebAuthnCredentialInfo, error) {
	if err := e.webAuthnReady(); err != nil {
		return nil, err
	}
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		e.metrics.Inc(metrics.MetricWebAuthnFailure)
		return nil, ErrValidation
	}

	state, err := e.consumeCeremony(ctx, parsed.Response.CollectedClientData.Challenge, stores.ChallengeRegistration, id.PrincipalID)
	if err != nil {
		return nil, err
	}

	user, err := e.loadWebAuthnUser(ctx, id.PrincipalID, id.Email)
	if err != nil {
		return nil, err
	}

	cred, err := e.webAuthn.CreateCredential(user, state.Session, parsed)
	if err != nil {
		e.metrics.Inc(metrics.MetricWebAuthnFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "webauthn_registration_failed",
			PrincipalID: id.PrincipalID,
			Success:     false,
			Error:       "attestation verification failed",
		})
		return nil, ErrCeremonyFailed
	}

	now := time.Now().UTC()
	record := &stores.Credential{
		CredentialID:    cred.ID,
		PrincipalID:     id.PrincipalID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		Transports:      transportStrings(cred.Transport),
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		Name:            state.CredentialName,
		CreatedAt:       now.Unix(),
	}
	if err := e.credentials.Add(ctx, record); err != nil {
		if errors.Is(err, stores.ErrCredentialExists) {
			return nil, ErrChallengeConsumed
		}
		return nil, ErrBackendUnavailable
	}

	e.metrics.Inc(metrics.MetricWebAuthnRegistration)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "webauthn_credential_registered",
		PrincipalID: id.PrincipalID,
		Success:     true,
		Metadata:    map[string]string{"credential": base64.RawURLEncoding.EncodeToString(cred.ID)},
	})

	return credentialInfo(record), nil
}

// BeginWebAuthnLogin starts an authentication ceremony. With an email the
// allow-list is scoped to that principal's credentials; without one the
// ceremony is discoverable (username-less) and the credential id in the
// response resolves the principal.
func (e *Engine) BeginWebAuthnLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, error) {
	if err := e.webAuthnReady(); err != nil {
		return nil, err
	}

	var (
		options     *protocol.CredentialAssertion
		sessionData *webauthn.SessionData
		principalID string
		err         error
	)

	if email != "" {
		principal, perr := e.principals.ByEmail(ctx, normalizeEmail(email))
		if errors.Is(perr, ErrPrincipalNotFound) {
			// Same failure shape as a bad assertion: no existence leakage.
			return nil, ErrInvalidCredentials
		}
		if perr != nil {
			return nil, ErrBackendUnavailable
		}
		user, uerr := e.loadWebAuthnUser(ctx, principal.ID, principal.Email)
		if uerr != nil {
			return nil, uerr
		}
		if len(user.credentials) == 0 {
			return nil, ErrInvalidCredentials
		}
		principalID = principal.ID
		options, sessionData, err = e.webAuthn.BeginLogin(user)
	} else {
		options, sessionData, err = e.webAuthn.BeginDiscoverableLogin()
	}
	if err != nil {
		e.metrics.Inc(metrics.MetricWebAuthnFailure)
		return nil, ErrCeremonyFailed
	}

	if err := e.saveCeremony(ctx, sessionData, stores.ChallengeAuthentication, principalID, ""); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishWebAuthnLogin completes an authentication ceremony and hands off to
// risk assessment and session issuance. A sign-counter at or below the
// stored value is treated as a cloned credential and rejected.
func (e *Engine) FinishWebAuthnLogin(ctx context.Context, body io.Reader, signals RequestSignals, mfaCode string) (*LoginResult, error) {
	if err := e.webAuthnReady(); err != nil {
		return nil, err
	}

	meta := fingerprint.Derive(signals)
	if err := e.allow(ctx, signals.IP, "", meta.Fingerprint); err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		e.metrics.Inc(metrics.MetricWebAuthnFailure)
		return nil, ErrValidation
	}

	state, err := e.consumeCeremony(ctx, parsed.Response.CollectedClientData.Challenge, stores.ChallengeAuthentication, "")
	if err != nil {
		return nil, err
	}

	var principalID string
	resolve := func(rawID, userHandle []byte) (webauthn.User, error) {
		pid, rerr := e.credentials.ResolvePrincipal(ctx, rawID)
		if rerr != nil {
			return nil, rerr
		}
		principalID = pid
		principal, perr := e.principals.ByID(ctx, pid)
		if perr != nil {
			return nil, perr
		}
		return e.buildWebAuthnUser(ctx, principal.ID, principal.Email)
	}

	var cred *webauthn.Credential
	if len(state.Session.UserID) > 0 {
		principalID = string(state.Session.UserID)
		principal, perr := e.principals.ByID(ctx, principalID)
		if perr != nil {
			return nil, ErrInvalidCredentials
		}
		user, uerr := e.loadWebAuthnUser(ctx, principal.ID, principal.Email)
		if uerr != nil {
			return nil, uerr
		}
		cred, err = e.webAuthn.ValidateLogin(user, state.Session, parsed)
	} else {
		cred, err = e.webAuthn.ValidateDiscoverableLogin(resolve, state.Session, parsed)
	}
	if err != nil {
		e.metrics.Inc(metrics.MetricWebAuthnFailure)
		e.loginFailure(ctx, principalID, meta, MethodWebAuthn, "assertion verification failed")
		return nil, ErrInvalidCredentials
	}

	// User-verified assertions come from biometric-class platform
	// authenticators; presence-only taps stay plain webauthn. Both are in
	// the strong set.
	method := risk.MethodWebAuthn
	if parsed.Response.AuthenticatorData.Flags.UserVerified() {
		method = risk.MethodBiometric
	}

	return e.settleAssertion(ctx, principalID, cred, meta, signals, method, mfaCode)
}

// settleAssertion runs the post-verification tail of a WebAuthn login:
// clone screening, the account gate, the counter advance, and session
// issuance. The account gate runs before the counter moves so a rejected
// login leaves the stored credential untouched.
func (e *Engine) settleAssertion(
	ctx context.Context,
	principalID string,
	cred *webauthn.Credential,
	meta DeviceMetadata,
	signals RequestSignals,
	method risk.Method,
	mfaCode string,
) (*LoginResult, error) {
	if cred.Authenticator.CloneWarning {
		return nil, e.cloneDetected(ctx, principalID, meta, cred.ID)
	}

	principal, err := e.principals.ByID(ctx, principalID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !principal.Active {
		e.loginFailure(ctx, principal.ID, meta, MethodWebAuthn, "account disabled")
		return nil, ErrAccountDisabled
	}

	err = e.credentials.AdvanceSignCount(ctx, principalID, cred.ID, cred.Authenticator.SignCount, time.Now().Unix())
	if errors.Is(err, stores.ErrCounterRegression) {
		return nil, e.cloneDetected(ctx, principalID, meta, cred.ID)
	}
	if err != nil {
		return nil, ErrBackendUnavailable
	}

	e.metrics.Inc(metrics.MetricWebAuthnAuthentication)
	return e.completeLogin(ctx, principal, meta, signals, method, mfaCode)
}

// WebAuthnCredentials lists the caller's registered credentials.
func (e *Engine) WebAuthnCredentials(ctx context.Context, accessToken string) ([]WebAuthnCredentialInfo, error) {
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	records, err := e.credentials.List(ctx, id.PrincipalID)
	if err != nil {
		return nil, ErrBackendUnavailable
	}
	out := make([]WebAuthnCredentialInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, *credentialInfo(rec))
	}
	return out, nil
}

// DeleteWebAuthnCredential removes one of the caller's credentials by its
// base64url credential id. Deletions are always audited.
func (e *Engine) DeleteWebAuthnCredential(ctx context.Context, accessToken, credentialID string) error {
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return err
	}
	raw, err := base64.RawURLEncoding.DecodeString(credentialID)
	if err != nil {
		return ErrValidation
	}
	err = e.credentials.Delete(ctx, id.PrincipalID, raw)
	if errors.Is(err, stores.ErrCredentialNotFound) {
		return ErrCredentialNotFound
	}
	if err != nil {
		return ErrBackendUnavailable
	}
	e.emitAudit(ctx, AuditEvent{
		EventType:   "webauthn_credential_deleted",
		PrincipalID: id.PrincipalID,
		Success:     true,
		Metadata:    map[string]string{"credential": credentialID},
	})
	return nil
}

func (e *Engine) webAuthnReady() error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.webAuthn == nil {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) loadWebAuthnUser(ctx context.Context, principalID, email string) (*webAuthnUser, error) {
	user, err := e.buildWebAuthnUser(ctx, principalID, email)
	if err != nil {
		return nil, ErrBackendUnavailable
	}
	return user, nil
}

func (e *Engine) buildWebAuthnUser(ctx context.Context, principalID, email string) (*webAuthnUser, error) {
	records, err := e.credentials.List(ctx, principalID)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(records))
	for _, rec := range records {
		creds = append(creds, webauthn.Credential{
			ID:              rec.CredentialID,
			PublicKey:       rec.PublicKey,
			AttestationType: rec.AttestationType,
			Transport:       transportValues(rec.Transports),
			Flags: webauthn.CredentialFlags{
				BackupEligible: rec.BackupEligible,
				BackupState:    rec.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    rec.AAGUID,
				SignCount: rec.SignCount,
			},
		})
	}
	return &webAuthnUser{
		id:          []byte(principalID),
		name:        email,
		displayName: email,
		credentials: creds,
	}, nil
}

// saveCeremony stores the server-side ceremony half keyed by the challenge
// value, single-use with the configured TTL.
func (e *Engine) saveCeremony(ctx context.Context, sessionData *webauthn.SessionData, typ stores.ChallengeType, principalID, credentialName string) error {
	payload, err := json.Marshal(ceremonyState{
		Session:        *sessionData,
		CredentialName: credentialName,
	})
	if err != nil {
		return ErrBackendUnavailable
	}
	err = e.challenges.Save(ctx, &stores.AuthChallenge{
		Value:       sessionData.Challenge,
		Type:        typ,
		PrincipalID: principalID,
		Payload:     payload,
		ExpiresAt:   time.Now().Add(e.config.WebAuthn.ChallengeTTL).Unix(),
	}, e.config.WebAuthn.ChallengeTTL)
	if err != nil {
		return ErrBackendUnavailable
	}
	return nil
}

// consumeCeremony atomically spends the stored challenge and checks type and
// ownership. wantPrincipal is empty for authentication ceremonies, which may
// be username-less.
func (e *Engine) consumeCeremony(ctx context.Context, challenge string, typ stores.ChallengeType, wantPrincipal string) (*ceremonyState, error) {
	ch, err := e.challenges.Consume(ctx, challenge)
	switch {
	case errors.Is(err, stores.ErrChallengeNotFound):
		return nil, ErrChallengeNotFound
	case errors.Is(err, stores.ErrChallengeExpired):
		return nil, ErrChallengeExpired
	case err != nil:
		return nil, ErrBackendUnavailable
	}
	if ch.Type != typ {
		return nil, ErrChallengeNotFound
	}
	if wantPrincipal != "" && ch.PrincipalID != wantPrincipal {
		return nil, ErrChallengePrincipalMismatch
	}

	var state ceremonyState
	if err := json.Unmarshal(ch.Payload, &state); err != nil {
		return nil, ErrBackendUnavailable
	}
	return &state, nil
}

func (e *Engine) cloneDetected(ctx context.Context, principalID string, meta DeviceMetadata, credentialID []byte) error {
	e.metrics.Inc(metrics.MetricCloneDetected)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "webauthn_clone_detected",
		PrincipalID: principalID,
		Fingerprint: meta.Fingerprint,
		IP:          meta.MaskedIP,
		Success:     false,
		Error:       "signature counter regression",
		Metadata:    map[string]string{"credential": base64.RawURLEncoding.EncodeToString(credentialID)},
	})
	return ErrCredentialCloneDetected
}

func credentialInfo(rec *stores.Credential) *WebAuthnCredentialInfo {
	info := &WebAuthnCredentialInfo{
		CredentialID: base64.RawURLEncoding.EncodeToString(rec.CredentialID),
		Name:         rec.Name,
		Transports:   rec.Transports,
		SignCount:    rec.SignCount,
		CreatedAt:    time.Unix(rec.CreatedAt, 0).UTC(),
	}
	if rec.LastUsedAt > 0 {
		info.LastUsedAt = time.Unix(rec.LastUsedAt, 0).UTC()
	}
	return info
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}

func transportValues(transports []string) []protocol.AuthenticatorTransport {
	out := make([]protocol.AuthenticatorTransport, 0, len(transports))
	for _, t := range transports {
		out = append(out, protocol.AuthenticatorTransport(t))
	}
	return out
}
