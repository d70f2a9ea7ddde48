package authcore

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelvault/authcore/internal"
	"github.com/sentinelvault/authcore/internal/fingerprint"
	"github.com/sentinelvault/authcore/internal/metrics"
	"github.com/sentinelvault/authcore/internal/risk"
	"github.com/sentinelvault/authcore/internal/stores"
)

// PKCE code-challenge methods. S256 is always accepted; plain only when
// explicitly enabled.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// AuthorizeRequest is a validated /authorize query.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenRequest is the /token exchange form.
type TokenRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
}

// RegisterOIDCClient persists a relying client and returns its credentials
// once. Registration is reserved for strongly-authenticated callers.
func (e *Engine) RegisterOIDCClient(ctx context.Context, accessToken, name string, redirectURIs []string) (*OIDCClientRegistration, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !id.Method.Strong() {
		e.metrics.Inc(metrics.MetricGuardRejectedStrength)
		return nil, ErrStrongMethodRequired
	}
	if name == "" || len(redirectURIs) == 0 {
		return nil, ErrValidation
	}

	secret, err := internal.NewChallengeValue(32)
	if err != nil {
		return nil, ErrBackendUnavailable
	}
	client := &stores.OIDCClient{
		ClientID:      uuid.NewString(),
		SecretHash:    stores.HashClientSecret(secret),
		Name:          name,
		RedirectURIs:  redirectURIs,
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		CreatedAt:     time.Now().Unix(),
	}
	if err := e.clients.Put(ctx, client); err != nil {
		return nil, ErrBackendUnavailable
	}

	e.emitAudit(ctx, AuditEvent{
		EventType:   "oidc_client_registered",
		PrincipalID: id.PrincipalID,
		Success:     true,
		Metadata:    map[string]string{"client_id": client.ClientID, "name": name},
	})

	return &OIDCClientRegistration{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Name:         name,
		RedirectURIs: redirectURIs,
	}, nil
}

// ValidateAuthorization checks an /authorize request against the registered
// client before the login UI takes over: client existence, redirect-URI
// membership, response type, and PKCE method validity.
func (e *Engine) ValidateAuthorization(ctx context.Context, req AuthorizeRequest) error {
	if e == nil {
		return ErrEngineNotReady
	}
	client, err := e.clients.Get(ctx, req.ClientID)
	if errors.Is(err, stores.ErrClientNotFound) {
		return ErrClientNotFound
	}
	if err != nil {
		return ErrBackendUnavailable
	}
	if !client.AllowsRedirectURI(req.RedirectURI) {
		return ErrRedirectURIMismatch
	}
	if req.ResponseType != "code" || !client.AllowsResponseType(req.ResponseType) {
		return ErrResponseTypeInvalid
	}
	if req.CodeChallenge != "" {
		if err := e.checkPKCEMethod(req.CodeChallengeMethod); err != nil {
			return err
		}
	}
	return nil
}

// IssueAuthorizationCode mints a single-use code for an already
// authenticated principal. Called from the server-side callback after the
// login UI completes; the code binds client, principal, redirect URI, scope,
// nonce, and the PKCE challenge.
func (e *Engine) IssueAuthorizationCode(ctx context.Context, accessToken string, req AuthorizeRequest) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if err := e.ValidateAuthorization(ctx, req); err != nil {
		return "", err
	}

	code, err := internal.NewChallengeValue(32)
	if err != nil {
		return "", ErrBackendUnavailable
	}
	err = e.codes.Save(ctx, &stores.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		PrincipalID:         id.PrincipalID,
		Email:               id.Email,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: normalizePKCEMethod(req.CodeChallenge, req.CodeChallengeMethod),
		ExpiresAt:           time.Now().Add(e.config.OIDC.CodeTTL).Unix(),
	}, e.config.OIDC.CodeTTL)
	if err != nil {
		return "", ErrBackendUnavailable
	}

	e.metrics.Inc(metrics.MetricOIDCCodeIssued)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "oidc_code_issued",
		PrincipalID: id.PrincipalID,
		Success:     true,
		Metadata:    map[string]string{"client_id": req.ClientID},
	})
	return code, nil
}

// ExchangeCode implements the token endpoint: client secret re-check,
// atomic single-use code consumption, redirect and PKCE validation, then
// session-backed token minting plus an ID token. A replayed code fails with
// an invalid-grant outcome; of two concurrent exchanges exactly one wins.
func (e *Engine) ExchangeCode(ctx context.Context, req TokenRequest, signals RequestSignals) (*TokenResponse, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if req.GrantType != "authorization_code" {
		return nil, ErrGrantInvalid
	}

	client, err := e.clients.Get(ctx, req.ClientID)
	if errors.Is(err, stores.ErrClientNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, ErrBackendUnavailable
	}
	if !client.VerifySecret(req.ClientSecret) {
		e.emitAudit(ctx, AuditEvent{
			EventType: "oidc_token_rejected",
			Success:   false,
			Error:     "client secret mismatch",
			Metadata:  map[string]string{"client_id": req.ClientID},
		})
		return nil, ErrClientSecretMismatch
	}

	// Consume before any further validation: a failed exchange still spends
	// the code, which is what makes interception replays worthless.
	code, err := e.codes.Consume(ctx, req.Code)
	switch {
	case errors.Is(err, stores.ErrAuthCodeNotFound):
		e.metrics.Inc(metrics.MetricOIDCCodeReplay)
		e.emitAudit(ctx, AuditEvent{
			EventType: "oidc_code_replay",
			Success:   false,
			Error:     "code missing or already consumed",
			Metadata:  map[string]string{"client_id": req.ClientID},
		})
		return nil, ErrGrantInvalid
	case errors.Is(err, stores.ErrAuthCodeExpired):
		return nil, ErrGrantInvalid
	case err != nil:
		return nil, ErrBackendUnavailable
	}

	if code.ClientID != req.ClientID {
		return nil, ErrGrantInvalid
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrRedirectURIMismatch
	}
	if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		e.emitAudit(ctx, AuditEvent{
			EventType:   "oidc_token_rejected",
			PrincipalID: code.PrincipalID,
			Success:     false,
			Error:       "pkce verification failed",
			Metadata:    map[string]string{"client_id": req.ClientID},
		})
		return nil, err
	}

	principal, err := e.principals.ByID(ctx, code.PrincipalID)
	if err != nil {
		return nil, ErrGrantInvalid
	}
	if !principal.Active {
		return nil, ErrAccountDisabled
	}
	e.metrics.Inc(metrics.MetricOIDCCodeConsumed)

	// The principal cleared interactive policy at authorize time; only the
	// block band is re-checked here.
	meta := fingerprint.Derive(signals)
	assessment := e.assessRisk(ctx, principal.ID, meta, signals, risk.MethodOIDC)
	if assessment.Score >= risk.BlockThreshold {
		e.metrics.Inc(metrics.MetricLoginBlocked)
		return nil, ErrLoginBlocked
	}

	result, err := e.issueSession(ctx, principal, meta, signals, risk.MethodOIDC, assessment)
	if err != nil {
		return nil, err
	}

	idToken, err := e.jwtManager.CreateIDToken(principal.ID, principal.Email, req.ClientID, code.Nonce, e.config.OIDC.IDTokenTTL)
	if err != nil {
		return nil, ErrSessionCreationFailed
	}

	return &TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		IDToken:      idToken,
		Scope:        code.Scope,
	}, nil
}

// DiscoveryDocument is the provider metadata served at the well-known path.
// baseURL is the externally visible prefix of the OIDC routes.
func (e *Engine) DiscoveryDocument(baseURL string) map[string]any {
	methods := []string{PKCEMethodS256}
	if e.config.OIDC.AllowPlainPKCE {
		methods = append(methods, PKCEMethodPlain)
	}
	return map[string]any{
		"issuer":                                e.config.Issuer,
		"authorization_endpoint":                baseURL + "/oidc/authorize",
		"token_endpoint":                        baseURL + "/oidc/token",
		"userinfo_endpoint":                     baseURL + "/oidc/userinfo",
		"jwks_uri":                              baseURL + "/oidc/jwks",
		"registration_endpoint":                 baseURL + "/oidc/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"EdDSA"},
		"code_challenge_methods_supported":      methods,
		"scopes_supported":                      []string{"openid", "email", "profile"},
	}
}

// JWKS returns the public key set backing token verification.
func (e *Engine) JWKS() (map[string]any, error) {
	jwk, err := e.jwtManager.PublicJWK()
	if err != nil {
		return nil, err
	}
	return map[string]any{"keys": []map[string]any{jwk}}, nil
}

func (e *Engine) checkPKCEMethod(method string) error {
	switch method {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain, "":
		// Omitted method defaults to plain per the protocol.
		if e.config.OIDC.AllowPlainPKCE {
			return nil
		}
		return ErrPKCEMethodInvalid
	default:
		return ErrPKCEMethodInvalid
	}
}

// normalizePKCEMethod fills the protocol default: a challenge without a
// declared method is "plain".
func normalizePKCEMethod(challenge, method string) string {
	if challenge == "" {
		return ""
	}
	if method == "" {
		return PKCEMethodPlain
	}
	return method
}

func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrPKCEVerifierInvalid
	}
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
			return ErrPKCEVerifierInvalid
		}
	case PKCEMethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return ErrPKCEVerifierInvalid
		}
	default:
		return ErrPKCEMethodInvalid
	}
	return nil
}
