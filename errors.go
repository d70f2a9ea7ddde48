package authcore

import (
	"errors"
	"time"
)

var (
	// ErrUnauthorized is returned when a bearer token fails validation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned for any credential mismatch. The
	// message is deliberately generic and never reveals account existence.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrPrincipalNotFound is returned when a principal lookup misses.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrAccountExists is returned when registration hits a duplicate email.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountDisabled is returned when the principal is deactivated.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrValidation is returned for malformed input at the engine boundary.
	ErrValidation = errors.New("invalid request")
	// ErrRateLimited is returned when an attempt exceeds the rolling window
	// budget. Use [RetryAfter] to recover the remaining cooldown.
	ErrRateLimited = errors.New("rate limited")

	// ErrLoginBlocked is returned when the risk assessment maps to block.
	ErrLoginBlocked = errors.New("login blocked by risk policy")
	// ErrStepUpRequired is returned when the risk assessment demands MFA
	// before a session can be issued.
	ErrStepUpRequired = errors.New("step-up approval required")
	// ErrRiskCeilingExceeded is returned by the risk-ceiling guard policy.
	ErrRiskCeilingExceeded = errors.New("session risk exceeds ceiling")
	// ErrStrongMethodRequired is returned by the strong-method guard policy.
	ErrStrongMethodRequired = errors.New("strong credential method required")

	// ErrSessionNotFound is returned when a session id does not resolve to
	// an active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionPrincipalMismatch is returned when a token's principal claim
	// disagrees with the live session record.
	ErrSessionPrincipalMismatch = errors.New("session principal mismatch")
	// ErrTokenInvalid is returned when an access token fails signature,
	// expiry, issuer, or audience checks.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrRefreshInvalid is returned when a refresh token does not match the
	// stored rotation lineage.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrSessionCreationFailed is returned when the session store rejects a
	// mint operation.
	ErrSessionCreationFailed = errors.New("session creation failed")

	// ErrChallengeNotFound is returned when a ceremony challenge is missing.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired is returned when a ceremony challenge is past its
	// expiry. Expiry is re-checked on every read path.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeConsumed is returned when a single-use challenge is
	// presented a second time. Replays never silently succeed.
	ErrChallengeConsumed = errors.New("challenge already consumed")
	// ErrChallengePrincipalMismatch is returned when a challenge is completed
	// by a different principal than the one it was issued to.
	ErrChallengePrincipalMismatch = errors.New("challenge principal mismatch")

	// ErrCredentialNotFound is returned for unknown WebAuthn credential ids.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrCredentialCloneDetected is returned when an assertion presents a
	// signature counter at or below the stored value.
	ErrCredentialCloneDetected = errors.New("credential clone detected")
	// ErrCeremonyFailed is returned when cryptographic assertion verification
	// fails. Verification is all-or-nothing.
	ErrCeremonyFailed = errors.New("webauthn ceremony failed")

	// ErrMFAChallengeNotFound is returned for unknown MFA challenge codes.
	ErrMFAChallengeNotFound = errors.New("mfa challenge not found")
	// ErrMFAChallengeExpired is returned when an MFA challenge is past TTL.
	ErrMFAChallengeExpired = errors.New("mfa challenge expired")
	// ErrMFAChallengeResolved is returned when approval is attempted on an
	// already-resolved challenge. Approval happens at most once.
	ErrMFAChallengeResolved = errors.New("mfa challenge already resolved")
	// ErrMFAApprovalInvalid is returned when an approval token or solution
	// fails MAC verification or field binding.
	ErrMFAApprovalInvalid = errors.New("mfa approval invalid")
	// ErrMFAApprovalStale is returned when the approval timestamp is older
	// than the freshness window.
	ErrMFAApprovalStale = errors.New("mfa approval stale")
	// ErrMFANotApproved is returned when login completion is attempted before
	// the challenge reached the approved state.
	ErrMFANotApproved = errors.New("mfa challenge not approved")

	// ErrClientNotFound is returned for unknown OIDC client ids.
	ErrClientNotFound = errors.New("oidc client not found")
	// ErrClientSecretMismatch is returned when client authentication fails.
	ErrClientSecretMismatch = errors.New("oidc client secret mismatch")
	// ErrRedirectURIMismatch is returned when the redirect URI is not in the
	// client's allow list or differs between authorize and token calls.
	ErrRedirectURIMismatch = errors.New("redirect uri mismatch")
	// ErrResponseTypeInvalid is returned for unsupported response types.
	ErrResponseTypeInvalid = errors.New("unsupported response type")
	// ErrGrantInvalid is returned when an authorization code is unknown,
	// expired, or already consumed (the OAuth invalid_grant condition).
	ErrGrantInvalid = errors.New("invalid grant")
	// ErrPKCEVerifierInvalid is returned when the PKCE verifier does not
	// match the stored challenge under the declared method.
	ErrPKCEVerifierInvalid = errors.New("pkce verifier invalid")
	// ErrPKCEMethodInvalid is returned for unsupported code_challenge_method
	// values.
	ErrPKCEMethodInvalid = errors.New("pkce method invalid")

	// ErrBackendUnavailable wraps downstream storage failures. Callers see a
	// transient error; internals are logged, never exposed.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned when an Engine method is called on a
	// zero-value or closed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RateLimitError carries the remaining cooldown alongside [ErrRateLimited].
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "rate limited" }

// Unwrap makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the cooldown from a rate-limit error, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// RiskError carries the composite risk score alongside a risk-policy
// sentinel ([ErrLoginBlocked] or [ErrRiskCeilingExceeded]).
type RiskError struct {
	Score int
	cause error
}

func (e *RiskError) Error() string { return e.cause.Error() }

// Unwrap makes errors.Is against the underlying sentinel hold.
func (e *RiskError) Unwrap() error { return e.cause }

// RiskScoreFromError extracts the composite score from a risk-policy
// error. The second return reports whether one was present.
func RiskScoreFromError(err error) (int, bool) {
	var re *RiskError
	if errors.As(err, &re) {
		return re.Score, true
	}
	return 0, false
}
