package authcore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelvault/authcore/internal"
	"github.com/sentinelvault/authcore/internal/metrics"
	"github.com/sentinelvault/authcore/internal/risk"
	"github.com/sentinelvault/authcore/internal/stores"
)

// MFAChallengeState is the poll-visible state of a step-up challenge.
type MFAChallengeState string

const (
	MFAStatePending  MFAChallengeState = "pending"
	MFAStateApproved MFAChallengeState = "approved"
)

// BuildApprovalToken computes the signed approval token a secondary device
// presents to approve a step-up challenge. The payload binds challenge code,
// principal, device fingerprint, issue time, and a nonce; the MAC keys the
// whole payload with the shared approval secret.
func BuildApprovalToken(secret []byte, code, principalID, deviceFingerprint string, issuedAt time.Time, nonce string) string {
	payload := strings.Join([]string{
		code,
		principalID,
		deviceFingerprint,
		strconv.FormatInt(issuedAt.Unix(), 10),
		nonce,
	}, "|")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ComputeChallengeSolution is the constrained-client approval variant: a hex
// MAC over code and principal under the same shared secret.
func ComputeChallengeSolution(secret []byte, code, principalID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(code + "|" + principalID))
	return hex.EncodeToString(mac.Sum(nil))
}

// issueStepUp creates a pending challenge bound to the principal and the
// login device, keyed by a code of the form <otp>.<random-id>.
func (e *Engine) issueStepUp(ctx context.Context, principalID string, meta DeviceMetadata, method risk.Method, score int) (string, error) {
	otp, err := internal.NewOTP(6)
	if err != nil {
		return "", ErrBackendUnavailable
	}
	id, err := internal.NewChallengeValue(16)
	if err != nil {
		return "", ErrBackendUnavailable
	}
	code := otp + "." + id

	expiresAt := time.Now().Add(e.config.MFA.ChallengeTTL)
	err = e.mfa.Save(ctx, code, &stores.MFAChallenge{
		PrincipalID: principalID,
		Fingerprint: meta.Fingerprint,
		State:       stores.MFAStatePending,
		ExpiresAt:   expiresAt.Unix(),
	}, e.config.MFA.ChallengeTTL)
	if err != nil {
		return "", ErrBackendUnavailable
	}

	e.metrics.Inc(metrics.MetricStepUpRequired)
	e.metrics.Inc(metrics.MetricMFAChallengeIssued)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "step_up_required",
		PrincipalID: principalID,
		Fingerprint: meta.Fingerprint,
		Method:      string(method),
		RiskScore:   score,
		IP:          meta.MaskedIP,
		Success:     true,
	})
	return code, nil
}

// StartStepUp issues a fresh step-up challenge for an authenticated caller,
// typically after a risk-ceiling rejection told the client to elevate.
func (e *Engine) StartStepUp(ctx context.Context, accessToken string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	id, err := e.Validate(ctx, accessToken)
	if err != nil {
		return "", err
	}
	meta := DeviceMetadata{Fingerprint: id.Fingerprint}
	return e.issueStepUp(ctx, id.PrincipalID, meta, risk.Method(id.Method), id.RiskScore)
}

// MFAStatus reports whether a challenge is still pending or already
// approved. The code itself is the access capability here; the login client
// polls this while the secondary device approves.
func (e *Engine) MFAStatus(ctx context.Context, code string) (MFAChallengeState, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	ch, err := e.mfa.Get(ctx, code)
	switch {
	case errors.Is(err, stores.ErrMFAChallengeNotFound):
		return "", ErrMFAChallengeNotFound
	case errors.Is(err, stores.ErrMFAChallengeExpired):
		return "", ErrMFAChallengeExpired
	case err != nil:
		return "", ErrBackendUnavailable
	}
	if ch.State == stores.MFAStateApproved {
		return MFAStateApproved, nil
	}
	return MFAStatePending, nil
}

// ApproveMFA approves a pending challenge with a signed approval token.
// The token is rejected when its MAC fails constant-time comparison, when
// any bound field mismatches the stored challenge, or when its timestamp is
// older than the configured approval window. A challenge approves at most
// once; replays fail closed.
func (e *Engine) ApproveMFA(ctx context.Context, code, approvalToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	ch, err := e.getPendingChallenge(ctx, code)
	if err != nil {
		return err
	}

	payload, theirMAC, err := splitApprovalToken(approvalToken)
	if err != nil {
		return e.rejectApproval(ctx, code, ch.PrincipalID, "malformed token")
	}

	mac := hmac.New(sha256.New, e.config.MFA.ApprovalSecret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return e.rejectApproval(ctx, code, ch.PrincipalID, "mac mismatch")
	}

	fields := strings.Split(string(payload), "|")
	if len(fields) != 5 {
		return e.rejectApproval(ctx, code, ch.PrincipalID, "malformed payload")
	}
	tokenCode, tokenPrincipal, tokenFingerprint, tokenTS := fields[0], fields[1], fields[2], fields[3]

	if tokenCode != code || tokenPrincipal != ch.PrincipalID || tokenFingerprint != ch.Fingerprint {
		return e.rejectApproval(ctx, code, ch.PrincipalID, "bound field mismatch")
	}

	issued, err := strconv.ParseInt(tokenTS, 10, 64)
	if err != nil {
		return e.rejectApproval(ctx, code, ch.PrincipalID, "malformed timestamp")
	}
	age := time.Since(time.Unix(issued, 0))
	if age > e.config.MFA.ApprovalMaxAge || age < -time.Minute {
		e.metrics.Inc(metrics.MetricMFARejected)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "mfa_rejected",
			PrincipalID: ch.PrincipalID,
			Success:     false,
			Error:       "approval stale",
		})
		return ErrMFAApprovalStale
	}

	return e.markApproved(ctx, code, ch.PrincipalID)
}

// ApproveMFASolution approves a pending challenge with the constrained
// variant: a hex MAC over code and principal.
func (e *Engine) ApproveMFASolution(ctx context.Context, code, solution string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	ch, err := e.getPendingChallenge(ctx, code)
	if err != nil {
		return err
	}

	expected := ComputeChallengeSolution(e.config.MFA.ApprovalSecret, code, ch.PrincipalID)
	theirs, err := hex.DecodeString(solution)
	if err != nil {
		return e.rejectApproval(ctx, code, ch.PrincipalID, "malformed solution")
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(want, theirs) {
		return e.rejectApproval(ctx, code, ch.PrincipalID, "solution mismatch")
	}

	return e.markApproved(ctx, code, ch.PrincipalID)
}

// consumeStepUp spends an approved challenge on behalf of a retried login.
// Principal and fingerprint must match the original attempt; mismatches fail
// closed with the challenge already consumed.
func (e *Engine) consumeStepUp(ctx context.Context, code, principalID, deviceFingerprint string) error {
	ch, err := e.mfa.ConsumeApproved(ctx, code)
	switch {
	case errors.Is(err, stores.ErrMFAChallengeNotFound):
		return ErrMFAChallengeNotFound
	case errors.Is(err, stores.ErrMFAChallengeExpired):
		return ErrMFAChallengeExpired
	case errors.Is(err, stores.ErrMFAChallengeNotApprovedSentinel):
		return ErrMFANotApproved
	case err != nil:
		return ErrBackendUnavailable
	}

	if ch.PrincipalID != principalID || ch.Fingerprint != deviceFingerprint {
		e.metrics.Inc(metrics.MetricMFARejected)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "mfa_rejected",
			PrincipalID: principalID,
			Fingerprint: deviceFingerprint,
			Success:     false,
			Error:       "challenge binding mismatch",
		})
		return ErrMFAApprovalInvalid
	}
	return nil
}

func (e *Engine) getPendingChallenge(ctx context.Context, code string) (*stores.MFAChallenge, error) {
	ch, err := e.mfa.Get(ctx, code)
	switch {
	case errors.Is(err, stores.ErrMFAChallengeNotFound):
		return nil, ErrMFAChallengeNotFound
	case errors.Is(err, stores.ErrMFAChallengeExpired):
		return nil, ErrMFAChallengeExpired
	case err != nil:
		return nil, ErrBackendUnavailable
	}
	if ch.State != stores.MFAStatePending {
		e.metrics.Inc(metrics.MetricMFAReplayAttempt)
		return nil, ErrMFAChallengeResolved
	}
	return ch, nil
}

// markApproved performs the atomic pending->approved transition. Losing a
// race to another approver surfaces as a replay.
func (e *Engine) markApproved(ctx context.Context, code, principalID string) error {
	err := e.mfa.Approve(ctx, code)
	switch {
	case errors.Is(err, stores.ErrMFAChallengeNotFound):
		return ErrMFAChallengeNotFound
	case errors.Is(err, stores.ErrMFAChallengeExpired):
		return ErrMFAChallengeExpired
	case errors.Is(err, stores.ErrMFAChallengeResolved):
		e.metrics.Inc(metrics.MetricMFAReplayAttempt)
		return ErrMFAChallengeResolved
	case err != nil:
		return ErrBackendUnavailable
	}

	e.metrics.Inc(metrics.MetricMFAApproved)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "mfa_approved",
		PrincipalID: principalID,
		Success:     true,
	})
	return nil
}

func (e *Engine) rejectApproval(ctx context.Context, code, principalID, reason string) error {
	e.metrics.Inc(metrics.MetricMFARejected)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "mfa_rejected",
		PrincipalID: principalID,
		Success:     false,
		Error:       reason,
	})
	return ErrMFAApprovalInvalid
}

func splitApprovalToken(token string) (payload, mac []byte, err error) {
	encPayload, encMAC, ok := strings.Cut(token, ".")
	if !ok {
		return nil, nil, errors.New("malformed approval token")
	}
	payload, err = base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return nil, nil, err
	}
	mac, err = base64.RawURLEncoding.DecodeString(encMAC)
	if err != nil {
		return nil, nil, err
	}
	return payload, mac, nil
}
