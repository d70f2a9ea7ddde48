package authcore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelvault/authcore/internal"
	"github.com/sentinelvault/authcore/internal/fingerprint"
	"github.com/sentinelvault/authcore/internal/metrics"
	"github.com/sentinelvault/authcore/internal/rate"
	"github.com/sentinelvault/authcore/internal/risk"
	"github.com/sentinelvault/authcore/jwt"
	"github.com/sentinelvault/authcore/session"
)

// RegisterInput is the account-creation request.
type RegisterInput struct {
	Email    string
	Password string
	Tier     string
}

// LoginInput is a password login attempt. MFACode completes a pending
// step-up: the challenge must already be approved out of band.
type LoginInput struct {
	Email    string
	Password string
	MFACode  string
}

// Register creates a principal with an Argon2id password hash. The provider
// reports duplicates as [ErrAccountExists].
func (e *Engine) Register(ctx context.Context, in RegisterInput, signals RequestSignals) (*PrincipalRecord, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, ErrValidation
	}

	meta := fingerprint.Derive(signals)
	if err := e.allow(ctx, signals.IP, email, meta.Fingerprint); err != nil {
		return nil, err
	}

	hash, err := e.passwordHash.Hash(in.Password)
	if err != nil {
		return nil, ErrValidation
	}

	rec := &PrincipalRecord{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Tier:         in.Tier,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.principals.CreatePrincipal(ctx, rec); err != nil {
		if errors.Is(err, ErrAccountExists) {
			return nil, ErrAccountExists
		}
		return nil, ErrBackendUnavailable
	}

	e.emitAudit(ctx, AuditEvent{
		EventType:   "account_created",
		PrincipalID: rec.ID,
		Fingerprint: meta.Fingerprint,
		IP:          meta.MaskedIP,
		Success:     true,
	})

	out := *rec
	out.PasswordHash = ""
	return &out, nil
}

// Login runs the password verifier: fingerprint, credential check, risk
// assessment, optional step-up, and finally session issuance. Credential
// failures are reported generically so account existence never leaks.
func (e *Engine) Login(ctx context.Context, in LoginInput, signals RequestSignals) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, ErrValidation
	}

	meta := fingerprint.Derive(signals)
	if err := e.allow(ctx, signals.IP, email, meta.Fingerprint); err != nil {
		return nil, err
	}

	principal, err := e.principals.ByEmail(ctx, email)
	if errors.Is(err, ErrPrincipalNotFound) {
		e.loginFailure(ctx, "", meta, MethodPassword, "unknown principal")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, ErrBackendUnavailable
	}
	if !principal.Active {
		e.loginFailure(ctx, principal.ID, meta, MethodPassword, "account disabled")
		return nil, ErrAccountDisabled
	}

	ok, err := e.passwordHash.Verify(in.Password, principal.PasswordHash)
	if err != nil || !ok {
		e.loginFailure(ctx, principal.ID, meta, MethodPassword, "password mismatch")
		return nil, ErrInvalidCredentials
	}
	e.maybeRehash(ctx, principal, in.Password)

	return e.completeLogin(ctx, principal, meta, signals, risk.MethodPassword, in.MFACode)
}

// completeLogin is shared by every verifier: it scores risk, arbitrates
// step-up, and issues the session. mfaCode, when set, consumes an approved
// step-up challenge in place of a fresh one.
func (e *Engine) completeLogin(
	ctx context.Context,
	principal *PrincipalRecord,
	meta DeviceMetadata,
	signals RequestSignals,
	method risk.Method,
	mfaCode string,
) (*LoginResult, error) {
	assessment := e.assessRisk(ctx, principal.ID, meta, signals, method)

	if assessment.Recommendation == risk.RecommendBlock {
		e.metrics.Inc(metrics.MetricLoginBlocked)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "login_blocked",
			PrincipalID: principal.ID,
			Fingerprint: meta.Fingerprint,
			Method:      string(method),
			RiskScore:   assessment.Score,
			IP:          meta.MaskedIP,
			Success:     false,
			Error:       "risk above block threshold",
		})
		return nil, &RiskError{Score: assessment.Score, cause: ErrLoginBlocked}
	}

	if assessment.Recommendation == risk.RecommendStepUp {
		if mfaCode == "" {
			code, err := e.issueStepUp(ctx, principal.ID, meta, method, assessment.Score)
			if err != nil {
				return nil, err
			}
			return &LoginResult{
				PrincipalID:  principal.ID,
				Email:        principal.Email,
				Method:       CredentialMethod(method),
				RiskScore:    assessment.Score,
				RequiresMFA:  true,
				MFAChallenge: code,
			}, nil
		}
		// Consume-before-grant ordering: the approved challenge is spent
		// first so a crash here degrades to re-authentication, never to an
		// unchecked session.
		if err := e.consumeStepUp(ctx, mfaCode, principal.ID, meta.Fingerprint); err != nil {
			return nil, err
		}
	}

	return e.issueSession(ctx, principal, meta, signals, method, assessment)
}

// assessRisk resolves every factor input and runs the pure scorer. Factor
// resolution errors degrade that factor; they never abort the login.
func (e *Engine) assessRisk(
	ctx context.Context,
	principalID string,
	meta DeviceMetadata,
	signals RequestSignals,
	method risk.Method,
) risk.Assessment {
	now := time.Now()
	in := risk.Input{Now: now, Method: method}

	dev, devErr := e.devices.Get(ctx, meta.Fingerprint)
	exact, subnet, locErr := e.devices.KnownIP(ctx, principalID, signals.IP)
	switch {
	case devErr == nil:
		in.DeviceScore = fingerprint.AnalyzeRisk(dev, meta, principalID, subnet)
		in.DeviceConflict = fingerprint.Conflict(dev, principalID)
	case errors.Is(devErr, fingerprint.ErrDeviceNotFound):
		// A never-seen device is a novelty signal, not a degraded factor.
		in.DeviceScore = fingerprint.AnalyzeRisk(nil, meta, principalID, subnet)
	default:
		in.DeviceErr = devErr
	}
	in.KnownIP, in.KnownSubnet, in.LocationErr = exact, subnet, locErr

	events, histErr := e.sessions.History(ctx, principalID, 0)
	if histErr != nil {
		in.HistoryErr = histErr
	} else {
		// Oldest first, with the current attempt appended so method-shift
		// detection compares against it.
		hist := make([]risk.HistoryEntry, 0, len(events)+1)
		for i := len(events) - 1; i >= 0; i-- {
			hist = append(hist, risk.HistoryEntry{
				Method:    risk.Method(events[i].Method),
				CreatedAt: events[i].At,
			})
		}
		hist = append(hist, risk.HistoryEntry{Method: method, CreatedAt: now})
		in.History = hist
	}

	assessment := risk.Assess(in)
	if assessment.Degraded {
		e.metrics.Inc(metrics.MetricRiskDegraded)
	}
	return assessment
}

// issueSession mints the token pair, persists the session, and records the
// device login. Called only after a non-blocking risk decision and any
// required step-up approval.
func (e *Engine) issueSession(
	ctx context.Context,
	principal *PrincipalRecord,
	meta DeviceMetadata,
	signals RequestSignals,
	method risk.Method,
	assessment risk.Assessment,
) (*LoginResult, error) {
	now := time.Now().UTC()

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, ErrSessionCreationFailed
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, ErrSessionCreationFailed
	}

	sess := &session.Session{
		SessionID:   sid.String(),
		PrincipalID: principal.ID,
		Email:       principal.Email,
		Fingerprint: meta.Fingerprint,
		Method:      string(method),
		RiskScore:   uint8(clampScore(assessment.Score)),
		RefreshHash: internal.HashRefreshSecret(secret),
		MaskedIP:    meta.MaskedIP,
		UserAgent:   signals.UserAgent,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.Session.TTL),
	}
	if err := e.sessions.Create(ctx, sess, e.config.Session.TTL); err != nil {
		return nil, ErrSessionCreationFailed
	}

	accessToken, err := e.jwtManager.CreateAccess(jwt.AccessClaims{
		UID:         principal.ID,
		Email:       principal.Email,
		SID:         sess.SessionID,
		Method:      string(method),
		RiskScore:   assessment.Score,
		Fingerprint: meta.Fingerprint,
	})
	if err != nil {
		e.sessions.Delete(ctx, principal.ID, sess.SessionID)
		return nil, ErrSessionCreationFailed
	}
	refreshToken, err := internal.EncodeRefreshToken(sess.SessionID, secret)
	if err != nil {
		e.sessions.Delete(ctx, principal.ID, sess.SessionID)
		return nil, ErrSessionCreationFailed
	}

	e.recordDeviceLogin(ctx, principal.ID, meta, signals, assessment)
	e.sessions.RecordLogin(ctx, principal.ID, string(method), now, e.config.Session.HistoryRetention)
	e.resetLimit(ctx, signals.IP, limiterHint(principal, method), meta.Fingerprint)

	e.metrics.Inc(metrics.MetricSessionCreated)
	e.metrics.Inc(metrics.MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "login_success",
		PrincipalID: principal.ID,
		SessionID:   sess.SessionID,
		Fingerprint: meta.Fingerprint,
		Method:      string(method),
		RiskScore:   assessment.Score,
		IP:          meta.MaskedIP,
		Success:     true,
	})

	return &LoginResult{
		PrincipalID:  principal.ID,
		Email:        principal.Email,
		Method:       CredentialMethod(method),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		SessionID:    sess.SessionID,
		ExpiresIn:    int64(e.config.JWT.AccessTTL.Seconds()),
		RiskScore:    assessment.Score,
		RequiresMFA:  false,
	}, nil
}

// recordDeviceLogin upserts the fingerprint record and audits trust
// transitions. Device-store failures are absorbed: the session is already
// issued and posture tracking must not undo it.
func (e *Engine) recordDeviceLogin(
	ctx context.Context,
	principalID string,
	meta DeviceMetadata,
	signals RequestSignals,
	assessment risk.Assessment,
) {
	dev, err := e.devices.RecordLogin(
		ctx,
		meta.Fingerprint,
		principalID,
		signals.IP,
		assessment.DeviceScore,
		uint32(e.config.Fingerprint.TrustedAfterLogins),
		time.Now().UTC(),
	)
	if err != nil || dev == nil {
		return
	}
	if dev.Trusted && dev.Logins == uint32(e.config.Fingerprint.TrustedAfterLogins) {
		e.metrics.Inc(metrics.MetricDeviceTrusted)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "device_trusted",
			PrincipalID: principalID,
			Fingerprint: meta.Fingerprint,
			IP:          meta.MaskedIP,
			Success:     true,
		})
	}
}

// Refresh rotates a session: the old record is atomically destroyed and a
// structurally identical new one is issued under a new id and refresh
// secret. The old access token stops validating the moment rotation lands.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, signals RequestSignals) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	oldSID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metrics.Inc(metrics.MetricRefreshFailure)
		return nil, ErrRefreshInvalid
	}
	oldHash := internal.HashRefreshSecret(secret)

	old, err := e.sessions.Get(ctx, oldSID)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		e.metrics.Inc(metrics.MetricRefreshFailure)
		return nil, ErrRefreshInvalid
	case err != nil:
		return nil, ErrBackendUnavailable
	}

	now := time.Now().UTC()
	newSID, err := internal.NewSessionID()
	if err != nil {
		return nil, ErrSessionCreationFailed
	}
	newSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, ErrSessionCreationFailed
	}

	// Same device/method/risk lineage; only identity material rotates.
	next := &session.Session{
		SessionID:   newSID.String(),
		PrincipalID: old.PrincipalID,
		Email:       old.Email,
		Fingerprint: old.Fingerprint,
		Method:      old.Method,
		RiskScore:   old.RiskScore,
		RefreshHash: internal.HashRefreshSecret(newSecret),
		MaskedIP:    fingerprint.MaskIP(signals.IP),
		UserAgent:   signals.UserAgent,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.Session.TTL),
	}

	err = e.sessions.Rotate(ctx, oldSID, oldHash, next, e.config.Session.TTL)
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrRefreshMismatch):
		e.metrics.Inc(metrics.MetricRefreshFailure)
		e.emitAudit(ctx, AuditEvent{
			EventType:   "refresh_rejected",
			PrincipalID: old.PrincipalID,
			SessionID:   oldSID,
			Success:     false,
			Error:       err.Error(),
		})
		return nil, ErrRefreshInvalid
	case err != nil:
		return nil, ErrBackendUnavailable
	}

	accessToken, err := e.jwtManager.CreateAccess(jwt.AccessClaims{
		UID:         next.PrincipalID,
		Email:       next.Email,
		SID:         next.SessionID,
		Method:      next.Method,
		RiskScore:   int(next.RiskScore),
		Fingerprint: next.Fingerprint,
	})
	if err != nil {
		e.sessions.Delete(ctx, next.PrincipalID, next.SessionID)
		return nil, ErrSessionCreationFailed
	}
	newRefresh, err := internal.EncodeRefreshToken(next.SessionID, newSecret)
	if err != nil {
		e.sessions.Delete(ctx, next.PrincipalID, next.SessionID)
		return nil, ErrSessionCreationFailed
	}

	e.metrics.Inc(metrics.MetricRefreshSuccess)
	e.metrics.Inc(metrics.MetricSessionCreated)
	e.metrics.Inc(metrics.MetricSessionInvalidated)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "session_rotated",
		PrincipalID: next.PrincipalID,
		SessionID:   next.SessionID,
		Fingerprint: next.Fingerprint,
		Method:      next.Method,
		RiskScore:   int(next.RiskScore),
		Success:     true,
		Metadata:    map[string]string{"previous_session": oldSID},
	})

	return &LoginResult{
		PrincipalID:  next.PrincipalID,
		Email:        next.Email,
		Method:       CredentialMethod(next.Method),
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		SessionID:    next.SessionID,
		ExpiresIn:    int64(e.config.JWT.AccessTTL.Seconds()),
		RiskScore:    int(next.RiskScore),
	}, nil
}

// maybeRehash upgrades a stored hash when its parameters are weaker than
// configured. Best effort: failures leave the old hash in place.
func (e *Engine) maybeRehash(ctx context.Context, principal *PrincipalRecord, plaintext string) {
	if !e.config.Password.RehashOnVerify {
		return
	}
	needs, err := e.passwordHash.NeedsUpgrade(principal.PasswordHash)
	if err != nil || !needs {
		return
	}
	hash, err := e.passwordHash.Hash(plaintext)
	if err != nil {
		return
	}
	if err := e.principals.UpdatePasswordHash(ctx, principal.ID, hash); err == nil {
		e.emitAudit(ctx, AuditEvent{
			EventType:   "password_rehash",
			PrincipalID: principal.ID,
			Success:     true,
		})
	}
}

func (e *Engine) allow(ctx context.Context, ip, principalHint, uaFingerprint string) error {
	if e.limiter == nil {
		return nil
	}
	retryAfter, err := e.limiter.Allow(ctx, rate.ClientKey(ip, principalHint, uaFingerprint))
	if errors.Is(err, rate.ErrRateLimited) {
		e.metrics.Inc(metrics.MetricLoginRateLimited)
		return &RateLimitError{RetryAfter: retryAfter}
	}
	if err != nil {
		// Limiter backend trouble must not lock everyone out.
		return nil
	}
	return nil
}

// resetLimit clears the attempt window once a login fully succeeds, so a
// few mistyped passwords before the right one do not linger against the
// client. The key must match what allow used on the way in.
func (e *Engine) resetLimit(ctx context.Context, ip, principalHint, uaFingerprint string) {
	if e.limiter == nil {
		return
	}
	// Failures here are inconsequential: the stale window simply expires.
	_ = e.limiter.Reset(ctx, rate.ClientKey(ip, principalHint, uaFingerprint))
}

// limiterHint mirrors the principal hint the verifier paths feed allow:
// the normalized email for password logins, empty for assertion-based
// methods where no identifier is known before verification.
func limiterHint(principal *PrincipalRecord, method risk.Method) string {
	if method == risk.MethodPassword {
		return principal.Email
	}
	return ""
}

func (e *Engine) loginFailure(ctx context.Context, principalID string, meta DeviceMetadata, method CredentialMethod, reason string) {
	e.metrics.Inc(metrics.MetricLoginFailure)
	e.emitAudit(ctx, AuditEvent{
		EventType:   "login_failure",
		PrincipalID: principalID,
		Fingerprint: meta.Fingerprint,
		Method:      string(method),
		IP:          meta.MaskedIP,
		Success:     false,
		Error:       reason,
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
