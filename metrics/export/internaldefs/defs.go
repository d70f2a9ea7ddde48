package internaldefs

import (
	authcore "github.com/sentinelvault/authcore"
)

// CounterDef binds one engine counter id to its export name and help text.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef binds one engine latency histogram to its export name and
// help text.
type HistogramDef struct {
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful login attempts."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed login attempts."},
	{ID: authcore.MetricLoginBlocked, Name: "authcore_login_blocked_total", Help: "Login attempts blocked by risk policy."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: authcore.MetricStepUpRequired, Name: "authcore_step_up_required_total", Help: "Login flows escalated to MFA step-up."},
	{ID: authcore.MetricMFAChallengeIssued, Name: "authcore_mfa_challenge_issued_total", Help: "Issued MFA challenges."},
	{ID: authcore.MetricMFAApproved, Name: "authcore_mfa_approved_total", Help: "Approved MFA challenges."},
	{ID: authcore.MetricMFARejected, Name: "authcore_mfa_rejected_total", Help: "Rejected MFA approval attempts."},
	{ID: authcore.MetricMFAReplayAttempt, Name: "authcore_mfa_replay_attempt_total", Help: "Detected MFA approval replays."},
	{ID: authcore.MetricWebAuthnRegistration, Name: "authcore_webauthn_registration_total", Help: "Completed WebAuthn credential registrations."},
	{ID: authcore.MetricWebAuthnAuthentication, Name: "authcore_webauthn_authentication_total", Help: "Successful WebAuthn authentications."},
	{ID: authcore.MetricWebAuthnFailure, Name: "authcore_webauthn_failure_total", Help: "Failed WebAuthn ceremonies."},
	{ID: authcore.MetricCloneDetected, Name: "authcore_webauthn_clone_detected_total", Help: "Authenticator clone signals from sign-counter regression."},
	{ID: authcore.MetricOIDCCodeIssued, Name: "authcore_oidc_code_issued_total", Help: "Issued OIDC authorization codes."},
	{ID: authcore.MetricOIDCCodeConsumed, Name: "authcore_oidc_code_consumed_total", Help: "Consumed OIDC authorization codes."},
	{ID: authcore.MetricOIDCCodeReplay, Name: "authcore_oidc_code_replay_total", Help: "Rejected reuse of OIDC authorization codes."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful session refreshes."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Failed session refreshes."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Created sessions."},
	{ID: authcore.MetricSessionInvalidated, Name: "authcore_session_invalidated_total", Help: "Invalidated sessions."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logout operations."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Logout-all operations."},
	{ID: authcore.MetricGuardRejectedRisk, Name: "authcore_guard_rejected_risk_total", Help: "Requests rejected by risk-ceiling enforcement."},
	{ID: authcore.MetricGuardRejectedStrength, Name: "authcore_guard_rejected_strength_total", Help: "Requests rejected by strong-method enforcement."},
	{ID: authcore.MetricDeviceTrusted, Name: "authcore_device_trusted_total", Help: "Devices promoted to trusted."},
	{ID: authcore.MetricRiskDegraded, Name: "authcore_risk_factor_degraded_total", Help: "Risk assessments with a degraded sub-factor."},
}

// ValidateLatencyDef is the single latency histogram exported by the engine.
var ValidateLatencyDef = HistogramDef{
	Name: "authcore_validate_latency_seconds",
	Help: "Access-token validation latency histogram.",
}

// HistogramBounds are the bucket upper bounds in Prometheus le-label form.
// They mirror the engine's microsecond bucket boundaries.
var HistogramBounds = []string{
	"0.001",
	"0.0025",
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"+Inf",
}

// HistogramBoundSuffix are the bounds in metric-name-safe form for backends
// that cannot carry labels.
var HistogramBoundSuffix = []string{
	"0_001",
	"0_0025",
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"inf",
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// Prometheus expects. The last slot equals the total sample count.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
