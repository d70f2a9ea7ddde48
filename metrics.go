package authcore

import (
	"github.com/sentinelvault/authcore/internal/metrics"
)

// MetricID identifies one engine counter.
type MetricID = metrics.MetricID

// Counter ids, re-exported for snapshot consumers and exporters.
const (
	MetricLoginSuccess           = metrics.MetricLoginSuccess
	MetricLoginFailure           = metrics.MetricLoginFailure
	MetricLoginBlocked           = metrics.MetricLoginBlocked
	MetricLoginRateLimited       = metrics.MetricLoginRateLimited
	MetricStepUpRequired         = metrics.MetricStepUpRequired
	MetricMFAChallengeIssued     = metrics.MetricMFAChallengeIssued
	MetricMFAApproved            = metrics.MetricMFAApproved
	MetricMFARejected            = metrics.MetricMFARejected
	MetricMFAReplayAttempt       = metrics.MetricMFAReplayAttempt
	MetricWebAuthnRegistration   = metrics.MetricWebAuthnRegistration
	MetricWebAuthnAuthentication = metrics.MetricWebAuthnAuthentication
	MetricWebAuthnFailure        = metrics.MetricWebAuthnFailure
	MetricCloneDetected          = metrics.MetricCloneDetected
	MetricOIDCCodeIssued         = metrics.MetricOIDCCodeIssued
	MetricOIDCCodeConsumed       = metrics.MetricOIDCCodeConsumed
	MetricOIDCCodeReplay         = metrics.MetricOIDCCodeReplay
	MetricRefreshSuccess         = metrics.MetricRefreshSuccess
	MetricRefreshFailure         = metrics.MetricRefreshFailure
	MetricSessionCreated         = metrics.MetricSessionCreated
	MetricSessionInvalidated     = metrics.MetricSessionInvalidated
	MetricLogout                 = metrics.MetricLogout
	MetricLogoutAll              = metrics.MetricLogoutAll
	MetricGuardRejectedRisk      = metrics.MetricGuardRejectedRisk
	MetricGuardRejectedStrength  = metrics.MetricGuardRejectedStrength
	MetricDeviceTrusted          = metrics.MetricDeviceTrusted
	MetricRiskDegraded           = metrics.MetricRiskDegraded

	MetricIDCount = metrics.MetricIDCount
)

// MetricsSnapshot is a deep copy of every counter and histogram at one point
// in time.
type MetricsSnapshot = metrics.Snapshot

// MetricName returns the stable export name for a counter id.
func MetricName(id MetricID) string {
	if id >= MetricIDCount {
		return "unknown"
	}
	return metrics.Names[id]
}
