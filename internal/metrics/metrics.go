// Package metrics provides lock-free counters and a validate-latency
// histogram for authcore observability.
//
// # Design
//
// Counters are stored in uint64 slots and incremented atomically via
// [sync/atomic]. The latency histogram uses 8 fixed buckets (≤1ms … +Inf).
// Both are allocation-free on the write path.
//
// # Architecture boundaries
//
// This package owns metric storage and snapshot creation. Metric export
// (Prometheus text, OTel) lives in metrics/export/ and reads Snapshot
// values.
//
// # What this package must NOT do
//
//   - Perform I/O or network calls.
//   - Import authcore or any sibling package.
//   - Expose global metric registries.
package metrics

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a specific counter slot.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginBlocked
	MetricLoginRateLimited
	MetricStepUpRequired
	MetricMFAChallengeIssued
	MetricMFAApproved
	MetricMFARejected
	MetricMFAReplayAttempt
	MetricWebAuthnRegistration
	MetricWebAuthnAuthentication
	MetricWebAuthnFailure
	MetricCloneDetected
	MetricOIDCCodeIssued
	MetricOIDCCodeConsumed
	MetricOIDCCodeReplay
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricSessionCreated
	MetricSessionInvalidated
	MetricLogout
	MetricLogoutAll
	MetricGuardRejectedRisk
	MetricGuardRejectedStrength
	MetricDeviceTrusted
	MetricRiskDegraded

	MetricIDCount
)

// Names maps counter ids to stable export names.
var Names = [MetricIDCount]string{
	MetricLoginSuccess:           "login_success_total",
	MetricLoginFailure:           "login_failure_total",
	MetricLoginBlocked:           "login_blocked_total",
	MetricLoginRateLimited:       "login_rate_limited_total",
	MetricStepUpRequired:         "step_up_required_total",
	MetricMFAChallengeIssued:     "mfa_challenge_issued_total",
	MetricMFAApproved:            "mfa_approved_total",
	MetricMFARejected:            "mfa_rejected_total",
	MetricMFAReplayAttempt:       "mfa_replay_attempt_total",
	MetricWebAuthnRegistration:   "webauthn_registration_total",
	MetricWebAuthnAuthentication: "webauthn_authentication_total",
	MetricWebAuthnFailure:        "webauthn_failure_total",
	MetricCloneDetected:          "webauthn_clone_detected_total",
	MetricOIDCCodeIssued:         "oidc_code_issued_total",
	MetricOIDCCodeConsumed:       "oidc_code_consumed_total",
	MetricOIDCCodeReplay:         "oidc_code_replay_total",
	MetricRefreshSuccess:         "refresh_success_total",
	MetricRefreshFailure:         "refresh_failure_total",
	MetricSessionCreated:         "session_created_total",
	MetricSessionInvalidated:     "session_invalidated_total",
	MetricLogout:                 "logout_total",
	MetricLogoutAll:              "logout_all_total",
	MetricGuardRejectedRisk:      "guard_rejected_risk_total",
	MetricGuardRejectedStrength:  "guard_rejected_strength_total",
	MetricDeviceTrusted:          "device_trusted_total",
	MetricRiskDegraded:           "risk_factor_degraded_total",
}

// HistogramBucketCount is the number of validate-latency buckets.
const HistogramBucketCount = 8

// HistogramBoundsMicros are the inclusive upper bounds of the first seven
// buckets in microseconds; the eighth bucket is +Inf.
var HistogramBoundsMicros = [HistogramBucketCount - 1]uint64{
	1000, 2500, 5000, 10000, 25000, 50000, 100000,
}

// Config controls metric collection.
type Config struct {
	Enabled       bool
	EnableLatency bool
}

// Metrics holds atomic counters and the optional latency histogram.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [MetricIDCount]atomic.Uint64
	latency       [HistogramBucketCount]atomic.Uint64
}

// New creates a [Metrics] instance. When cfg.Enabled is false, all
// operations are no-ops.
func New(cfg Config) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.EnableLatency,
	}
}

// Inc increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// ObserveValidateLatency records one Validate duration.
func (m *Metrics) ObserveValidateLatency(d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency {
		return
	}
	micros := uint64(d.Microseconds())
	for i, bound := range HistogramBoundsMicros {
		if micros <= bound {
			m.latency[i].Add(1)
			return
		}
	}
	m.latency[HistogramBucketCount-1].Add(1)
}

// Snapshot is a point-in-time deep copy of all metrics.
type Snapshot struct {
	Enabled  bool
	Counters [MetricIDCount]uint64
	Latency  [HistogramBucketCount]uint64
}

// Snapshot returns a consistent-enough copy of all counters. Individual
// slots are read atomically; the set as a whole is not fenced, which is fine
// for monotonic counters.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{}
	if m == nil || !m.enabled {
		return snap
	}
	snap.Enabled = true
	for i := range m.counters {
		snap.Counters[i] = m.counters[i].Load()
	}
	for i := range m.latency {
		snap.Latency[i] = m.latency[i].Load()
	}
	return snap
}
