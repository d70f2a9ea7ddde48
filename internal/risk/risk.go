// Package risk aggregates device, behavioral, temporal, and location signals
// into a single login risk score and policy recommendation.
//
// Everything in this package is a pure function of its inputs: no stores, no
// clocks, no hidden state. Callers resolve history and device posture first
// and hand the results in, which keeps the scorer independently testable.
package risk

import (
	"math"
	"time"
)

// Factor weights. They must sum to 1.0.
const (
	WeightDevice     = 0.4
	WeightBehavioral = 0.3
	WeightTemporal   = 0.1
	WeightLocation   = 0.2
)

// Policy thresholds.
const (
	BlockThreshold  = 90
	StepUpThreshold = 60
	// WeakMethodStepUpThreshold applies when the presented credential is the
	// weakest method (password only).
	WeakMethodStepUpThreshold = 40
	// StrongMethodDiscount is subtracted before the allow/step-up comparison
	// when the credential method is in the strong set. Block is evaluated on
	// the undiscounted score and is never discounted away.
	StrongMethodDiscount = 20
)

// DegradedFactorScore is substituted when a sub-score computation fails.
// It is deliberately penalizing so that internal errors tighten rather than
// loosen the posture.
const DegradedFactorScore = 70

// DeviceConflictFloor is the minimum aggregate score when the device
// fingerprint is bound to a different principal. Without the floor, benign
// history and location factors could dilute a sharing/compromise signal
// below every policy band.
const DeviceConflictFloor = 80

// Recommendation is the policy outcome of an assessment.
type Recommendation string

const (
	RecommendAllow  Recommendation = "allow"
	RecommendStepUp Recommendation = "mfa_required"
	RecommendBlock  Recommendation = "block"
)

// Method identifies the credential protocol used for the attempt.
type Method string

const (
	MethodPassword  Method = "password"
	MethodWebAuthn  Method = "webauthn"
	MethodBiometric Method = "biometric"
	MethodOIDC      Method = "oidc"
)

// StrongMethod reports whether m belongs to the strong credential set.
func StrongMethod(m Method) bool {
	return m == MethodWebAuthn || m == MethodBiometric
}

// HistoryEntry is one prior session of the principal, oldest first.
type HistoryEntry struct {
	Method    Method
	CreatedAt time.Time
}

// Input carries every signal the assessment consumes.
type Input struct {
	// DeviceScore comes from the fingerprint service, already clamped to
	// [0,100]. DeviceErr marks the factor as failed.
	DeviceScore int
	DeviceErr   error

	// DeviceConflict marks a fingerprint bound to a different principal.
	// The aggregate is floored at [DeviceConflictFloor] so the outcome is
	// never plain allow.
	DeviceConflict bool

	// History is the principal's recent session history, oldest first.
	// HistoryErr marks the behavioral factor as failed.
	History    []HistoryEntry
	HistoryErr error

	// KnownIP / KnownSubnet describe how the request IP relates to the
	// principal's previously observed addresses. LocationErr marks the
	// factor as failed.
	KnownIP     bool
	KnownSubnet bool
	LocationErr error

	// Now is the attempt time in the service's local zone.
	Now time.Time

	Method Method
}

// Assessment is the aggregated result.
type Assessment struct {
	Score           int            `json:"score"`
	Recommendation  Recommendation `json:"recommendation"`
	DeviceScore     int            `json:"device_score"`
	BehavioralScore int            `json:"behavioral_score"`
	TemporalScore   int            `json:"temporal_score"`
	LocationScore   int            `json:"location_score"`
	DeviceConflict  bool           `json:"device_conflict,omitempty"`
	Degraded        bool           `json:"degraded,omitempty"`
}

// Assess computes the weighted risk score and maps it to a recommendation.
// Sub-factor failures degrade that factor to [DegradedFactorScore]; Assess
// itself never fails.
func Assess(in Input) Assessment {
	a := Assessment{
		DeviceScore:     in.DeviceScore,
		BehavioralScore: behavioralScore(in.History),
		TemporalScore:   temporalScore(in.Now),
		LocationScore:   locationScore(in.KnownIP, in.KnownSubnet),
	}

	if in.DeviceErr != nil {
		a.DeviceScore = DegradedFactorScore
		a.Degraded = true
	}
	if in.HistoryErr != nil {
		a.BehavioralScore = DegradedFactorScore
		a.Degraded = true
	}
	if in.LocationErr != nil {
		a.LocationScore = DegradedFactorScore
		a.Degraded = true
	}

	a.DeviceScore = clamp(a.DeviceScore)
	a.BehavioralScore = clamp(a.BehavioralScore)
	a.TemporalScore = clamp(a.TemporalScore)
	a.LocationScore = clamp(a.LocationScore)

	weighted := WeightDevice*float64(a.DeviceScore) +
		WeightBehavioral*float64(a.BehavioralScore) +
		WeightTemporal*float64(a.TemporalScore) +
		WeightLocation*float64(a.LocationScore)

	a.Score = clamp(int(math.Round(weighted)))

	// A device owned by another principal must never average down into the
	// allow band, no matter how familiar the other factors look.
	if in.DeviceConflict {
		a.DeviceConflict = true
		if a.Score < DeviceConflictFloor {
			a.Score = DeviceConflictFloor
		}
	}

	a.Recommendation = Recommend(a.Score, in.Method)

	return a
}

// Recommend maps a score and credential method to the policy outcome.
// The block band uses the undiscounted score; strong methods receive
// [StrongMethodDiscount] before the step-up comparison only.
func Recommend(score int, method Method) Recommendation {
	if score >= BlockThreshold {
		return RecommendBlock
	}

	effective := score
	if StrongMethod(method) {
		effective -= StrongMethodDiscount
		if effective < 0 {
			effective = 0
		}
	}

	if effective >= StepUpThreshold {
		return RecommendStepUp
	}
	if method == MethodPassword && effective >= WeakMethodStepUpThreshold {
		return RecommendStepUp
	}

	return RecommendAllow
}

// behavioralScore derives risk from the principal's session history:
// frequency anomalies and sudden shifts away from the dominant method.
func behavioralScore(history []HistoryEntry) int {
	if len(history) == 0 {
		// No baseline yet: moderate novelty, not an anomaly.
		return 50
	}

	score := 10

	latest := history[len(history)-1]
	dayAgo := latest.CreatedAt.Add(-24 * time.Hour)
	recent := 0
	counts := make(map[Method]int, 4)
	for _, h := range history {
		counts[h.Method]++
		if h.CreatedAt.After(dayAgo) {
			recent++
		}
	}
	if recent > 20 {
		score += 30
	}

	dominant, dominantCount := Method(""), 0
	for m, c := range counts {
		if c > dominantCount {
			dominant, dominantCount = m, c
		}
	}
	// A shift away from a clearly dominant method is suspicious.
	if dominant != latest.Method && float64(dominantCount) >= 0.6*float64(len(history)) {
		score += 20
	}

	return score
}

// temporalScore adds modest risk for late-night hours and weekends.
func temporalScore(now time.Time) int {
	score := 0
	if h := now.Hour(); h < 6 {
		score += 15
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		score += 10
	}
	if score > 20 {
		score = 20
	}
	return score
}

// locationScore maps IP familiarity to risk: exact known IP is low, same /24
// as a known device is moderate, a novel address is high.
func locationScore(knownIP, knownSubnet bool) int {
	switch {
	case knownIP:
		return 10
	case knownSubnet:
		return 40
	default:
		return 70
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
