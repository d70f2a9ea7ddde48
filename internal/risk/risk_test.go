package risk

import (
	"errors"
	"testing"
	"time"
)

// mondayNoon is a weekday daytime instant so the temporal factor stays
// quiet unless a test wants otherwise.
var mondayNoon = time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)

func TestAssessDeterministic(t *testing.T) {
	in := Input{
		DeviceScore: 35,
		History: []HistoryEntry{
			{Method: MethodPassword, CreatedAt: mondayNoon.Add(-48 * time.Hour)},
			{Method: MethodPassword, CreatedAt: mondayNoon},
		},
		KnownIP: true,
		Now:     mondayNoon,
		Method:  MethodPassword,
	}

	first := Assess(in)
	for i := 0; i < 10; i++ {
		if got := Assess(in); got != first {
			t.Fatalf("assessment not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestAssessScoreClamped(t *testing.T) {
	a := Assess(Input{
		DeviceScore: 500,
		HistoryErr:  errors.New("history backend down"),
		LocationErr: errors.New("location backend down"),
		Now:         time.Date(2026, time.March, 1, 3, 0, 0, 0, time.UTC), // Sunday 3am
		Method:      MethodPassword,
	})
	if a.Score < 0 || a.Score > 100 {
		t.Fatalf("score out of range: %d", a.Score)
	}
	if a.DeviceScore != 100 {
		t.Fatalf("device score not clamped: %d", a.DeviceScore)
	}

	low := Assess(Input{DeviceScore: -50, KnownIP: true, Now: mondayNoon, Method: MethodWebAuthn,
		History: []HistoryEntry{{Method: MethodWebAuthn, CreatedAt: mondayNoon}}})
	if low.Score < 0 {
		t.Fatalf("score went negative: %d", low.Score)
	}
}

func TestAssessDegradedFactorPenalizes(t *testing.T) {
	base := Input{
		DeviceScore: 10,
		History:     []HistoryEntry{{Method: MethodPassword, CreatedAt: mondayNoon}},
		KnownIP:     true,
		Now:         mondayNoon,
		Method:      MethodPassword,
	}

	clean := Assess(base)
	if clean.Degraded {
		t.Fatal("clean input marked degraded")
	}

	broken := base
	broken.HistoryErr = errors.New("redis down")
	degraded := Assess(broken)
	if !degraded.Degraded {
		t.Fatal("expected degraded flag")
	}
	if degraded.BehavioralScore != DegradedFactorScore {
		t.Fatalf("expected behavioral %d, got %d", DegradedFactorScore, degraded.BehavioralScore)
	}
	if degraded.Score <= clean.Score {
		t.Fatalf("degradation must raise the score: %d <= %d", degraded.Score, clean.Score)
	}
}

func TestRecommendThresholds(t *testing.T) {
	cases := []struct {
		name   string
		score  int
		method Method
		want   Recommendation
	}{
		{"low password allows", 30, MethodPassword, RecommendAllow},
		{"password weak threshold", 40, MethodPassword, RecommendStepUp},
		{"oidc below step-up allows", 55, MethodOIDC, RecommendAllow},
		{"oidc at step-up", 60, MethodOIDC, RecommendStepUp},
		{"webauthn discount clears step-up", 75, MethodWebAuthn, RecommendAllow},
		{"webauthn above discounted threshold", 80, MethodWebAuthn, RecommendStepUp},
		{"biometric discount clears step-up", 79, MethodBiometric, RecommendAllow},
		{"block band ignores discount", 90, MethodWebAuthn, RecommendBlock},
		{"block band password", 95, MethodPassword, RecommendBlock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Recommend(tc.score, tc.method); got != tc.want {
				t.Fatalf("Recommend(%d, %s) = %s, want %s", tc.score, tc.method, got, tc.want)
			}
		})
	}
}

func TestBehavioralMethodShift(t *testing.T) {
	history := make([]HistoryEntry, 0, 10)
	at := mondayNoon.Add(-10 * 24 * time.Hour)
	for i := 0; i < 9; i++ {
		history = append(history, HistoryEntry{Method: MethodWebAuthn, CreatedAt: at})
		at = at.Add(24 * time.Hour)
	}
	// Current attempt is appended last by the caller.
	shifted := append(append([]HistoryEntry(nil), history...),
		HistoryEntry{Method: MethodPassword, CreatedAt: mondayNoon})
	steady := append(append([]HistoryEntry(nil), history...),
		HistoryEntry{Method: MethodWebAuthn, CreatedAt: mondayNoon})

	shiftScore := behavioralScore(shifted)
	steadyScore := behavioralScore(steady)
	if shiftScore <= steadyScore {
		t.Fatalf("method shift must raise behavioral risk: %d <= %d", shiftScore, steadyScore)
	}
}

func TestBehavioralFrequencyAnomaly(t *testing.T) {
	burst := make([]HistoryEntry, 0, 25)
	for i := 0; i < 25; i++ {
		burst = append(burst, HistoryEntry{
			Method:    MethodPassword,
			CreatedAt: mondayNoon.Add(-time.Duration(i) * time.Minute),
		})
	}
	// Oldest first.
	for i, j := 0, len(burst)-1; i < j; i, j = i+1, j-1 {
		burst[i], burst[j] = burst[j], burst[i]
	}

	quiet := []HistoryEntry{
		{Method: MethodPassword, CreatedAt: mondayNoon.Add(-72 * time.Hour)},
		{Method: MethodPassword, CreatedAt: mondayNoon},
	}

	if b, q := behavioralScore(burst), behavioralScore(quiet); b <= q {
		t.Fatalf("login burst must raise behavioral risk: %d <= %d", b, q)
	}
}

func TestEmptyHistoryModerateNovelty(t *testing.T) {
	if got := behavioralScore(nil); got != 50 {
		t.Fatalf("expected 50 for empty history, got %d", got)
	}
}

func TestTemporalNightAndWeekend(t *testing.T) {
	weekdayNoon := temporalScore(mondayNoon)
	saturdayNight := temporalScore(time.Date(2026, time.March, 7, 2, 0, 0, 0, time.UTC))
	if weekdayNoon != 0 {
		t.Fatalf("weekday noon should be 0, got %d", weekdayNoon)
	}
	if saturdayNight != 20 {
		t.Fatalf("weekend night should cap at 20, got %d", saturdayNight)
	}
}

func TestLocationFamiliarity(t *testing.T) {
	if exact := locationScore(true, true); exact != 10 {
		t.Fatalf("known ip should be 10, got %d", exact)
	}
	if subnet := locationScore(false, true); subnet != 40 {
		t.Fatalf("known subnet should be 40, got %d", subnet)
	}
	if novel := locationScore(false, false); novel != 70 {
		t.Fatalf("novel address should be 70, got %d", novel)
	}
}

func TestStrongMethodSet(t *testing.T) {
	if !StrongMethod(MethodWebAuthn) || !StrongMethod(MethodBiometric) {
		t.Fatal("webauthn and biometric are strong")
	}
	if StrongMethod(MethodPassword) || StrongMethod(MethodOIDC) {
		t.Fatal("password and oidc are not strong")
	}
}

// crossPrincipalInput is the most benign surrounding posture possible: a
// long stable same-method history, a known IP, and a quiet weekday
// afternoon. Only the device factor signals trouble.
func crossPrincipalInput(method Method) Input {
	history := make([]HistoryEntry, 0, 30)
	for i := 29; i >= 0; i-- {
		history = append(history, HistoryEntry{
			Method:    method,
			CreatedAt: mondayNoon.Add(-time.Duration(i) * 48 * time.Hour),
		})
	}
	return Input{
		DeviceScore:    80,
		DeviceConflict: true,
		History:        history,
		KnownIP:        true,
		Now:            mondayNoon.Add(2 * time.Hour), // Monday 14:00
		Method:         method,
	}
}

func TestAssessDeviceConflictNeverAllows(t *testing.T) {
	for _, method := range []Method{MethodPassword, MethodOIDC, MethodWebAuthn, MethodBiometric} {
		a := Assess(crossPrincipalInput(method))
		if a.Score < DeviceConflictFloor {
			t.Errorf("%s: conflict diluted to %d, want >= %d", method, a.Score, DeviceConflictFloor)
		}
		if a.Recommendation == RecommendAllow {
			t.Errorf("%s: cross-principal device mapped to allow (score %d)", method, a.Score)
		}
		if !a.DeviceConflict {
			t.Errorf("%s: conflict flag not carried into the assessment", method)
		}
	}
}

func TestAssessWithoutConflictKeepsWeightedScore(t *testing.T) {
	in := crossPrincipalInput(MethodPassword)
	in.DeviceConflict = false

	a := Assess(in)
	// device 80*0.4 + behavioral 10*0.3 + temporal 0 + location 10*0.2 = 37.
	if a.Score != 37 {
		t.Fatalf("weighted score: %d, want 37", a.Score)
	}
	if a.DeviceConflict {
		t.Fatal("conflict flag set without input signal")
	}
}
