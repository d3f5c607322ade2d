package realitycheck

import (
	"math/rand"
	"testing"
	"time"
)

func TestCalculatePrivacyScore(t *testing.T) {
	w := DefaultScoreWeights()

	tests := []struct {
		name string
		in   ScoreInput
		want int
	}{
		{"under a minute", ScoreInput{UniqueEntities: 50, TotalTrackers: 1000, Violations: 100, DataPoints: 1e6, Elapsed: 59 * time.Second}, 100},
		{"clean session", ScoreInput{Elapsed: 10 * time.Minute}, 100},
		{"entities only", ScoreInput{UniqueEntities: 5, Elapsed: time.Minute}, 90},
		{"entity cap", ScoreInput{UniqueEntities: 100, Elapsed: time.Minute}, 60},
		{"tracker rate", ScoreInput{TotalTrackers: 20, Elapsed: 10 * time.Minute}, 96},
		{"rate cap", ScoreInput{TotalTrackers: 10000, Elapsed: time.Minute}, 70},
		{"violations", ScoreInput{Violations: 4, Elapsed: time.Minute}, 88},
		{"data points", ScoreInput{DataPoints: 250, Elapsed: time.Minute}, 95},
		{"everything capped", ScoreInput{UniqueEntities: 100, TotalTrackers: 1e6, Violations: 100, DataPoints: 1e6, Elapsed: time.Minute}, 0},
		{"truncates", ScoreInput{UniqueEntities: 1, TotalTrackers: 1, Elapsed: 3 * time.Minute}, 97},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculatePrivacyScore(tt.in, w); got != tt.want {
				t.Errorf("score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCalculatePrivacyScore_RangeAndPurity(t *testing.T) {
	w := DefaultScoreWeights()
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		in := ScoreInput{
			UniqueEntities: r.Intn(200),
			TotalTrackers:  r.Int63n(100000),
			Violations:     r.Int63n(1000),
			DataPoints:     r.Int63n(1000000),
			Elapsed:        time.Duration(r.Int63n(int64(24 * time.Hour))),
		}
		got := CalculatePrivacyScore(in, w)
		if got < 0 || got > 100 {
			t.Fatalf("score %d out of range for %+v", got, in)
		}
		if again := CalculatePrivacyScore(in, w); again != got {
			t.Fatalf("score not deterministic: %d then %d", got, again)
		}
	}
}

func TestViolationPolicy_Evaluate(t *testing.T) {
	p := DefaultViolationPolicy()

	tests := []struct {
		risk     float64
		want     bool
		severity Severity
	}{
		{7.99, false, ""},
		{8.0, true, SeverityHigh},
		{8.99, true, SeverityHigh},
		{9.0, true, SeverityCritical},
		{10, true, SeverityCritical},
	}

	for _, tt := range tests {
		sev, ok := p.Evaluate(TrackingEvent{RiskScore: tt.risk})
		if ok != tt.want || sev != tt.severity {
			t.Errorf("Evaluate(%v) = %q,%v want %q,%v", tt.risk, sev, ok, tt.severity, tt.want)
		}
	}
}
