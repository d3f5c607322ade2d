package realitycheck

import (
	"math"
	"time"
)

// ScoreWeights parameterize the privacy score. Each factor subtracts
// min(value*Weight, Cap) from 100.
type ScoreWeights struct {
	EntityWeight float64 `mapstructure:"entity_weight" json:"entity_weight"`
	EntityCap    float64 `mapstructure:"entity_cap" json:"entity_cap"`

	// Rate is trackers per minute of session time.
	RateWeight float64 `mapstructure:"rate_weight" json:"rate_weight"`
	RateCap    float64 `mapstructure:"rate_cap" json:"rate_cap"`

	ViolationWeight float64 `mapstructure:"violation_weight" json:"violation_weight"`
	ViolationCap    float64 `mapstructure:"violation_cap" json:"violation_cap"`

	// Data points are counted in hundreds.
	DataWeight float64 `mapstructure:"data_weight" json:"data_weight"`
	DataCap    float64 `mapstructure:"data_cap" json:"data_cap"`
}

// DefaultScoreWeights returns the standard weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		EntityWeight:    2,
		EntityCap:       40,
		RateWeight:      2,
		RateCap:         30,
		ViolationWeight: 3,
		ViolationCap:    20,
		DataWeight:      2,
		DataCap:         10,
	}
}

// ScoreInput is the aggregate state the privacy score is computed from.
type ScoreInput struct {
	UniqueEntities int
	TotalTrackers  int64
	Violations     int64
	DataPoints     int64
	Elapsed        time.Duration
}

// CalculatePrivacyScore returns a score in [0,100]; higher is more private.
// Sessions shorter than a minute always score 100. The function is pure.
func CalculatePrivacyScore(in ScoreInput, w ScoreWeights) int {
	minutes := in.Elapsed.Minutes()
	if minutes < 1 {
		return 100
	}

	score := 100.0
	score -= math.Min(float64(in.UniqueEntities)*w.EntityWeight, w.EntityCap)
	score -= math.Min(float64(in.TotalTrackers)/minutes*w.RateWeight, w.RateCap)
	score -= math.Min(float64(in.Violations)*w.ViolationWeight, w.ViolationCap)
	score -= math.Min(float64(in.DataPoints)/100*w.DataWeight, w.DataCap)

	if math.IsNaN(score) {
		return 0
	}
	return int(math.Max(0, math.Min(100, score)))
}

// ViolationPolicy decides which tracking events are privacy violations.
type ViolationPolicy struct {
	// Threshold is the minimum risk score that creates a violation.
	Threshold float64 `mapstructure:"threshold" json:"threshold"`

	// CriticalAt is the minimum risk score graded critical.
	CriticalAt float64 `mapstructure:"critical_at" json:"critical_at"`
}

// DefaultViolationPolicy returns the standard thresholds.
func DefaultViolationPolicy() ViolationPolicy {
	return ViolationPolicy{Threshold: 8.0, CriticalAt: 9.0}
}

// Evaluate reports whether ev is a violation and its severity.
func (p ViolationPolicy) Evaluate(ev TrackingEvent) (Severity, bool) {
	if ev.RiskScore < p.Threshold {
		return "", false
	}
	if ev.RiskScore < p.CriticalAt {
		return SeverityHigh, true
	}
	return SeverityCritical, true
}
