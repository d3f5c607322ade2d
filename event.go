package realitycheck

import (
	"math"
	"time"
)

// TrackingType is the technique a tracker-bound request was classified as.
type TrackingType string

// The fixed set of tracking types, in classifier precedence order.
const (
	TrackingPixel            TrackingType = "Tracking Pixel"
	TrackingAnalytics        TrackingType = "Analytics"
	TrackingAdvertising      TrackingType = "Ad Tracking"
	TrackingSocialMedia      TrackingType = "Social Media Tracking"
	TrackingFingerprinting   TrackingType = "Device Fingerprinting"
	TrackingThirdPartyCookie TrackingType = "Third-Party Cookie"
	TrackingUnknown          TrackingType = "Unknown Tracker"
)

// TrackingTypes returns every valid tracking type in precedence order.
func TrackingTypes() []TrackingType {
	return []TrackingType{
		TrackingPixel,
		TrackingAnalytics,
		TrackingAdvertising,
		TrackingSocialMedia,
		TrackingFingerprinting,
		TrackingThirdPartyCookie,
		TrackingUnknown,
	}
}

// Valid reports whether t is one of the enumerated tracking types.
func (t TrackingType) Valid() bool {
	switch t {
	case TrackingPixel, TrackingAnalytics, TrackingAdvertising, TrackingSocialMedia,
		TrackingFingerprinting, TrackingThirdPartyCookie, TrackingUnknown:
		return true
	}
	return false
}

// Risk scores are on a closed 0-10 scale.
const (
	MinRiskScore = 0.0
	MaxRiskScore = 10.0
)

// ClampRisk bounds a risk score to [MinRiskScore, MaxRiskScore]. NaN maps to 0.
func ClampRisk(score float64) float64 {
	if math.IsNaN(score) {
		return MinRiskScore
	}
	return math.Max(MinRiskScore, math.Min(MaxRiskScore, score))
}

// DataSignals describes what a tracker request carried. Only the presence of
// data is recorded: header values other than the user agent are never kept,
// and for JSON bodies only the top-level key names are captured.
type DataSignals struct {
	HasCookies    bool     `json:"has_cookies"`
	HasReferrer   bool     `json:"has_referrer"`
	UserAgent     string   `json:"user_agent"`
	ContentLength int64    `json:"content_length"`
	JSONKeys      []string `json:"json_keys,omitempty"`
	HasFormData   bool     `json:"has_form_data,omitempty"`
}

// Count returns the number of signals present, used for the data-points tally.
// The four base signals are always reported; the body signals only when seen.
func (s DataSignals) Count() int {
	n := 4
	if s.JSONKeys != nil {
		n++
	}
	if s.HasFormData {
		n++
	}
	return n
}

// TrackingEvent is a single intercepted request identified as tracker-bound.
// Events are immutable once built by the classifier.
type TrackingEvent struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	URL         string       `json:"url"`
	Method      string       `json:"method"`
	Domain      string       `json:"domain"`
	Entity      string       `json:"entity"`
	Category    string       `json:"category"`
	RiskScore   float64      `json:"risk_score"`
	Cookies     []string     `json:"cookies"`
	HeaderCount int          `json:"header_count"`
	Type        TrackingType `json:"tracking_type"`
	Signals     DataSignals  `json:"signals"`
}

// DataPoints is the number of cookies, headers and signals the request leaked.
func (e TrackingEvent) DataPoints() int {
	return len(e.Cookies) + e.HeaderCount + e.Signals.Count()
}

// Validate reports why an event cannot be aggregated, or nil.
func (e TrackingEvent) Validate() error {
	switch {
	case e.Entity == "":
		return errMalformedEvent("missing entity")
	case math.IsNaN(e.RiskScore) || e.RiskScore < MinRiskScore || e.RiskScore > MaxRiskScore:
		return errMalformedEvent("risk score out of range")
	case !e.Type.Valid():
		return errMalformedEvent("unknown tracking type " + string(e.Type))
	case e.Timestamp.IsZero():
		return errMalformedEvent("missing timestamp")
	}
	return nil
}

// Severity grades a privacy violation.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ViolationContext is the snapshot of the triggering event stored on a violation.
type ViolationContext struct {
	URL         string  `json:"url"`
	RiskScore   float64 `json:"risk_score"`
	CookieCount int     `json:"cookies"`
	Category    string  `json:"category"`
}

// PrivacyViolation is a tracking event whose risk crossed the violation threshold.
type PrivacyViolation struct {
	ID          string           `json:"id"`
	EventID     string           `json:"event_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Severity    Severity         `json:"severity"`
	Type        TrackingType     `json:"type"`
	Entity      string           `json:"entity"`
	Description string           `json:"description"`
	Context     ViolationContext `json:"data"`
}

// TimelineEntry is one point on the session timeline.
type TimelineEntry struct {
	Timestamp    time.Time    `json:"timestamp"`
	EventType    string       `json:"event_type"`
	Entity       string       `json:"entity"`
	Category     string       `json:"category"`
	TrackingType TrackingType `json:"tracking_type"`
	URL          string       `json:"url"`
	RiskScore    float64      `json:"risk_score"`
}
