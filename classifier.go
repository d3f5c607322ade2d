package realitycheck

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InterceptedRequest is the read-only view of a proxied request handed to
// the classifier. Header lookups are case-insensitive.
type InterceptedRequest struct {
	Method string
	URL    *url.URL
	Header http.Header

	// Body holds the captured request body, or nil when it was not captured.
	Body []byte
}

// RequestObserver is notified once per intercepted request. Implementations
// must not block and must not modify the request.
type RequestObserver interface {
	Observe(req *InterceptedRequest) (TrackingEvent, bool)
}

// Classifier turns intercepted requests into tracking events. It runs on the
// proxy's request goroutines and is safe for concurrent use.
type Classifier struct {
	// Directory decides whether a domain is a tracker.
	Directory TrackerDirectory

	// Queue receives tracking events. Events are dropped when nil.
	Queue *EventQueue

	// Counters holds the runtime request and tracker totals.
	Counters *RuntimeCounters

	// Logger for recovered classification failures
	Logger *slog.Logger

	// Metrics for request and tracker counts (optional)
	Metrics *Metrics

	// Now returns the event timestamp. Defaults to time.Now.
	Now func() time.Time
}

// NewClassifier creates a classifier feeding queue and counting into counters.
func NewClassifier(dir TrackerDirectory, queue *EventQueue, counters *RuntimeCounters) *Classifier {
	return &Classifier{
		Directory: dir,
		Queue:     queue,
		Counters:  counters,
		Logger:    slog.Default(),
		Now:       time.Now,
	}
}

// Observe classifies req. Every call counts one request, even if
// classification fails. For tracker-bound requests the tracker count is
// incremented and the event offered to the queue; the event is returned with
// ok set so callers can log it.
//
// Observe never panics: failures are logged and the request is treated as
// not a tracker.
func (c *Classifier) Observe(req *InterceptedRequest) (ev TrackingEvent, ok bool) {
	if c.Counters != nil {
		c.Counters.IncRequest()
	}
	if c.Metrics != nil {
		c.Metrics.RecordRequest()
	}

	defer func() {
		if r := recover(); r != nil {
			err := &ClassificationError{URL: requestURL(req), Err: fmt.Errorf("panic: %v", r)}
			c.Logger.Error("classification failed", "error", err)
			if c.Metrics != nil {
				c.Metrics.RecordClassifyError()
			}
			ev, ok = TrackingEvent{}, false
		}
	}()

	if req == nil || req.URL == nil {
		return TrackingEvent{}, false
	}

	domain := strings.ToLower(req.URL.Hostname())
	if domain == "" {
		return TrackingEvent{}, false
	}

	verdict := c.Directory.Classify(domain)
	if !verdict.IsTracker {
		return TrackingEvent{}, false
	}

	ev = c.buildEvent(req, domain, verdict)

	if c.Counters != nil {
		c.Counters.IncTracker()
	}
	if c.Metrics != nil {
		c.Metrics.RecordTracker(ev.Category, string(ev.Type))
	}
	if c.Queue != nil {
		c.Queue.Offer(ev)
	}

	return ev, true
}

func (c *Classifier) buildEvent(req *InterceptedRequest, domain string, verdict Classification) TrackingEvent {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	header := req.Header
	if header == nil {
		header = http.Header{}
	}

	cookies := splitCookies(header)
	headerCount := 0
	for _, values := range header {
		headerCount += len(values)
	}

	return TrackingEvent{
		ID:          uuid.NewString(),
		Timestamp:   now(),
		URL:         req.URL.String(),
		Method:      req.Method,
		Domain:      domain,
		Entity:      verdict.Entity,
		Category:    verdict.Category,
		RiskScore:   ClampRisk(verdict.RiskScore),
		Cookies:     cookies,
		HeaderCount: headerCount,
		Type:        DetectTrackingType(req.URL, verdict.Category, header.Get("Cookie") != ""),
		Signals:     extractSignals(header, req.Body),
	}
}

// DetectTrackingType picks the tracking technique for a tracker-bound URL.
// The first matching rule wins:
//
//  1. pixel-shaped URL
//  2. analytics category or analytics/stats in host or path
//  3. ad network category or ad/doubleclick in host or path
//  4. social tracking category
//  5. fingerprinting category or fingerprint in path
//  6. any cookie sent
//  7. unknown
func DetectTrackingType(u *url.URL, category string, hasCookie bool) TrackingType {
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)
	hostPath := host + path
	full := strings.ToLower(u.String())

	switch {
	case isPixel(hostPath, path, full):
		return TrackingPixel
	case category == "Analytics" || strings.Contains(hostPath, "analytics") || strings.Contains(hostPath, "stats"):
		return TrackingAnalytics
	case category == "Ad Network" || strings.Contains(hostPath, "ad") || strings.Contains(hostPath, "doubleclick"):
		return TrackingAdvertising
	case category == "Social Tracking":
		return TrackingSocialMedia
	case category == "Fingerprinting" || strings.Contains(path, "fingerprint"):
		return TrackingFingerprinting
	case hasCookie:
		return TrackingThirdPartyCookie
	}
	return TrackingUnknown
}

var pixelMarkers = []string{"/tr", "/pixel", "/beacon", "1x1"}

func isPixel(hostPath, path, full string) bool {
	for _, m := range pixelMarkers {
		if strings.Contains(hostPath, m) {
			return true
		}
	}
	if strings.HasSuffix(path, ".gif") || strings.HasSuffix(path, ".png") {
		return strings.Contains(full, "tracking")
	}
	return false
}

// splitCookies returns the cookie pairs sent, in order, trimmed.
func splitCookies(h http.Header) []string {
	var out []string
	for _, line := range h.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func extractSignals(h http.Header, body []byte) DataSignals {
	s := DataSignals{
		HasCookies:  h.Get("Cookie") != "",
		HasReferrer: h.Get("Referer") != "",
		UserAgent:   h.Get("User-Agent"),
	}
	if n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil && n > 0 {
		s.ContentLength = n
	}

	mediaType, _, _ := mime.ParseMediaType(h.Get("Content-Type"))
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		s.JSONKeys = jsonKeys(body)
	case strings.Contains(mediaType, "form"):
		s.HasFormData = true
	}
	return s
}

// jsonKeys returns the sorted top-level keys of a JSON object body. Values
// are never retained. Returns nil for anything that is not an object.
func jsonKeys(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func requestURL(req *InterceptedRequest) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return req.URL.String()
}
