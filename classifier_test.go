package realitycheck

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestClassifier(dir TrackerDirectory, queue *EventQueue) (*Classifier, *RuntimeCounters) {
	counters := &RuntimeCounters{}
	c := NewClassifier(dir, queue, counters)
	c.Logger = discardLogger()
	return c, counters
}

func mustRequest(t *testing.T, method, rawURL string, header http.Header) *InterceptedRequest {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %s: %v", rawURL, err)
	}
	if header == nil {
		header = http.Header{}
	}
	return &InterceptedRequest{Method: method, URL: u, Header: header}
}

func TestClassifier_AnalyticsWithCookie(t *testing.T) {
	dir := NewDefaultDirectory()

	verdict := dir.Classify("google-analytics.com")
	if !verdict.IsTracker || verdict.Category != "Analytics" {
		t.Fatalf("Classify = %+v, want Analytics tracker", verdict)
	}

	queue := NewEventQueue(10)
	c, counters := newTestClassifier(dir, queue)

	h := http.Header{}
	h.Set("Cookie", "_ga=1")
	ev, ok := c.Observe(mustRequest(t, "GET", "https://google-analytics.com/collect", h))
	if !ok {
		t.Fatal("expected a tracking event")
	}
	if ev.Type != TrackingAnalytics {
		t.Errorf("type = %q, want Analytics", ev.Type)
	}
	if !slices.Equal(ev.Cookies, []string{"_ga=1"}) {
		t.Errorf("cookies = %v, want [_ga=1]", ev.Cookies)
	}
	if ev.Entity != "Google Analytics" || ev.Domain != "google-analytics.com" {
		t.Errorf("unexpected event %+v", ev)
	}
	if counters.Requests() != 1 || counters.Trackers() != 1 {
		t.Errorf("counters = %d/%d, want 1/1", counters.Requests(), counters.Trackers())
	}
	if queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", queue.Len())
	}
}

func TestClassifier_UnknownDomain(t *testing.T) {
	queue := NewEventQueue(10)
	c, counters := newTestClassifier(NewDefaultDirectory(), queue)

	before := counters.Requests()
	if _, ok := c.Observe(mustRequest(t, "GET", "https://example.com/", nil)); ok {
		t.Error("example.com should not be a tracker")
	}
	if got := counters.Requests() - before; got != 1 {
		t.Errorf("request count moved by %d, want 1", got)
	}
	if counters.Trackers() != 0 || queue.Len() != 0 {
		t.Errorf("unexpected tracker activity: trackers=%d queue=%d", counters.Trackers(), queue.Len())
	}
}

func TestClassifier_FailsOpen(t *testing.T) {
	dir := DirectoryFunc(func(string) Classification { panic("directory exploded") })
	queue := NewEventQueue(10)
	c, counters := newTestClassifier(dir, queue)

	ev, ok := c.Observe(mustRequest(t, "GET", "https://tracker.test/", nil))
	if ok || ev.ID != "" {
		t.Errorf("panicking classification should yield no event, got %+v", ev)
	}
	if counters.Requests() != 1 {
		t.Errorf("requests = %d, want 1", counters.Requests())
	}
	if counters.Trackers() != 0 {
		t.Errorf("trackers = %d, want 0", counters.Trackers())
	}
}

func TestClassifier_NilAndHostless(t *testing.T) {
	c, counters := newTestClassifier(NewDefaultDirectory(), NewEventQueue(1))

	if _, ok := c.Observe(nil); ok {
		t.Error("nil request classified as tracker")
	}
	if _, ok := c.Observe(&InterceptedRequest{Method: "GET", URL: &url.URL{Path: "/"}}); ok {
		t.Error("hostless request classified as tracker")
	}
	if counters.Requests() != 2 {
		t.Errorf("requests = %d, want 2", counters.Requests())
	}
}

func TestClassifier_EventInvariants(t *testing.T) {
	dir := NewDirectory()
	dir.AddDomain("over.test", "Over", "Analytics", 42)
	dir.AddDomain("under.test", "Under", "Analytics", -3)

	c, _ := newTestClassifier(dir, NewEventQueue(10))
	for _, target := range []string{"https://over.test/", "https://under.test/"} {
		ev, ok := c.Observe(mustRequest(t, "GET", target, nil))
		if !ok {
			t.Fatalf("%s: expected event", target)
		}
		if ev.RiskScore < MinRiskScore || ev.RiskScore > MaxRiskScore {
			t.Errorf("%s: risk %v out of range", target, ev.RiskScore)
		}
		if !ev.Type.Valid() {
			t.Errorf("%s: invalid type %q", target, ev.Type)
		}
		if err := ev.Validate(); err != nil {
			t.Errorf("%s: %v", target, err)
		}
	}
}

func TestDetectTrackingType(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		category string
		cookie   bool
		want     TrackingType
	}{
		{"pixel path", "https://www.facebook.com/tr?id=1", "Social Tracking", false, TrackingPixel},
		{"beacon", "https://x.test/beacon/v1", "Analytics", false, TrackingPixel},
		{"1x1", "https://x.test/img/1x1.gif", "", false, TrackingPixel},
		{"tracking gif", "https://x.test/img/spacer.gif?src=tracking", "", false, TrackingPixel},
		{"plain gif", "https://x.test/img/logo.gif", "", false, TrackingUnknown},
		{"analytics category", "https://mixpanel.com/engage", "Analytics", false, TrackingAnalytics},
		{"stats host", "https://stats.x.test/", "", false, TrackingAnalytics},
		{"ad network category", "https://criteo.com/", "Ad Network", false, TrackingAdvertising},
		{"doubleclick host", "https://doubleclick.net/", "", false, TrackingAdvertising},
		{"social category", "https://facebook.net/sdk.js", "Social Tracking", false, TrackingSocialMedia},
		{"fingerprint category", "https://fpjs.io/", "Fingerprinting", false, TrackingFingerprinting},
		{"fingerprint path", "https://x.test/fingerprint.js", "Data Broker", false, TrackingFingerprinting},
		{"cookie fallback", "https://x.test/sync", "Data Broker", true, TrackingThirdPartyCookie},
		{"unknown", "https://x.test/sync", "Data Broker", false, TrackingUnknown},
		{"pixel beats analytics", "https://analytics.x.test/pixel", "Analytics", true, TrackingPixel},
		{"analytics beats ads", "https://ads.x.test/stats", "Ad Network", false, TrackingAnalytics},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			if err != nil {
				t.Fatal(err)
			}
			if got := DetectTrackingType(u, tt.category, tt.cookie); got != tt.want {
				t.Errorf("DetectTrackingType(%s, %q, %v) = %q, want %q", tt.url, tt.category, tt.cookie, got, tt.want)
			}
		})
	}
}

func TestClassifier_Signals(t *testing.T) {
	dir := NewDirectory()
	dir.AddDomain("collect.test", "Collector", "Data Broker", 6)
	c, _ := newTestClassifier(dir, NewEventQueue(10))

	t.Run("json body keys only", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Type", "application/json; charset=utf-8")
		h.Set("Content-Length", "42")
		h.Set("Referer", "https://news.test/")
		h.Set("User-Agent", "test-agent")
		req := mustRequest(t, "POST", "https://collect.test/e", h)
		req.Body = []byte(`{"email":"a@b.test","uid":7,"nested":{"secret":1}}`)

		ev, ok := c.Observe(req)
		if !ok {
			t.Fatal("expected event")
		}
		s := ev.Signals
		if !slices.Equal(s.JSONKeys, []string{"email", "nested", "uid"}) {
			t.Errorf("json keys = %v", s.JSONKeys)
		}
		if !s.HasReferrer || s.HasCookies || s.UserAgent != "test-agent" || s.ContentLength != 42 {
			t.Errorf("unexpected signals %+v", s)
		}
		for _, k := range s.JSONKeys {
			if strings.Contains(k, "a@b.test") {
				t.Error("body values leaked into signals")
			}
		}
		if ev.HeaderCount != 4 {
			t.Errorf("header count = %d, want 4", ev.HeaderCount)
		}
		if got := ev.DataPoints(); got != 0+4+5 {
			t.Errorf("data points = %d, want 9", got)
		}
	})

	t.Run("form body", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Type", "application/x-www-form-urlencoded")
		req := mustRequest(t, "POST", "https://collect.test/f", h)
		req.Body = []byte("a=1&b=2")

		ev, _ := c.Observe(req)
		if !ev.Signals.HasFormData || ev.Signals.JSONKeys != nil {
			t.Errorf("unexpected signals %+v", ev.Signals)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		req := mustRequest(t, "POST", "https://collect.test/j", h)
		req.Body = []byte(`[1,2,3]`)

		ev, ok := c.Observe(req)
		if !ok || ev.Signals.JSONKeys != nil {
			t.Errorf("non-object JSON should yield no keys, got %+v", ev.Signals)
		}
	})

	t.Run("multiple cookie headers", func(t *testing.T) {
		h := http.Header{}
		h.Add("Cookie", "a=1; b=2")
		h.Add("Cookie", " c=3 ;")
		ev, _ := c.Observe(mustRequest(t, "GET", "https://collect.test/c", h))
		if !slices.Equal(ev.Cookies, []string{"a=1", "b=2", "c=3"}) {
			t.Errorf("cookies = %v", ev.Cookies)
		}
	})
}

func TestClassifier_Timestamp(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c, _ := newTestClassifier(NewDefaultDirectory(), nil)
	c.Now = func() time.Time { return fixed }

	ev, ok := c.Observe(mustRequest(t, "GET", "https://doubleclick.net/x", nil))
	if !ok || !ev.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, fixed)
	}
}

func TestClassifier_ConcurrentCounting(t *testing.T) {
	queue := NewEventQueue(50)
	queue.Logger = discardLogger()
	c, counters := newTestClassifier(NewDefaultDirectory(), queue)

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				target := "https://example.com/"
				if i%2 == 0 {
					target = "https://www.google-analytics.com/g/collect"
				}
				u, _ := url.Parse(target)
				c.Observe(&InterceptedRequest{Method: "GET", URL: u, Header: http.Header{}})
			}
		}(w)
	}
	wg.Wait()

	if got := counters.Requests(); got != workers*perWorker {
		t.Errorf("requests = %d, want %d", got, workers*perWorker)
	}
	if got := counters.Trackers(); got != workers*perWorker/2 {
		t.Errorf("trackers = %d, want %d", got, workers*perWorker/2)
	}
	if queue.Len() > queue.Cap() {
		t.Errorf("queue over capacity: %d", queue.Len())
	}
}

func BenchmarkClassifier_Observe(b *testing.B) {
	queue := NewEventQueue(1024)
	queue.Logger = discardLogger()
	c, _ := newTestClassifier(NewDefaultDirectory(), queue)
	u, _ := url.Parse("https://www.google-analytics.com/g/collect?v=2")
	h := http.Header{}
	h.Set("Cookie", "_ga=GA1.1.1; _gid=GA1.1.2")
	req := &InterceptedRequest{Method: "GET", URL: u, Header: h}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Observe(req)
		if i%512 == 0 {
			queue.Discard()
		}
	}
}
