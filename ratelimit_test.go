package realitycheck

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeClock drives a RateLimiter without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRateLimiter(t *testing.T, rate float64, burst int) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(rate, burst)
	rl.now = clock.now
	t.Cleanup(rl.Close)
	return rl, clock
}

func TestRateLimiter_Burst(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 10, 5)

	for range 5 {
		if ok, _ := rl.Allow("192.168.1.1:1234"); !ok {
			t.Fatal("first 5 requests should be allowed (burst)")
		}
	}
	ok, wait := rl.Allow("192.168.1.1:1234")
	if ok {
		t.Fatal("6th request should be denied")
	}
	if wait <= 0 || wait > 100*time.Millisecond {
		t.Errorf("wait = %v, want (0, 100ms]", wait)
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, clock := newTestRateLimiter(t, 2, 2)

	rl.Allow("10.0.0.1:5000")
	rl.Allow("10.0.0.1:5000")
	if ok, _ := rl.Allow("10.0.0.1:5000"); ok {
		t.Fatal("bucket should be empty")
	}

	clock.advance(500 * time.Millisecond)
	if ok, _ := rl.Allow("10.0.0.1:5000"); !ok {
		t.Fatal("one token should have refilled")
	}

	clock.advance(time.Hour)
	allowed := 0
	for range 10 {
		if ok, _ := rl.Allow("10.0.0.1:5000"); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d after long idle, want burst cap 2", allowed)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 1, 1)

	if ok, _ := rl.Allow("client-a:1"); !ok {
		t.Fatal("client A first request should be allowed")
	}
	if ok, _ := rl.Allow("client-b:1"); !ok {
		t.Fatal("client B has an independent bucket")
	}
	if ok, _ := rl.Allow("client-a:2"); ok {
		t.Fatal("client A is keyed by IP, not port")
	}
	if ok, _ := rl.Allow("192.168.1.1"); !ok {
		t.Fatal("address without port should work")
	}
	if n := rl.ClientCount(); n != 3 {
		t.Errorf("ClientCount = %d, want 3", n)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 0.5, 1)
	rl.Metrics = NewMetrics()

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.RemoteAddr = "192.168.1.1:9999"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := testutil.ToFloat64(rl.Metrics.adminThrottled); got != 1 {
		t.Errorf("admin_throttled_total = %v, want 1", got)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl, clock := newTestRateLimiter(t, 10, 5)

	rl.Allow("old:1")
	clock.advance(10 * time.Minute)
	rl.Allow("fresh:1")

	rl.sweep(clock.now().Add(-2 * time.Minute))

	if n := rl.ClientCount(); n != 1 {
		t.Errorf("ClientCount = %d after sweep, want 1", n)
	}
}

func TestRateLimiter_CloseIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	rl.Close()
	rl.Close()
}
