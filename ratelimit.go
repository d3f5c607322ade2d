package realitycheck

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter throttles admin API clients with a token bucket per client IP.
// The proxy itself is never rate limited.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	// Rate is the number of requests permitted per second per client.
	Rate float64

	// Burst is the most requests a client can make at once.
	Burst int

	// CleanupInterval controls how often idle buckets are dropped.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	// Metrics counts throttled requests (optional).
	Metrics *Metrics

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter creates a per-client limiter allowing rate requests per
// second with bursts of up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		buckets:         make(map[string]*tokenBucket),
		Rate:            rate,
		Burst:           burst,
		CleanupInterval: time.Minute,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the client at addr may make a request now. When it
// may not, wait is how long until the next token.
func (rl *RateLimiter) Allow(addr string) (ok bool, wait time.Duration) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[host]
	if !exists {
		rl.buckets[host] = &tokenBucket{tokens: float64(rl.Burst) - 1, lastTime: now}
		return true, 0
	}

	b.tokens = math.Min(float64(rl.Burst), b.tokens+now.Sub(b.lastTime).Seconds()*rl.Rate)
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rl.Rate <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / rl.Rate * float64(time.Second))
}

// Middleware rejects throttled requests with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Allow(r.RemoteAddr)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		if rl.Metrics != nil {
			rl.Metrics.RecordAdminThrottled()
		}
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "rate limit exceeded"})
	})
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.sweep(rl.now().Add(-2 * interval))
		}
	}
}

// sweep drops buckets idle since before cutoff.
func (rl *RateLimiter) sweep(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastTime.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}
