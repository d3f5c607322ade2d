package realitycheck

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes. Liveness follows the
// process; readiness requires SetReady(true) and every named check to pass.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// ReadinessCheck returns nil if the component is ready.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetAlive marks the process as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the process as ready to serve.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive returns true if the process is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady returns true if ready and all checks pass.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

func (h *HealthChecker) failures() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for _, c := range h.checks {
		if err := c.check(); err != nil {
			out = append(out, fmt.Sprintf("%s: %v", c.name, err))
		}
	}
	return out
}

func (h *HealthChecker) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	status := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "not yet ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	if failures := h.failures(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeHealth(w, http.StatusOK, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
