package realitycheck

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI exposes the monitor to consumers over HTTP: session control,
// snapshots, the tracker network, violations and the tracker directory.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. JSON responses are compressed when the client
// accepts it; the live event stream at /events/ws is not.
type AdminAPI struct {
	// Monitor is the session orchestrator to expose.
	Monitor *Monitor

	// Controller provides CA download and system helpers (optional).
	Controller *ProxyController

	// Directory is the tracker directory to manage. Mutations require a
	// *Directory or a *ReloadableDirectory.
	Directory TrackerDirectory

	// Broker serves the live event stream (optional).
	Broker *Broker

	// Metrics is served at /metrics when set.
	Metrics *Metrics

	// HealthChecker is served at /healthz and /readyz when set.
	HealthChecker *HealthChecker

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for API routes (default "/api").
	PathPrefix string

	// Compression configures response compression.
	Compression CompressionConfig

	// DefaultDuration is used when POST /session has no duration.
	// Zero means run until stopped.
	DefaultDuration time.Duration

	// ReloadFunc is called when POST /api/reload is invoked. If nil, the
	// reload endpoint returns 501 Not Implemented.
	ReloadFunc ReloadFunc

	// RateLimiter throttles API clients (optional). Metrics, health and
	// the event stream are not limited.
	RateLimiter *RateLimiter

	once    sync.Once
	handler http.Handler
}

// NewAdminAPI creates an AdminAPI for the given monitor. ctrl may be nil.
func NewAdminAPI(m *Monitor, ctrl *ProxyController) *AdminAPI {
	a := &AdminAPI{
		Monitor:     m,
		Controller:  ctrl,
		Logger:      slog.Default(),
		PathPrefix:  "/api",
		Compression: DefaultCompressionConfig(),
	}
	if ctrl != nil {
		a.Directory = ctrl.Directory
	}
	return a
}

func (a *AdminAPI) buildRouter() {
	api := chi.NewRouter()
	api.Use(middleware.Recoverer)
	api.Use(a.sameOrigin)
	api.Use(middleware.AllowContentType("application/json"))

	api.Get("/events/ws", a.handleStream)
	api.Get("/proxy.pac", a.handlePAC)

	api.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		if a.RateLimiter != nil {
			r.Use(a.RateLimiter.Middleware)
		}
		if a.Compression.Enabled {
			r.Use(CompressMiddleware(a.Compression))
		}

		r.Get("/status", a.handleStatus)
		r.Get("/snapshot", a.handleSnapshot)
		r.Get("/network", a.handleNetwork)
		r.Get("/violations", a.handleViolations)
		r.Get("/timeline", a.handleTimeline)
		r.Get("/events", a.handleEvents)
		r.Get("/report", a.handleReport)
		r.Get("/summary", a.handleSummary)

		r.Post("/session", a.handleStartSession)
		r.Delete("/session", a.handleStopSession)

		r.Get("/trackers", a.handleListTrackers)
		r.Post("/trackers", a.handleAddTracker)
		r.Delete("/trackers", a.handleDeleteTracker)
		r.Get("/classify", a.handleClassify)
		r.Post("/reload", a.handleReload)

		r.Get("/certificate", a.handleCertificate)
		r.Get("/certificate/instructions", a.handleCertificateInstructions)
		r.Post("/certificate/install", a.handleInstallCertificate)
		r.Post("/system-proxy", a.handleSystemProxy)

		r.Get("/passthrough", a.handleListPassthrough)
		r.Post("/passthrough", a.handleAddPassthrough)
		r.Delete("/passthrough", a.handleDeletePassthrough)
	})

	root := chi.NewRouter()
	root.Mount(a.PathPrefix, api)
	if a.Metrics != nil {
		root.Handle("/metrics", a.Metrics.Handler())
	}
	if a.HealthChecker != nil {
		root.Get("/healthz", a.HealthChecker.HandleHealthz)
		root.Get("/readyz", a.HealthChecker.HandleReadyz)
	}
	a.handler = root
}

// Handler returns an http.Handler serving the API, metrics and health
// routes. The router is built on first use; set fields before serving.
func (a *AdminAPI) Handler() http.Handler {
	a.once.Do(a.buildRouter)
	return a.handler
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Request and response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status      string            `json:"status"`
	State       MonitorState      `json:"state"`
	Session     MonitoringSession `json:"session"`
	ProxyAddr   string            `json:"proxy_addr,omitempty"`
	RuleCount   int               `json:"rule_count"`
	Subscribers int               `json:"subscribers"`
	Uptime      string            `json:"uptime,omitempty"`
}

// SessionRequest is the body for POST /api/session. A missing body uses the
// API's DefaultDuration.
type SessionRequest struct {
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// TrackersResponse is returned by GET /api/trackers.
type TrackersResponse struct {
	Count    int           `json:"count"`
	Trackers []TrackerRule `json:"trackers"`
}

// TrackerRequest is the body for POST /api/trackers and DELETE /api/trackers.
type TrackerRequest struct {
	Type      string  `json:"type,omitempty"`
	Pattern   string  `json:"pattern"`
	Entity    string  `json:"entity,omitempty"`
	Category  string  `json:"category,omitempty"`
	RiskScore float64 `json:"risk_score,omitempty"`
}

// ClassifyResponse is returned by GET /api/classify.
type ClassifyResponse struct {
	Domain string `json:"domain"`
	Classification
}

// SystemProxyRequest is the body for POST /api/system-proxy.
type SystemProxyRequest struct {
	Enable bool `json:"enable"`
}

// PassthroughRequest is the body for POST /api/passthrough and
// DELETE /api/passthrough.
type PassthroughRequest struct {
	Pattern string `json:"pattern"`
}

// PassthroughResponse is returned by GET /api/passthrough.
type PassthroughResponse struct {
	Count    int      `json:"count"`
	Patterns []string `json:"patterns"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Monitor handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := a.Monitor.Snapshot()
	resp := StatusResponse{
		Status:  "ok",
		State:   snap.State,
		Session: snap.Session,
	}
	if a.Controller != nil {
		resp.ProxyAddr = a.Controller.Addr()
	}
	if d := a.resolveDirectory(); d != nil {
		resp.RuleCount = d.Count()
	}
	if a.Broker != nil {
		resp.Subscribers = a.Broker.Subscribers()
	}
	if a.HealthChecker != nil {
		resp.Uptime = a.HealthChecker.uptime()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Monitor.Snapshot())
}

func (a *AdminAPI) handleNetwork(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Monitor.TrackerNetwork())
}

func (a *AdminAPI) handleViolations(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Monitor.Violations())
}

func (a *AdminAPI) handleTimeline(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Monitor.Timeline())
}

func (a *AdminAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	a.writeJSON(w, http.StatusOK, a.Monitor.Events(limit))
}

func (a *AdminAPI) handleReport(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Monitor.Report())
}

func (a *AdminAPI) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s, ok := a.Monitor.LastSummary()
	if !ok {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no completed session"})
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *AdminAPI) handleStartSession(w http.ResponseWriter, r *http.Request) {
	duration := a.DefaultDuration
	if r.ContentLength != 0 {
		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
			return
		}
		if req.DurationSeconds != nil {
			if *req.DurationSeconds < 0 {
				a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "duration_seconds must not be negative"})
				return
			}
			if *req.DurationSeconds > maxDurationSeconds {
				a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "duration_seconds is too large"})
				return
			}
			duration = time.Duration(*req.DurationSeconds * float64(time.Second))
		}
	}

	handle, err := a.Monitor.Start(duration)
	if err != nil {
		a.writeJSON(w, startErrorStatus(err), ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("session started via admin API", "session", handle.ID, "duration", duration)
	a.writeJSON(w, http.StatusCreated, handle)
}

// maxDurationSeconds is the longest budget a time.Duration can hold.
const maxDurationSeconds = float64(math.MaxInt64 / int64(time.Second))

func startErrorStatus(err error) int {
	var bindErr *ProxyBindError
	switch {
	case errors.Is(err, ErrAlreadyMonitoring):
		return http.StatusConflict
	case errors.As(err, &bindErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *AdminAPI) handleStopSession(w http.ResponseWriter, r *http.Request) {
	summary := a.Monitor.Stop(r.Context())
	if summary.Session.ID != "" {
		a.Logger.Info("session stopped via admin API", "session", summary.Session.ID)
	}
	a.writeJSON(w, http.StatusOK, summary)
}

func (a *AdminAPI) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.Broker == nil {
		w.Header().Set("Content-Type", "application/json")
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "event stream not configured"})
		return
	}
	a.Broker.ServeWS(w, r)
}

// --------------------------------------------------------------------------
// Directory handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleListTrackers(w http.ResponseWriter, _ *http.Request) {
	d := a.resolveDirectory()
	if d == nil {
		a.writeJSON(w, http.StatusOK, TrackersResponse{Trackers: []TrackerRule{}})
		return
	}
	rules := d.Rules()
	a.writeJSON(w, http.StatusOK, TrackersResponse{Count: len(rules), Trackers: rules})
}

func (a *AdminAPI) handleAddTracker(w http.ResponseWriter, r *http.Request) {
	d := a.resolveDirectory()
	if d == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "directory does not support rule management"})
		return
	}

	req, ok := a.decodeTracker(w, r)
	if !ok {
		return
	}
	if req.Entity == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "entity is required"})
		return
	}

	rule := TrackerRule{
		Type:      req.Type,
		Pattern:   req.Pattern,
		Entity:    req.Entity,
		Category:  req.Category,
		RiskScore: req.RiskScore,
	}
	if err := d.AddRule(rule); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("tracker added via admin API", "type", rule.Type, "pattern", rule.Pattern, "entity", rule.Entity)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "tracker added"})
}

func (a *AdminAPI) handleDeleteTracker(w http.ResponseWriter, r *http.Request) {
	d := a.resolveDirectory()
	if d == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "directory does not support rule management"})
		return
	}

	req, ok := a.decodeTracker(w, r)
	if !ok {
		return
	}
	if !d.RemoveRule(req.Type, req.Pattern) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "tracker not found"})
		return
	}

	a.Logger.Info("tracker removed via admin API", "type", req.Type, "pattern", req.Pattern)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "tracker removed"})
}

func (a *AdminAPI) decodeTracker(w http.ResponseWriter, r *http.Request) (TrackerRequest, bool) {
	var req TrackerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return req, false
	}
	if req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pattern is required"})
		return req, false
	}
	if req.Type == "" {
		req.Type = RuleDomain
	}
	return req, true
}

func (a *AdminAPI) handleClassify(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "domain is required"})
		return
	}
	if a.Directory == nil {
		a.writeJSON(w, http.StatusOK, ClassifyResponse{Domain: domain})
		return
	}
	a.writeJSON(w, http.StatusOK, ClassifyResponse{Domain: domain, Classification: a.Directory.Classify(domain)})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.ReloadFunc(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("tracker directory reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

// --------------------------------------------------------------------------
// Certificate and system helper handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleCertificate(w http.ResponseWriter, _ *http.Request) {
	var pem []byte
	if a.Controller != nil {
		pem = a.Controller.CACertificate()
	}
	if pem == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "CA not loaded; start a session first"})
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="realitycheck-ca.pem"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pem)
}

func (a *AdminAPI) handleCertificateInstructions(w http.ResponseWriter, _ *http.Request) {
	if !a.requireController(w) {
		return
	}
	a.writeJSON(w, http.StatusOK, a.Controller.CertificateInstructions())
}

func (a *AdminAPI) handleInstallCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.requireController(w) {
		return
	}
	a.writeJSON(w, http.StatusOK, a.Controller.InstallCertificate(r.Context()))
}

func (a *AdminAPI) handleSystemProxy(w http.ResponseWriter, r *http.Request) {
	if !a.requireController(w) {
		return
	}
	var req SystemProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Controller.ConfigureSystemProxy(r.Context(), req.Enable))
}

// handlePAC serves a proxy auto-config file pointing at the running proxy.
func (a *AdminAPI) handlePAC(w http.ResponseWriter, r *http.Request) {
	if a.Controller == nil || a.Controller.Addr() == "" {
		w.Header().Set("Content-Type", "application/json")
		a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "proxy is not running"})
		return
	}
	NewPACGenerator(a.Controller.Addr()).ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Passthrough handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) passthrough(w http.ResponseWriter) *PassthroughList {
	if !a.requireController(w) {
		return nil
	}
	if a.Controller.Passthrough == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "passthrough list not configured"})
		return nil
	}
	return a.Controller.Passthrough
}

func (a *AdminAPI) handleListPassthrough(w http.ResponseWriter, _ *http.Request) {
	l := a.passthrough(w)
	if l == nil {
		return
	}
	patterns := l.Patterns()
	a.writeJSON(w, http.StatusOK, PassthroughResponse{Count: len(patterns), Patterns: patterns})
}

func (a *AdminAPI) handleAddPassthrough(w http.ResponseWriter, r *http.Request) {
	l := a.passthrough(w)
	if l == nil {
		return
	}
	var req PassthroughRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := l.Add(req.Pattern); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	a.Logger.Info("passthrough added via admin API", "pattern", req.Pattern)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "passthrough added"})
}

func (a *AdminAPI) handleDeletePassthrough(w http.ResponseWriter, r *http.Request) {
	l := a.passthrough(w)
	if l == nil {
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pattern is required"})
		return
	}
	if !l.Remove(pattern) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "pattern not found"})
		return
	}
	a.Logger.Info("passthrough removed via admin API", "pattern", pattern)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "passthrough removed"})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// resolveDirectory extracts a *Directory from the configured directory,
// supporting both *Directory and *ReloadableDirectory.
func (a *AdminAPI) resolveDirectory() *Directory {
	switch d := a.Directory.(type) {
	case *Directory:
		return d
	case *ReloadableDirectory:
		return d.Directory()
	default:
		return nil
	}
}

func (a *AdminAPI) requireController(w http.ResponseWriter) bool {
	if a.Controller == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "proxy controller not configured"})
		return false
	}
	return true
}

// sameOrigin rejects browser requests whose Origin is not the API's own
// host. Requests without an Origin header are non-browser clients.
func (a *AdminAPI) sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if u, err := url.Parse(origin); err != nil || !strings.EqualFold(u.Host, r.Host) {
			a.Logger.Warn("admin API cross-origin request rejected", "origin", origin, "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			a.writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "cross-origin request rejected"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
