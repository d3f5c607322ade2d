package realitycheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ProxyState is the lifecycle state of the interception engine.
type ProxyState int32

const (
	ProxyStopped ProxyState = iota
	ProxyRunning
	ProxyCrashed
)

func (s ProxyState) String() string {
	switch s {
	case ProxyStopped:
		return "stopped"
	case ProxyRunning:
		return "running"
	case ProxyCrashed:
		return "crashed"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s ProxyState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ProxyState) UnmarshalText(b []byte) error {
	for st := ProxyStopped; st <= ProxyCrashed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown proxy state %q", b)
}

// RuntimeCounters are the request and tracker totals written by classifier
// goroutines. All methods are safe for concurrent use.
type RuntimeCounters struct {
	requests atomic.Int64
	trackers atomic.Int64
}

// IncRequest counts one observed request.
func (c *RuntimeCounters) IncRequest() { c.requests.Add(1) }

// IncTracker counts one tracker-bound request.
func (c *RuntimeCounters) IncTracker() { c.trackers.Add(1) }

// Requests returns the observed request count.
func (c *RuntimeCounters) Requests() int64 { return c.requests.Load() }

// Trackers returns the tracker-bound request count.
func (c *RuntimeCounters) Trackers() int64 { return c.trackers.Load() }

// Reset zeroes both counters.
func (c *RuntimeCounters) Reset() {
	c.requests.Store(0)
	c.trackers.Store(0)
}

// RuntimeStats is a point-in-time read of the controller counters.
type RuntimeStats struct {
	RequestCount int64      `json:"request_count"`
	TrackerCount int64      `json:"tracker_count"`
	State        ProxyState `json:"state"`
}

// StartResult describes a successful or idempotent start.
type StartResult struct {
	Addr           string `json:"addr"`
	AlreadyRunning bool   `json:"already_running"`

	// CACreated is true when a new CA was generated on this start and must
	// be installed before HTTPS interception is trusted.
	CACreated bool   `json:"ca_created"`
	CAPath    string `json:"ca_path,omitempty"`
}

// Lifecycle is the proxy lifecycle the monitor drives.
type Lifecycle interface {
	Start(host string, port int) (StartResult, error)
	Stop(ctx context.Context) error
	RuntimeStats() RuntimeStats
}

// Engine serves intercepted traffic on a listener. *Proxy is the default.
type Engine interface {
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
	Close() error
}

// ControllerConfig holds the ProxyController tunables.
type ControllerConfig struct {
	// CACertPath and CAKeyPath locate the interception CA. A new CA is
	// generated there on first start when both are absent.
	CACertPath string
	CAKeyPath  string

	CAOrganization string
	CAValidYears   int

	// BindTimeout bounds how long Start waits for the listener.
	BindTimeout time.Duration

	// JoinTimeout bounds how long Stop waits for the engine to exit.
	JoinTimeout time.Duration

	// MaxCaptureBytes bounds request body capture for signal extraction.
	MaxCaptureBytes int64
}

// DefaultControllerConfig returns controller defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		CACertPath:      "realitycheck-ca.pem",
		CAKeyPath:       "realitycheck-ca-key.pem",
		CAOrganization:  DefaultCAOrganization,
		CAValidYears:    10,
		BindTimeout:     5 * time.Second,
		JoinTimeout:     5 * time.Second,
		MaxCaptureBytes: DefaultMaxCaptureBytes,
	}
}

// ProxyController owns the interception engine lifecycle and the runtime
// counters. Start and Stop are serialized; RuntimeStats is lock-free.
type ProxyController struct {
	Config ControllerConfig

	// Directory classifies intercepted domains
	Directory TrackerDirectory

	// Queue receives tracking events
	Queue *EventQueue

	// CertManager overrides CA loading when set
	CertManager *CertManager

	// Logger for lifecycle events
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog writes one entry per forwarded request (optional)
	AccessLog *AccessLogger

	// HealthChecker is marked ready while the engine runs (optional)
	HealthChecker *HealthChecker

	// TransportPool forwards upstream requests (optional)
	TransportPool *TransportPool

	// Passthrough hosts are tunneled without interception (optional)
	Passthrough *PassthroughList

	// Upstream chains outbound traffic through a parent proxy (optional)
	Upstream *UpstreamProxy

	// NewEngine builds the engine for a start. Defaults to a *Proxy.
	NewEngine func(obs RequestObserver, cm *CertManager) Engine

	counters RuntimeCounters
	state    atomic.Int32

	mu         sync.Mutex
	engine     Engine
	done       chan struct{}
	addr       string
	classifier *Classifier
}

// NewProxyController creates a controller feeding queue from dir.
func NewProxyController(cfg ControllerConfig, dir TrackerDirectory, queue *EventQueue) *ProxyController {
	return &ProxyController{
		Config:    cfg,
		Directory: dir,
		Queue:     queue,
		Logger:    slog.Default(),
	}
}

// Counters returns the live runtime counters.
func (c *ProxyController) Counters() *RuntimeCounters {
	return &c.counters
}

// State returns the current engine state.
func (c *ProxyController) State() ProxyState {
	return ProxyState(c.state.Load())
}

// Addr returns the bound listener address, or "" when never started.
func (c *ProxyController) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// RuntimeStats reads the counters and state without locking.
func (c *ProxyController) RuntimeStats() RuntimeStats {
	return RuntimeStats{
		RequestCount: c.counters.Requests(),
		TrackerCount: c.counters.Trackers(),
		State:        c.State(),
	}
}

// Start materializes the CA, binds host:port and serves in the background.
// Starting a running controller is a no-op that reports AlreadyRunning.
// Failures are returned as *StartupError and leave the controller stopped.
func (c *ProxyController) Start(host string, port int) (StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case ProxyRunning:
		return StartResult{Addr: c.addr, AlreadyRunning: true}, nil
	case ProxyCrashed:
		return StartResult{}, ErrProxyCrashed
	}

	var result StartResult
	if c.CertManager == nil {
		cm, created, err := LoadOrCreateCA(c.Config.CACertPath, c.Config.CAKeyPath, c.Config.CAOrganization, c.Config.CAValidYears)
		if err != nil {
			return StartResult{}, &StartupError{Stage: "certificate", Err: err}
		}
		if created {
			c.Logger.Warn("generated new interception CA; install it to trust intercepted HTTPS", "path", c.Config.CACertPath)
		}
		c.CertManager = cm
		result.CACreated = created
		result.CAPath = c.Config.CACertPath
	}
	c.CertManager.Metrics = c.Metrics

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	l, err := c.bind(addr)
	if err != nil {
		return StartResult{}, &StartupError{Stage: "bind", Err: err}
	}

	c.counters.Reset()
	c.classifier = NewClassifier(c.Directory, c.Queue, &c.counters)
	c.classifier.Logger = c.Logger
	c.classifier.Metrics = c.Metrics

	engine := c.newEngine()
	done := make(chan struct{})
	c.engine, c.done, c.addr = engine, done, l.Addr().String()
	c.state.Store(int32(ProxyRunning))

	go c.serve(engine, l, done)

	if c.HealthChecker != nil {
		c.HealthChecker.SetReady(true)
	}
	c.Logger.Info("proxy started", "addr", c.addr)

	result.Addr = c.addr
	return result, nil
}

type bindResult struct {
	l   net.Listener
	err error
}

// bind listens on addr in its own goroutine and waits up to BindTimeout
// for confirmation. A listener that arrives late is closed.
func (c *ProxyController) bind(addr string) (net.Listener, error) {
	timeout := c.Config.BindTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	bound := make(chan bindResult, 1)
	go func() {
		l, err := net.Listen("tcp", addr)
		bound <- bindResult{l: l, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-bound:
		if res.err != nil {
			return nil, newProxyBindError(addr, res.err)
		}
		return res.l, nil
	case <-timer.C:
		go func() {
			if res := <-bound; res.l != nil {
				_ = res.l.Close()
			}
		}()
		return nil, newProxyBindError(addr, errBindTimeout)
	}
}

func (c *ProxyController) newEngine() Engine {
	if c.NewEngine != nil {
		return c.NewEngine(c.classifier, c.CertManager)
	}
	p := NewProxy(c.CertManager)
	p.Observer = c.classifier
	p.BodyCapture = NewBodyCapture(c.Config.MaxCaptureBytes)
	p.Logger = c.Logger
	p.Metrics = c.Metrics
	p.AccessLog = c.AccessLog
	p.HealthChecker = c.HealthChecker
	p.Passthrough = c.Passthrough
	p.Upstream = c.Upstream
	if c.Upstream != nil && c.TransportPool == nil {
		c.TransportPool = NewTransportPool()
		c.TransportPool.Upstream = c.Upstream
	}
	p.TransportPool = c.TransportPool
	return p
}

// serve runs the engine. An exit that Stop did not request marks the
// controller crashed; counters keep their last values.
func (c *ProxyController) serve(engine Engine, l net.Listener, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.crashed(fmt.Errorf("panic: %v", r))
		}
	}()

	err := engine.Serve(l)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("engine exited")
	}
	c.crashed(err)
}

func (c *ProxyController) crashed(err error) {
	if !c.state.CompareAndSwap(int32(ProxyRunning), int32(ProxyCrashed)) {
		return
	}
	c.Logger.Error("proxy engine stopped unexpectedly", "error", err)
	if c.HealthChecker != nil {
		c.HealthChecker.SetReady(false)
	}
}

// Stop shuts the engine down and waits up to JoinTimeout (or ctx) for it to
// exit. On timeout the engine is force-closed and a *ShutdownTimeoutWarning
// returned; the controller is stopped either way. Stopping a stopped
// controller is a no-op.
func (c *ProxyController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ProxyState(c.state.Swap(int32(ProxyStopped))) == ProxyStopped {
		return nil
	}
	if c.HealthChecker != nil {
		c.HealthChecker.SetReady(false)
	}

	timeout := c.Config.JoinTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	engine, done := c.engine, c.done
	c.engine, c.done = nil, nil

	if err := engine.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		c.Logger.Debug("engine shutdown", "error", err)
	}

	select {
	case <-done:
		c.Logger.Info("proxy stopped", "addr", c.addr)
		return nil
	case <-ctx.Done():
		_ = engine.Close()
		w := &ShutdownTimeoutWarning{Component: "proxy engine", Timeout: timeout}
		c.Logger.Warn("proxy engine join timed out", "warning", w.Error())
		return w
	}
}
