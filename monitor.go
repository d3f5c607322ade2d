package realitycheck

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MonitorState is the monitor lifecycle state.
type MonitorState int32

const (
	MonitorIdle MonitorState = iota
	MonitorStarting
	MonitorMonitoring
	MonitorStopping
)

func (s MonitorState) String() string {
	switch s {
	case MonitorIdle:
		return "idle"
	case MonitorStarting:
		return "starting"
	case MonitorMonitoring:
		return "monitoring"
	case MonitorStopping:
		return "stopping"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s MonitorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *MonitorState) UnmarshalText(b []byte) error {
	for st := MonitorIdle; st <= MonitorStopping; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown monitor state %q", b)
}

// MonitorConfig holds the monitor tunables.
type MonitorConfig struct {
	// Host and Port are passed to the proxy on start.
	Host string
	Port int

	// TickInterval is the drain loop period.
	TickInterval time.Duration

	// DrainBatch caps events aggregated per tick.
	DrainBatch int

	// RingCapacity bounds the retained events, timeline and violations.
	RingCapacity int

	// JoinTimeout bounds how long Stop waits for the drain loop.
	JoinTimeout time.Duration

	// SnapshotEvents is the number of recent events in a Snapshot.
	SnapshotEvents int

	Weights ScoreWeights
	Policy  ViolationPolicy
}

// DefaultMonitorConfig returns monitor defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		TickInterval:   500 * time.Millisecond,
		DrainBatch:     DefaultQueueCapacity,
		RingCapacity:   DefaultRingCapacity,
		JoinTimeout:    5 * time.Second,
		SnapshotEvents: 10,
		Weights:        DefaultScoreWeights(),
		Policy:         DefaultViolationPolicy(),
	}
}

// SessionStatus describes how a monitoring session ended.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// MonitoringSession is one start-to-stop monitoring run.
type MonitoringSession struct {
	ID             string        `json:"id"`
	StartTime      time.Time     `json:"start_time"`
	DurationBudget time.Duration `json:"duration_budget,omitempty"`
	EndTime        time.Time     `json:"end_time,omitzero"`
	Status         SessionStatus `json:"status,omitempty"`
}

// SessionHandle is returned by a successful Start.
type SessionHandle struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration,omitempty"`
	ProxyAddr string        `json:"proxy_addr"`
	CACreated bool          `json:"ca_created"`
	CAPath    string        `json:"ca_path,omitempty"`
}

// Summary is the final report of a session, or a "not running" result.
type Summary struct {
	Running      bool              `json:"running"`
	Message      string            `json:"message,omitempty"`
	Session      MonitoringSession `json:"session"`
	Elapsed      time.Duration     `json:"elapsed"`
	PrivacyScore int               `json:"privacy_score"`
	Stats        Stats             `json:"stats"`
	TopEntities  []EntityCount     `json:"top_entities"`
	Queue        QueueStats        `json:"queue"`
}

// Snapshot is an immutable view of the live aggregate.
type Snapshot struct {
	State        MonitorState      `json:"state"`
	Session      MonitoringSession `json:"session"`
	Elapsed      time.Duration     `json:"elapsed"`
	PrivacyScore int               `json:"privacy_score"`
	Stats        Stats             `json:"stats"`
	RecentEvents []TrackingEvent   `json:"recent_events"`
	Queue        QueueStats        `json:"queue"`
	Proxy        RuntimeStats      `json:"proxy"`
}

// Report is the detailed session report.
type Report struct {
	Snapshot          Snapshot               `json:"snapshot"`
	Network           TrackerNetworkGraph    `json:"network"`
	Violations        []PrivacyViolation     `json:"violations"`
	Timeline          []TimelineEntry        `json:"timeline"`
	TopTrackers       []EntityCount          `json:"top_trackers"`
	CategoryBreakdown map[string]int64       `json:"category_breakdown"`
	TrackingMethods   map[TrackingType]int64 `json:"tracking_methods"`
}

const topEntityCount = 10

// Monitor drains tracking events into the session aggregate and owns the
// session lifecycle. Start and Stop are serialized; readers take a read
// lock over the whole aggregate.
type Monitor struct {
	Config MonitorConfig

	// Sink persists events and violations (optional). Writes must not block;
	// wrap slow sinks in an AsyncSink.
	Sink Sink

	// Publisher receives live updates (optional).
	Publisher Publisher

	Logger  *slog.Logger
	Metrics *Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	ctrl  Lifecycle
	queue *EventQueue

	state     atomic.Int32
	lifecycle sync.Mutex

	mu          sync.RWMutex
	agg         *aggregate
	session     MonitoringSession
	lastSummary *Summary
	proxy       RuntimeStats

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates an idle monitor driving ctrl and draining queue.
func NewMonitor(ctrl Lifecycle, queue *EventQueue, cfg MonitorConfig) *Monitor {
	return &Monitor{
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
		ctrl:   ctrl,
		queue:  queue,
		agg:    newAggregate(cfg.RingCapacity),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() MonitorState {
	return MonitorState(m.state.Load())
}

// Start begins a session bounded by duration (0 for unbounded). It returns a
// *StateError wrapping ErrAlreadyMonitoring unless the monitor is idle, and
// the proxy's *StartupError if the proxy cannot start.
func (m *Monitor) Start(duration time.Duration) (SessionHandle, error) {
	if !m.state.CompareAndSwap(int32(MonitorIdle), int32(MonitorStarting)) {
		return SessionHandle{}, &StateError{Op: "start", State: m.State(), Err: ErrAlreadyMonitoring}
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	// Events left over from the previous session are dropped before the
	// proxy comes up; anything classified after that belongs to this one.
	if n := m.queue.Discard(); n > 0 {
		m.Logger.Debug("discarded stale events", "count", n)
	}

	res, err := m.ctrl.Start(m.Config.Host, m.Config.Port)
	if err != nil {
		m.state.Store(int32(MonitorIdle))
		if m.Metrics != nil {
			m.Metrics.RecordSession("failed")
		}
		m.Logger.Error("monitor start failed", "error", err)
		return SessionHandle{}, err
	}

	session := MonitoringSession{
		ID:             uuid.NewString(),
		StartTime:      m.Now(),
		DurationBudget: duration,
		Status:         SessionActive,
	}

	m.mu.Lock()
	m.agg.reset()
	m.session = session
	m.proxy = m.ctrl.RuntimeStats()
	m.state.Store(int32(MonitorMonitoring))
	m.mu.Unlock()

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done, session)

	if m.Metrics != nil {
		m.Metrics.RecordSession("started")
		m.Metrics.SetPrivacyScore(100)
	}
	m.publish("session", session)
	m.Logger.Info("monitoring started", "session", session.ID, "proxy", res.Addr, "duration", duration)

	return SessionHandle{
		ID:        session.ID,
		StartTime: session.StartTime,
		Duration:  duration,
		ProxyAddr: res.Addr,
		CACreated: res.CACreated,
		CAPath:    res.CAPath,
	}, nil
}

// run is the drain loop. It exits after a final drain when stop closes, or
// when the duration budget elapses, in which case it triggers Stop.
func (m *Monitor) run(stop, done chan struct{}, session MonitoringSession) {
	defer close(done)

	tick := m.Config.TickInterval
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			m.drain()
			return
		case <-ticker.C:
			m.drain()
			if session.DurationBudget > 0 && m.Now().Sub(session.StartTime) >= session.DurationBudget {
				m.Logger.Info("monitoring duration elapsed", "session", session.ID, "duration", session.DurationBudget)
				go m.stopSession(context.Background(), SessionExpired)
				return
			}
		}
	}
}

// drain aggregates one batch of queued events.
func (m *Monitor) drain() {
	batch := m.Config.DrainBatch
	if batch <= 0 {
		batch = DefaultQueueCapacity
	}
	events := m.queue.Drain(batch)
	proxy := m.ctrl.RuntimeStats()

	var accepted []TrackingEvent
	var violations []PrivacyViolation

	m.mu.Lock()
	for _, ev := range events {
		if v, ok := m.applyEvent(ev); ok {
			accepted = append(accepted, ev)
			if v != nil {
				violations = append(violations, *v)
			}
		}
	}
	m.proxy = proxy
	m.agg.stats.TotalRequests = proxy.RequestCount
	m.agg.stats.TotalTrackers = proxy.TrackerCount
	score := m.scoreLocked()
	m.mu.Unlock()

	if m.Metrics != nil {
		m.Metrics.SetQueueDepth(m.queue.Len())
		m.Metrics.SetPrivacyScore(score)
		if len(events) > 0 {
			m.Metrics.RecordEventsDrained(len(events))
		}
		for _, v := range violations {
			m.Metrics.RecordViolation(v.Severity)
		}
	}

	// Sink and stream writes happen outside the aggregate lock.
	ctx := context.Background()
	for _, ev := range accepted {
		if m.Sink != nil {
			if err := m.Sink.RecordEvent(ctx, ev); err != nil {
				m.Logger.Debug("sink event write failed", "error", err)
			}
		}
		m.publish("event", ev)
	}
	for _, v := range violations {
		if m.Sink != nil {
			if err := m.Sink.RecordViolation(ctx, v); err != nil {
				m.Logger.Debug("sink violation write failed", "error", err)
			}
		}
		m.publish("violation", v)
	}
}

// applyEvent validates and aggregates ev. Malformed events and panics are
// logged and skipped. Callers hold m.mu.
func (m *Monitor) applyEvent(ev TrackingEvent) (v *PrivacyViolation, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error("aggregating event panicked", "event", ev.ID, "panic", r)
			if m.Metrics != nil {
				m.Metrics.RecordMalformedEvent()
			}
			v, ok = nil, false
		}
	}()

	if err := ev.Validate(); err != nil {
		m.Logger.Warn("skipping malformed event", "event", ev.ID, "error", err)
		if m.Metrics != nil {
			m.Metrics.RecordMalformedEvent()
		}
		return nil, false
	}
	return m.agg.apply(ev, m.Config.Policy), true
}

// elapsedLocked is the session duration, frozen once the session ends.
func (m *Monitor) elapsedLocked() time.Duration {
	if m.session.StartTime.IsZero() {
		return 0
	}
	if !m.session.EndTime.IsZero() {
		return m.session.EndTime.Sub(m.session.StartTime)
	}
	return m.Now().Sub(m.session.StartTime)
}

func (m *Monitor) scoreLocked() int {
	s := m.agg.stats
	return CalculatePrivacyScore(ScoreInput{
		UniqueEntities: s.UniqueEntities,
		TotalTrackers:  s.TotalTrackers,
		Violations:     s.HighRiskViolations,
		DataPoints:     s.DataPointsLeaked,
		Elapsed:        m.elapsedLocked(),
	}, m.Config.Weights)
}

// Stop ends the session and returns its summary. Stopping an idle monitor
// is a no-op that returns a summary with Running false.
func (m *Monitor) Stop(ctx context.Context) Summary {
	return m.stopSession(ctx, SessionCompleted)
}

func (m *Monitor) stopSession(ctx context.Context, status SessionStatus) Summary {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.state.CompareAndSwap(int32(MonitorMonitoring), int32(MonitorStopping)) {
		return Summary{Running: false, Message: "not running"}
	}

	close(m.stop)

	if err := m.ctrl.Stop(ctx); err != nil {
		m.Logger.Warn("proxy stop", "error", err)
	}

	timeout := m.Config.JoinTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	joined := true
	select {
	case <-m.done:
	case <-timer.C:
		joined = false
	case <-ctx.Done():
		joined = false
	}
	if joined {
		// Catch events the proxy produced between the loop's last drain
		// and its shutdown.
		m.drain()
	} else {
		w := &ShutdownTimeoutWarning{Component: "drain loop", Timeout: timeout}
		m.Logger.Warn("drain loop join timed out", "warning", w.Error())
	}

	m.mu.Lock()
	m.session.EndTime = m.Now()
	m.session.Status = status
	summary := Summary{
		Running:      true,
		Session:      m.session,
		Elapsed:      m.elapsedLocked(),
		PrivacyScore: m.scoreLocked(),
		Stats:        m.agg.stats.clone(),
		TopEntities:  m.agg.topEntities(topEntityCount),
		Queue:        m.queue.Stats(),
	}
	m.lastSummary = &summary
	m.state.Store(int32(MonitorIdle))
	m.mu.Unlock()

	if m.Metrics != nil {
		m.Metrics.RecordSession("stopped")
		m.Metrics.SetPrivacyScore(summary.PrivacyScore)
	}
	m.publish("session", summary.Session)
	m.logSummary(summary)
	return summary
}

func (m *Monitor) logSummary(s Summary) {
	top := make([]string, 0, len(s.TopEntities))
	for _, e := range s.TopEntities {
		top = append(top, fmt.Sprintf("%s=%d", e.Entity, e.Count))
	}
	m.Logger.Info("monitoring stopped",
		"session", s.Session.ID,
		"status", s.Session.Status,
		"elapsed", s.Elapsed.Round(time.Second),
		"privacy_score", s.PrivacyScore,
		"requests", s.Stats.TotalRequests,
		"trackers", s.Stats.TotalTrackers,
		"entities", s.Stats.UniqueEntities,
		"violations", s.Stats.HighRiskViolations,
		"data_points", s.Stats.DataPointsLeaked,
		"top_entities", top,
	)
}

func (m *Monitor) publish(kind string, data any) {
	if m.Publisher == nil {
		return
	}
	m.Publisher.Publish(StreamMessage{Type: kind, Timestamp: m.Now(), Data: data})
}

// Snapshot returns an immutable copy of the aggregate.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// snapshotLocked reads the state under m.mu, which is held whenever the
// state moves to or from monitoring alongside the session it describes.
func (m *Monitor) snapshotLocked() Snapshot {
	state := m.State()
	n := m.Config.SnapshotEvents
	if n <= 0 {
		n = 10
	}
	return Snapshot{
		State:        state,
		Session:      m.session,
		Elapsed:      m.elapsedLocked(),
		PrivacyScore: m.scoreLocked(),
		Stats:        m.agg.stats.clone(),
		RecentEvents: m.agg.events.last(n),
		Queue:        m.queue.Stats(),
		Proxy:        m.proxy,
	}
}

// TrackerNetwork rebuilds the user-to-entity graph.
func (m *Monitor) TrackerNetwork() TrackerNetworkGraph {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.network()
}

// Violations returns the retained violations, oldest first.
func (m *Monitor) Violations() []PrivacyViolation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.violations.last(-1)
}

// Timeline returns the retained timeline, oldest first.
func (m *Monitor) Timeline() []TimelineEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.timeline.last(-1)
}

// Events returns up to n of the newest retained events, oldest first.
// n < 0 returns all.
func (m *Monitor) Events(n int) []TrackingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.events.last(n)
}

// LastSummary returns the summary of the most recently stopped session.
func (m *Monitor) LastSummary() (Summary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSummary == nil {
		return Summary{}, false
	}
	return *m.lastSummary, true
}

// Report returns the detailed report of the current or last session.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Report{
		Snapshot:          m.snapshotLocked(),
		Network:           m.agg.network(),
		Violations:        m.agg.violations.last(-1),
		Timeline:          m.agg.timeline.last(-1),
		TopTrackers:       m.agg.topEntities(topEntityCount),
		CategoryBreakdown: maps.Clone(m.agg.stats.Categories),
		TrackingMethods:   maps.Clone(m.agg.stats.TrackingTypes),
	}
}
