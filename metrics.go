package realitycheck

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "realitycheck"

// Metrics holds all Prometheus metrics for the proxy and monitor.
type Metrics struct {
	requestsObserved *prometheus.CounterVec
	trackersTotal    *prometheus.CounterVec
	classifyErrors   prometheus.Counter

	queueOverflow *prometheus.CounterVec
	queueDepth    prometheus.Gauge

	forwardedTotal   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter

	certCacheSize   prometheus.Gauge
	certCacheHits   prometheus.Counter
	certCacheMisses prometheus.Counter

	directoryRules      prometheus.Gauge
	directoryReloads    prometheus.Counter
	directoryReloadErrs prometheus.Counter

	eventsDrained   prometheus.Counter
	malformedEvents prometheus.Counter
	violations      *prometheus.CounterVec
	privacyScore    prometheus.Gauge
	sessions        *prometheus.CounterVec
	monitoring      prometheus.Gauge

	sinkDropped prometheus.Counter
	sinkErrors  *prometheus.CounterVec

	streamSubscribers prometheus.Gauge
	streamDropped     prometheus.Counter

	adminThrottled prometheus.Counter

	registry *prometheus.Registry
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help})
}

// NewMetrics creates a new Metrics instance on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsObserved: counterVec("requests_observed_total", "Requests seen by the classifier.", "result"),
		trackersTotal:    counterVec("trackers_total", "Tracker-bound requests by category and tracking type.", "category", "tracking_type"),
		classifyErrors:   counter("classify_errors_total", "Classification failures recovered on the request path."),

		queueOverflow: counterVec("queue_overflow_total", "Events evicted or dropped because the event queue was full.", "reason"),
		queueDepth:    gauge("queue_depth", "Events waiting in the queue at the last drain."),

		forwardedTotal: counterVec("forwarded_requests_total", "Requests forwarded upstream.", "method", "scheme"),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Upstream round trip duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),
		activeConns:      gauge("active_connections", "Open intercepted tunnels."),
		upstreamErrors:   counterVec("upstream_errors_total", "Upstream forwarding failures.", "host"),
		tlsHandshakeErrs: counter("tls_handshake_errors_total", "TLS handshake failures with clients."),

		certCacheSize:   gauge("cert_cache_size", "Cached leaf certificates."),
		certCacheHits:   counter("cert_cache_hits_total", "Leaf certificate cache hits."),
		certCacheMisses: counter("cert_cache_misses_total", "Leaf certificate cache misses."),

		directoryRules:      gauge("directory_rule_count", "Tracker directory rules loaded."),
		directoryReloads:    counter("directory_reloads_total", "Successful tracker directory reloads."),
		directoryReloadErrs: counter("directory_reload_errors_total", "Failed tracker directory reloads."),

		eventsDrained:   counter("events_drained_total", "Tracking events aggregated by the monitor."),
		malformedEvents: counter("malformed_events_total", "Tracking events rejected by the monitor."),
		violations:      counterVec("violations_total", "Privacy violations by severity.", "severity"),
		privacyScore:    gauge("privacy_score", "Privacy score of the current or last session."),
		sessions:        counterVec("sessions_total", "Monitoring session transitions.", "event"),
		monitoring:      gauge("monitoring", "1 while a monitoring session is active."),

		sinkDropped: counter("sink_dropped_total", "Records dropped because the sink buffer was full."),
		sinkErrors:  counterVec("sink_errors_total", "Sink write failures.", "op"),

		streamSubscribers: gauge("stream_subscribers", "Live event stream subscribers."),
		streamDropped:     counter("stream_dropped_total", "Live stream messages dropped for slow subscribers."),

		adminThrottled: counter("admin_throttled_total", "Admin API requests rejected by the rate limiter."),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsObserved, m.trackersTotal, m.classifyErrors,
		m.queueOverflow, m.queueDepth,
		m.forwardedTotal, m.requestDuration, m.activeConns, m.upstreamErrors, m.tlsHandshakeErrs,
		m.certCacheSize, m.certCacheHits, m.certCacheMisses,
		m.directoryRules, m.directoryReloads, m.directoryReloadErrs,
		m.eventsDrained, m.malformedEvents, m.violations, m.privacyScore, m.sessions, m.monitoring,
		m.sinkDropped, m.sinkErrors,
		m.streamSubscribers, m.streamDropped,
		m.adminThrottled,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a request seen by the classifier.
func (m *Metrics) RecordRequest() {
	m.requestsObserved.WithLabelValues("observed").Inc()
}

// RecordTracker records a tracker-bound request.
func (m *Metrics) RecordTracker(category, trackingType string) {
	m.trackersTotal.WithLabelValues(category, trackingType).Inc()
}

// RecordClassifyError records a recovered classification failure.
func (m *Metrics) RecordClassifyError() {
	m.classifyErrors.Inc()
}

// RecordQueueOverflow records an evicted or dropped event.
func (m *Metrics) RecordQueueOverflow(reason string) {
	m.queueOverflow.WithLabelValues(reason).Inc()
}

// SetQueueDepth sets the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordForwarded records a request forwarded upstream.
func (m *Metrics) RecordForwarded(method, scheme string) {
	m.forwardedTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRequestDuration records the duration of an upstream round trip.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetDirectoryRuleCount sets the tracker rule count.
func (m *Metrics) SetDirectoryRuleCount(count int) {
	m.directoryRules.Set(float64(count))
}

// RecordDirectoryReload records a successful directory reload.
func (m *Metrics) RecordDirectoryReload() {
	m.directoryReloads.Inc()
}

// RecordDirectoryReloadError records a failed directory reload.
func (m *Metrics) RecordDirectoryReloadError() {
	m.directoryReloadErrs.Inc()
}

// RecordEventsDrained records events aggregated in one drain tick.
func (m *Metrics) RecordEventsDrained(n int) {
	m.eventsDrained.Add(float64(n))
}

// RecordMalformedEvent records an event the monitor refused.
func (m *Metrics) RecordMalformedEvent() {
	m.malformedEvents.Inc()
}

// RecordViolation records a privacy violation.
func (m *Metrics) RecordViolation(severity Severity) {
	m.violations.WithLabelValues(string(severity)).Inc()
}

// SetPrivacyScore sets the privacy score gauge.
func (m *Metrics) SetPrivacyScore(score int) {
	m.privacyScore.Set(float64(score))
}

// RecordSession records a session lifecycle event: started, stopped or failed.
func (m *Metrics) RecordSession(event string) {
	m.sessions.WithLabelValues(event).Inc()
	switch event {
	case "started":
		m.monitoring.Set(1)
	case "stopped":
		m.monitoring.Set(0)
	}
}

// RecordSinkDropped records a sink record dropped under backpressure.
func (m *Metrics) RecordSinkDropped() {
	m.sinkDropped.Inc()
}

// RecordSinkError records a failed sink write.
func (m *Metrics) RecordSinkError(op string) {
	m.sinkErrors.WithLabelValues(op).Inc()
}

// SetStreamSubscribers sets the live stream subscriber gauge.
func (m *Metrics) SetStreamSubscribers(n int) {
	m.streamSubscribers.Set(float64(n))
}

// RecordStreamDropped records a live stream message dropped for a slow subscriber.
func (m *Metrics) RecordStreamDropped() {
	m.streamDropped.Inc()
}

// RecordAdminThrottled records an admin API request rejected by the rate limiter.
func (m *Metrics) RecordAdminThrottled() {
	m.adminThrottled.Inc()
}
