package realitycheck

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool is the pooled upstream transport used to forward intercepted
// requests. It counts requests and upstream failures for the admin status.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections per host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	IdleConnTimeout time.Duration

	// DialTimeout bounds the TCP dial. Zero means 30 seconds.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the upstream TLS handshake.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 negotiates h2 with upstream servers.
	EnableHTTP2 bool

	// TLSConfig for upstream connections (optional).
	TLSConfig *tls.Config

	// Upstream chains forwarded requests through a parent proxy (optional).
	Upstream *UpstreamProxy

	transport atomic.Pointer[http.Transport]

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failures       atomic.Int64
}

// NewTransportPool creates a TransportPool with forward-proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// Build creates the underlying transport, closing idle connections of any
// previous one.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := &tls.Config{}
	if tp.TLSConfig != nil {
		tlsCfg = tp.TLSConfig.Clone()
	}
	if tp.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     tp.EnableHTTP2,
	}
	if tp.Upstream != nil {
		t.Proxy = tp.Upstream.ProxyFunc()
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t
}

// Transport returns a counting RoundTripper over the pooled transport,
// building it on first use.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return poolRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle upstream connections.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// TransportPoolStats is a snapshot of upstream forwarding counters.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	Failures       int64 `json:"failures"`
}

// Stats returns the current forwarding counters.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.totalRequests.Load(),
		ActiveRequests: tp.activeRequests.Load(),
		Failures:       tp.failures.Load(),
	}
}

type poolRoundTripper struct {
	pool *TransportPool
}

func (rt poolRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.totalRequests.Add(1)
	rt.pool.activeRequests.Add(1)
	defer rt.pool.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}

	resp, err := t.RoundTrip(req)
	if err != nil {
		rt.pool.failures.Add(1)
	}
	return resp, err
}
