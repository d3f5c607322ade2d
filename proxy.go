package realitycheck

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultCAPath is where the proxy serves its CA certificate to direct
// (non-proxied) requests.
const DefaultCAPath = "/realitycheck-ca.pem"

// Proxy is an HTTPS-intercepting forward proxy. Every request it forwards is
// handed to the Observer first; the proxy never blocks or rewrites traffic.
type Proxy struct {
	// CertManager mints leaf certificates for intercepted hosts
	CertManager *CertManager

	// Observer is notified of every intercepted request (optional)
	Observer RequestObserver

	// BodyCapture buffers small request bodies for the Observer (optional)
	BodyCapture *BodyCapture

	// Logger for proxy events
	Logger *slog.Logger

	// Transport for outbound requests (optional, uses default if nil)
	Transport http.RoundTripper

	// TransportPool takes precedence over Transport when set
	TransportPool *TransportPool

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// HealthChecker serves /healthz and /readyz to direct requests (optional)
	HealthChecker *HealthChecker

	// AccessLog writes one entry per forwarded request (optional)
	AccessLog *AccessLogger

	// Passthrough hosts are tunneled without interception (optional)
	Passthrough *PassthroughList

	// Upstream dials passthrough tunnels through a parent proxy (optional)
	Upstream *UpstreamProxy

	// CAPath serves the CA certificate to direct requests. Empty disables it.
	CAPath string

	// IdleTimeout bounds how long an intercepted TLS connection waits for
	// the next request. Zero means 30 seconds.
	IdleTimeout time.Duration

	mu     sync.Mutex
	srv    *http.Server
	tunnel map[net.Conn]struct{}
	closed bool
}

// NewProxy creates a new HTTPS MITM proxy.
func NewProxy(cm *CertManager) *Proxy {
	return &Proxy{
		CertManager: cm,
		Logger:      slog.Default(),
		Transport:   http.DefaultTransport,
		CAPath:      DefaultCAPath,
	}
}

// Serve accepts proxy connections on l until Shutdown or Close. It returns
// http.ErrServerClosed after a requested shutdown.
func (p *Proxy) Serve(l net.Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return http.ErrServerClosed
	}
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.Logger.Handler(), slog.LevelDebug),
	}
	srv := p.srv
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", l.Addr().String())
	return srv.Serve(l)
}

// Shutdown stops accepting connections, closes intercepted tunnels and waits
// for in-flight plain HTTP requests until ctx is done.
func (p *Proxy) Shutdown(ctx context.Context) error {
	srv := p.stop()
	p.closeTunnels()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Close immediately closes the listener and every connection.
func (p *Proxy) Close() error {
	srv := p.stop()
	p.closeTunnels()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (p *Proxy) stop() *http.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.srv
}

func (p *Proxy) trackTunnel(c net.Conn, add bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		if p.closed {
			return false
		}
		if p.tunnel == nil {
			p.tunnel = make(map[net.Conn]struct{})
		}
		p.tunnel[c] = struct{}{}
		return true
	}
	delete(p.tunnel, c)
	return true
}

func (p *Proxy) closeTunnels() {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.tunnel))
	for c := range p.tunnel {
		conns = append(conns, c)
	}
	p.tunnel = nil
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}

	// Direct requests carry an origin-form URL with no host.
	if r.URL.Host == "" {
		p.handleDirect(w, r)
		return
	}

	p.handleHTTP(w, r)
}

func (p *Proxy) handleDirect(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.CAPath != "" && r.URL.Path == p.CAPath && p.CertManager != nil:
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Content-Disposition", `attachment; filename="realitycheck-ca.pem"`)
		_, _ = w.Write(p.CertManager.CACertPEM())
	case p.HealthChecker != nil && r.URL.Path == "/healthz":
		p.HealthChecker.HandleHealthz(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/readyz":
		p.HealthChecker.HandleReadyz(w, r)
	default:
		http.Error(w, "this is a proxy; configure it as your HTTP(S) proxy", http.StatusBadRequest)
	}
}

// handleConnect handles HTTPS CONNECT requests (MITM interception).
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	p.Logger.Debug("CONNECT", "host", r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !p.trackTunnel(clientConn, true) {
		_ = clientConn.Close()
		return
	}
	defer p.trackTunnel(clientConn, false)

	if p.Passthrough.Matches(r.Host) {
		p.passthrough(clientConn, r)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Debug("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	target := r.Host
	host := target
	if h, port, err := net.SplitHostPort(target); err == nil {
		host = h
		if port == "443" {
			target = h
		}
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	_ = clientConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsClientConn.Handshake(); err != nil {
		p.Logger.Debug("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}
	_ = clientConn.SetDeadline(time.Time{})

	p.handleTLSConnection(tlsClientConn, target)
}

// passthrough splices the client to the origin without interception. The
// tunnel is opaque, so nothing is observed.
func (p *Proxy) passthrough(clientConn net.Conn, r *http.Request) {
	defer func() { _ = clientConn.Close() }()

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	upstream, err := p.dialTunnel(ctx, target)
	cancel()
	if err != nil {
		p.Logger.Warn("passthrough dial", "target", target, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(r.URL.Hostname())
		}
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"))
		p.logAccess(r, http.StatusBadGateway, 0, time.Since(start), err, TrackingEvent{}, false)
		return
	}
	if !p.trackTunnel(upstream, true) {
		_ = upstream.Close()
		return
	}
	defer p.trackTunnel(upstream, false)
	defer func() { _ = upstream.Close() }()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	if p.Metrics != nil {
		p.Metrics.RecordForwarded(http.MethodConnect, "tunnel")
	}
	p.Logger.Debug("passthrough", "target", target)

	down := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(clientConn, upstream)
		down <- n
	}()
	_, _ = io.Copy(upstream, clientConn)

	// Either side finishing ends the tunnel.
	_ = upstream.Close()
	_ = clientConn.Close()
	written := <-down
	p.logAccess(r, http.StatusOK, written, time.Since(start), nil, TrackingEvent{}, false)
}

func (p *Proxy) dialTunnel(ctx context.Context, addr string) (net.Conn, error) {
	if p.Upstream != nil {
		return p.Upstream.DialConnect(ctx, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// handleTLSConnection reads requests from a decrypted tunnel, observes and
// forwards each one.
func (p *Proxy) handleTLSConnection(conn *tls.Conn, target string) {
	defer func() { _ = conn.Close() }()

	idle := p.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	reader := bufio.NewReader(conn)
	client := conn.RemoteAddr().String()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				p.Logger.Debug("read request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.URL.Host == "" {
			req.URL.Host = target
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}
		if req.Host == "" {
			req.Host = target
		}
		req.RemoteAddr = client

		ev, tracked := p.observe(req)

		start := time.Now()
		resp, err := p.forwardRequest(req)
		if err != nil {
			p.forwardFailed(req, err, start, ev, tracked)
			p.writeErrorResponse(conn, err)
			continue
		}
		if p.Metrics != nil {
			p.Metrics.RecordForwarded(req.Method, "https")
			p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
		}

		err = resp.Write(conn)
		_ = resp.Body.Close()
		p.logAccess(req, resp.StatusCode, resp.ContentLength, time.Since(start), err, ev, tracked)
		if err != nil {
			p.Logger.Debug("write response", "error", err)
			return
		}
		if req.Close || resp.Close {
			return
		}
	}
}

// handleHTTP handles plain HTTP proxy requests (non-CONNECT).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	ev, tracked := p.observe(r)

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	start := time.Now()
	resp, err := p.transport().RoundTrip(outReq)
	if err != nil {
		p.forwardFailed(r, err, start, ev, tracked)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if p.Metrics != nil {
		p.Metrics.RecordForwarded(r.Method, "http")
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, err := io.Copy(w, resp.Body)
	p.logAccess(r, resp.StatusCode, written, time.Since(start), err, ev, tracked)
}

// observe hands the request to the Observer. The Observer is trusted not to
// block; any panic is contained so forwarding always proceeds.
func (p *Proxy) observe(req *http.Request) (ev TrackingEvent, ok bool) {
	if p.Observer == nil {
		return TrackingEvent{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error("observer panic", "url", req.URL.String(), "panic", r)
			ev, ok = TrackingEvent{}, false
		}
	}()

	var body []byte
	if p.BodyCapture != nil {
		body = p.BodyCapture.Capture(req)
	}
	return p.Observer.Observe(&InterceptedRequest{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header,
		Body:   body,
	})
}

// forwardRequest sends the request to the actual server.
func (p *Proxy) forwardRequest(req *http.Request) (*http.Response, error) {
	outReq := req.Clone(req.Context())
	removeHopByHopHeaders(outReq.Header)
	return p.transport().RoundTrip(outReq)
}

func (p *Proxy) forwardFailed(req *http.Request, err error, start time.Time, ev TrackingEvent, tracked bool) {
	p.Logger.Warn("forward request", "error", err, "url", req.URL.String())
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamError(req.URL.Hostname())
	}
	p.logAccess(req, 0, 0, time.Since(start), err, ev, tracked)
}

func (p *Proxy) logAccess(req *http.Request, status int, bytes int64, d time.Duration, err error, ev TrackingEvent, tracked bool) {
	if p.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    time.Now(),
		Method:       req.Method,
		Host:         req.URL.Hostname(),
		Path:         req.URL.Path,
		Scheme:       req.URL.Scheme,
		StatusCode:   status,
		Duration:     d,
		BytesWritten: bytes,
		ClientAddr:   req.RemoteAddr,
		UserAgent:    req.UserAgent(),
	}
	if tracked {
		e.Tracker = true
		e.Entity = ev.Entity
		e.TrackingType = ev.Type
		e.RiskScore = ev.RiskScore
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.AccessLog.Log(e)
}

// transport returns the effective http.RoundTripper.
func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.TransportPool != nil:
		return p.TransportPool.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return http.DefaultTransport
	}
}

// writeErrorResponse writes a 502 onto an intercepted tunnel.
func (p *Proxy) writeErrorResponse(w io.Writer, err error) {
	body := fmt.Sprintf("Proxy Error: %v", err)
	resp := &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(w)
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
