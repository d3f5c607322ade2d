package realitycheck

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPassthroughList_Matches(t *testing.T) {
	l, err := NewPassthroughList("bank.example", "*.pinned.example", " .Apple.com ")
	if err != nil {
		t.Fatalf("NewPassthroughList: %v", err)
	}

	tests := []struct {
		host string
		want bool
	}{
		{"bank.example", true},
		{"login.bank.example:443", true},
		{"BANK.EXAMPLE.", true},
		{"notbank.example", false},
		{"api.pinned.example", true},
		{"pinned.example", false},
		{"a.b.pinned.example", false},
		{"push.apple.com", true},
		{"tracker.example", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := l.Matches(tt.host); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestPassthroughList_AddRemove(t *testing.T) {
	l, _ := NewPassthroughList()

	if err := l.Add(""); err == nil {
		t.Error("expected error for empty pattern")
	}
	if err := l.Add("[invalid*"); err == nil {
		t.Error("expected error for bad glob")
	}

	_ = l.Add("b.example")
	_ = l.Add("*.a.example")
	_ = l.Add("b.example")
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
	if got := strings.Join(l.Patterns(), ","); got != "*.a.example,b.example" {
		t.Errorf("Patterns = %s", got)
	}

	if !l.Remove("*.A.example") || !l.Remove("b.example") {
		t.Error("Remove should report existing patterns")
	}
	if l.Remove("b.example") {
		t.Error("Remove of missing pattern should report false")
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d after removes", l.Len())
	}
}

func TestPassthroughList_Nil(t *testing.T) {
	var l *PassthroughList
	if l.Matches("anything.example") {
		t.Error("nil list should match nothing")
	}
}

func TestPassthroughList_Concurrent(t *testing.T) {
	l, _ := NewPassthroughList()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = l.Add(fmt.Sprintf("host%d.example", i))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = l.Matches(fmt.Sprintf("x.host%d.example", i))
		}(i)
	}
	wg.Wait()
	if l.Len() != 8 {
		t.Errorf("Len = %d, want 8", l.Len())
	}
}

// dialPassthrough issues CONNECT and completes TLS against the origin's own
// certificate, which only succeeds if the proxy did not intercept.
func dialPassthrough(t *testing.T, proxyAddr string, backend *httptest.Server) *tls.Conn {
	t.Helper()
	target := strings.TrimPrefix(backend.URL, "https://")

	conn, err := net.DialTimeout("tcp", proxyAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_, _ = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT returned %d", resp.StatusCode)
	}

	pool := x509.NewCertPool()
	pool.AddCert(backend.Certificate())
	tlsConn := tls.Client(conn, &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake with origin: %v", err)
	}
	return tlsConn
}

func getOverTLS(t *testing.T, conn *tls.Conn, path string) string {
	t.Helper()
	_, _ = fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: 127.0.0.1\r\nConnection: close\r\n\r\n", path)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestProxy_PassthroughNotIntercepted(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "origin %s", r.URL.Path)
	}))
	defer backend.Close()

	obs := &recordingObserver{}
	p := newTestProxy(t)
	p.Observer = obs
	p.Passthrough, _ = NewPassthroughList("127.0.0.1")

	conn := dialPassthrough(t, serveProxy(t, p), backend)
	if body := getOverTLS(t, conn, "/pinned"); body != "origin /pinned" {
		t.Errorf("body = %q", body)
	}
	if n := len(obs.seen()); n != 0 {
		t.Errorf("observer saw %d requests through a passthrough tunnel", n)
	}
}

func TestProxy_PassthroughViaUpstream(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "chained")
	}))
	defer backend.Close()

	upstream, log := newConnectUpstream(t, backend.Listener.Addr().String(), 0)
	up, err := NewUpstreamProxy(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}

	p := newTestProxy(t)
	p.Upstream = up
	p.Passthrough, _ = NewPassthroughList("127.0.0.1")

	conn := dialPassthrough(t, serveProxy(t, p), backend)
	if body := getOverTLS(t, conn, "/"); body != "chained" {
		t.Errorf("body = %q", body)
	}
	if targets, _ := log.snapshot(); len(targets) != 1 {
		t.Errorf("upstream CONNECTs = %v, want 1", targets)
	}
}

func TestProxy_PassthroughDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := l.Addr().String()
	_ = l.Close()

	p := newTestProxy(t)
	p.Passthrough, _ = NewPassthroughList("127.0.0.1")

	conn, err := net.DialTimeout("tcp", serveProxy(t, p), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	_, _ = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", dead, dead)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}
