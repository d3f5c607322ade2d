package realitycheck

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// UpstreamProxy chains the interception proxy behind a parent HTTP(S)
// proxy, as on networks that only allow egress through a corporate proxy.
type UpstreamProxy struct {
	// URL is the upstream proxy address (e.g., "http://proxy.corp:3128").
	URL *url.URL

	// Auth is optional basic-auth credentials for the upstream proxy.
	Auth *UpstreamAuth

	// TLSConfig for connecting to TLS-enabled upstream proxies (optional).
	TLSConfig *tls.Config

	// DialTimeout bounds connecting to the upstream proxy. Defaults to 10 seconds.
	DialTimeout time.Duration
}

// UpstreamAuth holds basic-auth credentials for an upstream proxy.
type UpstreamAuth struct {
	Username string
	Password string
}

// NewUpstreamProxy parses an upstream proxy URL. Credentials in the URL
// become Auth.
func NewUpstreamProxy(rawURL string) (*UpstreamProxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy URL %q has no host", rawURL)
	}

	up := &UpstreamProxy{
		URL:         &url.URL{Scheme: u.Scheme, Host: u.Host},
		DialTimeout: 10 * time.Second,
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		up.Auth = &UpstreamAuth{Username: u.User.Username(), Password: pass}
	}
	return up, nil
}

// ProxyFunc returns a function for http.Transport.Proxy that routes every
// forwarded request through the upstream proxy. The transport sends
// Proxy-Authorization itself when the URL carries credentials.
func (up *UpstreamProxy) ProxyFunc() func(*http.Request) (*url.URL, error) {
	u := *up.URL
	if up.Auth != nil {
		u.User = url.UserPassword(up.Auth.Username, up.Auth.Password)
	}
	return func(*http.Request) (*url.URL, error) { return &u, nil }
}

// String returns the upstream address without credentials.
func (up *UpstreamProxy) String() string {
	return up.URL.Scheme + "://" + up.URL.Host
}

func (up *UpstreamProxy) hostPort() string {
	host := up.URL.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		if up.URL.Scheme == "https" {
			return host + ":443"
		}
		return host + ":3128"
	}
	return host
}

// DialConnect opens a raw tunnel to addr through the upstream proxy with a
// CONNECT request. Passthrough tunnels use it when an upstream is set.
func (up *UpstreamProxy) DialConnect(ctx context.Context, addr string) (net.Conn, error) {
	timeout := up.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	host := up.hostPort()

	var conn net.Conn
	var err error
	if up.URL.Scheme == "https" {
		tlsCfg := &tls.Config{}
		if up.TLSConfig != nil {
			tlsCfg = up.TLSConfig.Clone()
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName, _, _ = net.SplitHostPort(host)
		}
		td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		conn, err = td.DialContext(ctx, "tcp", host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if up.Auth != nil {
		connectReq.Header.Set("Proxy-Authorization", basicAuth(up.Auth.Username, up.Auth.Password))
	}
	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream CONNECT to %s returned %d", addr, resp.StatusCode)
	}
	_ = conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes read past the CONNECT response.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
