package realitycheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPACGenerator_Defaults(t *testing.T) {
	g := NewPACGenerator("127.0.0.1:8080")

	pac, err := g.GenerateString()
	if err != nil {
		t.Fatalf("GenerateString: %v", err)
	}

	for _, want := range []string{
		"function FindProxyForURL(url, host)",
		"isPlainHostName(host)",
		`dnsDomainIs(host, "localhost")`,
		`dnsDomainIs(host, ".local")`,
		`isInNet(host, "127.0.0.0", "255.0.0.0")`,
		`isInNet(host, "172.16.0.0", "255.240.0.0")`,
		`isInNet(host, "192.168.0.0", "255.255.0.0")`,
		`return "PROXY 127.0.0.1:8080; DIRECT";`,
	} {
		if !strings.Contains(pac, want) {
			t.Errorf("PAC missing %s\n%s", want, pac)
		}
	}
}

func TestPACGenerator_Options(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PACGenerator)
		want    []string
		notWant []string
	}{
		{
			name:    "no fallback",
			mutate:  func(g *PACGenerator) { g.FallbackDirect = false },
			want:    []string{`return "PROXY 127.0.0.1:8080";`},
			notWant: []string{"; DIRECT"},
		},
		{
			name: "extra bypasses",
			mutate: func(g *PACGenerator) {
				g.AddBypassDomain(".bank.example")
				g.AddBypassNetwork("100.64.0.0/10")
			},
			want: []string{`dnsDomainIs(host, ".bank.example")`, `isInNet(host, "100.64.0.0", "255.192.0.0")`},
		},
		{
			name: "only proxy",
			mutate: func(g *PACGenerator) {
				g.BypassDomains = []string{" ", ""}
				g.BypassNetworks = nil
			},
			notWant: []string{"dnsDomainIs", "isInNet"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewPACGenerator("127.0.0.1:8080")
			tt.mutate(g)
			pac, err := g.GenerateString()
			if err != nil {
				t.Fatalf("GenerateString: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(pac, w) {
					t.Errorf("PAC missing %s", w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(pac, w) {
					t.Errorf("PAC unexpectedly contains %s", w)
				}
			}
		})
	}
}

func TestPACGenerator_WriteAndServe(t *testing.T) {
	g := NewPACGenerator("127.0.0.1:8080")
	path := filepath.Join(t.TempDir(), "realitycheck.pac")
	if err := g.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy.pac", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ns-proxy-autoconfig" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=300" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if rec.Body.String() != string(written) {
		t.Error("served PAC differs from written file")
	}
}

func TestPACGenerator_ServeHTTPError(t *testing.T) {
	g := NewPACGenerator("127.0.0.1:8080")
	g.BypassNetworks = []string{"bogus"}

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy.pac", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCIDRToMask(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"0", "0.0.0.0"},
		{"10", "255.192.0.0"},
		{"12", "255.240.0.0"},
		{"20", "255.255.240.0"},
		{"32", "255.255.255.255"},
		{"x", ""},
		{"-8", ""},
		{"64", ""},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got := cidrToMask(tt.prefix)
			if got != tt.want {
				t.Errorf("cidrToMask(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestPACGenerator_InvalidNetwork(t *testing.T) {
	for _, cidr := range []string{"10.0.0.0", "not-an-ip/8", "10.0.0.0/40"} {
		g := NewPACGenerator("127.0.0.1:8080")
		g.BypassNetworks = []string{cidr}
		if _, err := g.GenerateString(); err == nil {
			t.Errorf("GenerateString with %q should fail", cidr)
		}
	}
}

func TestAdminAPI_ProxyPAC(t *testing.T) {
	a, _ := newTestAdminAPI(t)
	a.Controller = newTestController(t)

	rec := doAdmin(t, a, http.MethodGet, "/api/proxy.pac", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("PAC before start = %d, want 503", rec.Code)
	}

	if _, err := a.Controller.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Controller.Stop(context.Background()) })

	rec = doAdmin(t, a, http.MethodGet, "/api/proxy.pac", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PAC status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ns-proxy-autoconfig" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "PROXY "+a.Controller.Addr()) {
		t.Errorf("PAC does not point at the proxy:\n%s", rec.Body.String())
	}
}
