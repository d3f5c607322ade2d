package realitycheck

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/template"
)

// PACGenerator renders a proxy auto-config file that sends browser traffic
// through the audit proxy while local and private destinations go direct.
type PACGenerator struct {
	// ProxyAddr is the host:port of the running proxy.
	ProxyAddr string

	// BypassDomains are reached directly. A leading dot matches subdomains.
	BypassDomains []string

	// BypassNetworks are CIDR ranges reached directly.
	BypassNetworks []string

	// FallbackDirect lets browsers connect directly if the proxy is down.
	FallbackDirect bool
}

// NewPACGenerator creates a generator for proxyAddr with local and
// RFC 1918 destinations bypassed.
func NewPACGenerator(proxyAddr string) *PACGenerator {
	return &PACGenerator{
		ProxyAddr:      proxyAddr,
		BypassDomains:  []string{"localhost", ".local"},
		BypassNetworks: []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		FallbackDirect: true,
	}
}

// AddBypassDomain adds a domain reached directly.
func (g *PACGenerator) AddBypassDomain(domain string) {
	g.BypassDomains = append(g.BypassDomains, domain)
}

// AddBypassNetwork adds a CIDR range reached directly.
func (g *PACGenerator) AddBypassNetwork(cidr string) {
	g.BypassNetworks = append(g.BypassNetworks, cidr)
}

type pacNetwork struct {
	IP   string
	Mask string
}

type pacData struct {
	Domains  []string
	Networks []pacNetwork
	Proxy    string
}

var pacTemplate = template.Must(template.New("pac").Parse(`function FindProxyForURL(url, host) {
    if (isPlainHostName(host)) {
        return "DIRECT";
    }
{{- range .Domains}}
    if (dnsDomainIs(host, "{{.}}")) {
        return "DIRECT";
    }
{{- end}}
{{- range .Networks}}
    if (isInNet(host, "{{.IP}}", "{{.Mask}}")) {
        return "DIRECT";
    }
{{- end}}
    return "{{.Proxy}}";
}
`))

// GenerateString renders the PAC file.
func (g *PACGenerator) GenerateString() (string, error) {
	data := pacData{Proxy: "PROXY " + g.ProxyAddr}
	if g.FallbackDirect {
		data.Proxy += "; DIRECT"
	}
	for _, d := range g.BypassDomains {
		if d = strings.TrimSpace(d); d != "" {
			data.Domains = append(data.Domains, d)
		}
	}
	for _, cidr := range g.BypassNetworks {
		ip, prefix, ok := strings.Cut(cidr, "/")
		if !ok || net.ParseIP(ip) == nil {
			return "", fmt.Errorf("invalid bypass network %q", cidr)
		}
		mask := cidrToMask(prefix)
		if mask == "" {
			return "", fmt.Errorf("invalid bypass network %q", cidr)
		}
		data.Networks = append(data.Networks, pacNetwork{IP: ip, Mask: mask})
	}

	var buf bytes.Buffer
	if err := pacTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render PAC: %w", err)
	}
	return buf.String(), nil
}

// WriteFile writes the PAC file to path.
func (g *PACGenerator) WriteFile(path string) error {
	pac, err := g.GenerateString()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(pac), 0o644)
}

// ServeHTTP serves the PAC file.
func (g *PACGenerator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	pac, err := g.GenerateString()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write([]byte(pac))
}

// cidrToMask converts an IPv4 prefix length to dotted-decimal, or "" when
// the prefix is invalid.
func cidrToMask(prefix string) string {
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 || n > 32 {
		return ""
	}
	return net.IP(net.CIDRMask(n, 32)).String()
}
