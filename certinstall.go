package realitycheck

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// HelperResult reports the outcome of a best-effort system helper. When OK is
// false, Instructions explain how to do the step by hand.
type HelperResult struct {
	OK           bool   `json:"ok"`
	Instructions string `json:"instructions"`
}

// commandRunner executes an external command. Replaced in tests.
var commandRunner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

const linuxCADir = "/usr/local/share/ca-certificates"

// CertificateInstructions explains how to trust the interception CA on this OS.
func (c *ProxyController) CertificateInstructions() HelperResult {
	return HelperResult{OK: true, Instructions: certificateInstructions(runtime.GOOS, c.caPath(), c.Addr())}
}

// InstallCertificate tries to add the CA to the OS trust store. It usually
// needs elevated privileges and never runs implicitly.
func (c *ProxyController) InstallCertificate(ctx context.Context) HelperResult {
	res := installCertificate(ctx, runtime.GOOS, c.caPath())
	c.Logger.Info("certificate install", "ok", res.OK)
	return res
}

// ConfigureSystemProxy points (or stops pointing) the OS proxy settings at
// the running proxy. It never runs implicitly.
func (c *ProxyController) ConfigureSystemProxy(ctx context.Context, enable bool) HelperResult {
	addr := c.Addr()
	if enable && addr == "" {
		return HelperResult{Instructions: "start the proxy before enabling the system proxy"}
	}
	res := configureSystemProxy(ctx, runtime.GOOS, addr, enable)
	c.Logger.Info("system proxy configured", "enable", enable, "ok", res.OK)
	return res
}

func (c *ProxyController) caPath() string {
	path, err := filepath.Abs(c.Config.CACertPath)
	if err != nil {
		return c.Config.CACertPath
	}
	return path
}

func certificateInstructions(goos, caPath, proxyAddr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CA certificate: %s\n", caPath)
	if proxyAddr != "" {
		fmt.Fprintf(&b, "Download while proxied: http://%s%s\n", proxyAddr, DefaultCAPath)
	}
	switch goos {
	case "windows":
		fmt.Fprintf(&b, "Run as administrator: certutil -addstore -f ROOT %q\n", caPath)
	case "darwin":
		fmt.Fprintf(&b, "Run: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %q\n", caPath)
	case "linux":
		fmt.Fprintf(&b, "Run: sudo cp %q %s/realitycheck.crt && sudo update-ca-certificates\n", caPath, linuxCADir)
	default:
		b.WriteString("Import the certificate into your system or browser trust store as a trusted root.\n")
	}
	b.WriteString("Browsers with their own trust store (Firefox) need the certificate imported separately.\n")
	return b.String()
}

func installCertificate(ctx context.Context, goos, caPath string) HelperResult {
	var steps [][]string
	switch goos {
	case "windows":
		steps = [][]string{{"certutil", "-addstore", "-f", "ROOT", caPath}}
	case "darwin":
		steps = [][]string{{"security", "add-trusted-cert", "-d", "-r", "trustRoot", "-k", "/Library/Keychains/System.keychain", caPath}}
	case "linux":
		steps = [][]string{
			{"cp", caPath, linuxCADir + "/realitycheck.crt"},
			{"update-ca-certificates"},
		}
	default:
		return HelperResult{Instructions: certificateInstructions(goos, caPath, "")}
	}

	if err := runSteps(ctx, steps); err != nil {
		return HelperResult{Instructions: fmt.Sprintf("automatic install failed: %v\n%s", err, certificateInstructions(goos, caPath, ""))}
	}
	return HelperResult{OK: true, Instructions: "CA certificate installed; restart your browser"}
}

func configureSystemProxy(ctx context.Context, goos, proxyAddr string, enable bool) HelperResult {
	const winKey = `HKCU\Software\Microsoft\Windows\CurrentVersion\Internet Settings`

	var steps [][]string
	switch goos {
	case "windows":
		if enable {
			steps = [][]string{
				{"reg", "add", winKey, "/v", "ProxyServer", "/t", "REG_SZ", "/d", proxyAddr, "/f"},
				{"reg", "add", winKey, "/v", "ProxyEnable", "/t", "REG_DWORD", "/d", "1", "/f"},
			}
		} else {
			steps = [][]string{{"reg", "add", winKey, "/v", "ProxyEnable", "/t", "REG_DWORD", "/d", "0", "/f"}}
		}
	case "darwin":
		if enable {
			host, port := splitProxyAddr(proxyAddr)
			steps = [][]string{
				{"networksetup", "-setwebproxy", "Wi-Fi", host, port},
				{"networksetup", "-setsecurewebproxy", "Wi-Fi", host, port},
			}
		} else {
			steps = [][]string{
				{"networksetup", "-setwebproxystate", "Wi-Fi", "off"},
				{"networksetup", "-setsecurewebproxystate", "Wi-Fi", "off"},
			}
		}
	case "linux":
		if enable {
			host, port := splitProxyAddr(proxyAddr)
			steps = [][]string{
				{"gsettings", "set", "org.gnome.system.proxy.http", "host", host},
				{"gsettings", "set", "org.gnome.system.proxy.http", "port", port},
				{"gsettings", "set", "org.gnome.system.proxy.https", "host", host},
				{"gsettings", "set", "org.gnome.system.proxy.https", "port", port},
				{"gsettings", "set", "org.gnome.system.proxy", "mode", "manual"},
			}
		} else {
			steps = [][]string{{"gsettings", "set", "org.gnome.system.proxy", "mode", "none"}}
		}
	}

	manual := manualProxyInstructions(proxyAddr, enable)
	if steps == nil {
		return HelperResult{Instructions: manual}
	}
	if err := runSteps(ctx, steps); err != nil {
		return HelperResult{Instructions: fmt.Sprintf("automatic configuration failed: %v\n%s", err, manual)}
	}
	if enable {
		return HelperResult{OK: true, Instructions: "system proxy set to " + proxyAddr}
	}
	return HelperResult{OK: true, Instructions: "system proxy disabled"}
}

func manualProxyInstructions(proxyAddr string, enable bool) string {
	if !enable {
		return "Disable the HTTP and HTTPS proxy in your system network settings."
	}
	return fmt.Sprintf("Set the HTTP and HTTPS proxy in your system network settings to %s.", proxyAddr)
}

func runSteps(ctx context.Context, steps [][]string) error {
	for _, step := range steps {
		out, err := commandRunner(ctx, step[0], step[1:]...)
		if err != nil {
			return fmt.Errorf("%s: %w: %s", step[0], err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func splitProxyAddr(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, "8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

// CACertificate returns the interception CA in PEM form, or nil before the
// CA has been loaded by a start.
func (c *ProxyController) CACertificate() []byte {
	c.mu.Lock()
	cm := c.CertManager
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.CACertPEM()
}
