package realitycheck

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type recordedCommand struct {
	name string
	args []string
}

func stubCommands(t *testing.T, fail string) *[]recordedCommand {
	t.Helper()
	var calls []recordedCommand
	prev := commandRunner
	commandRunner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, recordedCommand{name: name, args: args})
		if name == fail {
			return []byte("access denied"), errors.New("exit status 1")
		}
		return nil, nil
	}
	t.Cleanup(func() { commandRunner = prev })
	return &calls
}

func TestCertificateInstructions(t *testing.T) {
	tests := []struct {
		goos string
		want string
	}{
		{"windows", "certutil -addstore -f ROOT"},
		{"darwin", "security add-trusted-cert"},
		{"linux", "update-ca-certificates"},
		{"plan9", "trusted root"},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			got := certificateInstructions(tt.goos, "/tmp/ca.pem", "127.0.0.1:8080")
			if !strings.Contains(got, tt.want) {
				t.Errorf("instructions missing %q:\n%s", tt.want, got)
			}
			if !strings.Contains(got, "http://127.0.0.1:8080"+DefaultCAPath) {
				t.Errorf("instructions missing download URL:\n%s", got)
			}
		})
	}
}

func TestInstallCertificate(t *testing.T) {
	tests := []struct {
		name      string
		goos      string
		fail      string
		wantOK    bool
		wantCalls []string
	}{
		{"windows", "windows", "", true, []string{"certutil"}},
		{"darwin", "darwin", "", true, []string{"security"}},
		{"linux", "linux", "", true, []string{"cp", "update-ca-certificates"}},
		{"linux copy fails", "linux", "cp", false, []string{"cp"}},
		{"unsupported", "plan9", "", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := stubCommands(t, tt.fail)

			res := installCertificate(context.Background(), tt.goos, "/tmp/ca.pem")
			if res.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v (%s)", res.OK, tt.wantOK, res.Instructions)
			}
			if !tt.wantOK && res.Instructions == "" {
				t.Error("failed helper must return manual instructions")
			}
			if len(*calls) != len(tt.wantCalls) {
				t.Fatalf("calls = %+v, want %v", *calls, tt.wantCalls)
			}
			for i, name := range tt.wantCalls {
				if (*calls)[i].name != name {
					t.Errorf("call %d = %s, want %s", i, (*calls)[i].name, name)
				}
			}
		})
	}
}

func TestConfigureSystemProxy(t *testing.T) {
	t.Run("windows enable", func(t *testing.T) {
		calls := stubCommands(t, "")
		res := configureSystemProxy(context.Background(), "windows", "127.0.0.1:8080", true)
		if !res.OK {
			t.Fatalf("expected OK, got %s", res.Instructions)
		}
		if len(*calls) != 2 {
			t.Fatalf("expected 2 registry writes, got %d", len(*calls))
		}
		joined := strings.Join((*calls)[1].args, " ")
		if !strings.Contains(joined, "ProxyEnable") || !strings.Contains(joined, "/d 1") {
			t.Errorf("unexpected registry write: %s", joined)
		}
	})

	t.Run("darwin disable", func(t *testing.T) {
		calls := stubCommands(t, "")
		res := configureSystemProxy(context.Background(), "darwin", "", false)
		if !res.OK {
			t.Fatalf("expected OK, got %s", res.Instructions)
		}
		if (*calls)[0].name != "networksetup" {
			t.Errorf("unexpected command %s", (*calls)[0].name)
		}
	})

	t.Run("linux wildcard host", func(t *testing.T) {
		calls := stubCommands(t, "")
		configureSystemProxy(context.Background(), "linux", "0.0.0.0:9090", true)
		if got := (*calls)[0].args[3]; got != "127.0.0.1" {
			t.Errorf("host = %s, want 127.0.0.1", got)
		}
	})

	t.Run("failure returns instructions", func(t *testing.T) {
		stubCommands(t, "gsettings")
		res := configureSystemProxy(context.Background(), "linux", "127.0.0.1:8080", true)
		if res.OK {
			t.Fatal("expected failure")
		}
		if !strings.Contains(res.Instructions, "127.0.0.1:8080") {
			t.Errorf("instructions missing address: %s", res.Instructions)
		}
	})
}

func TestProxyController_ConfigureSystemProxyNotStarted(t *testing.T) {
	c := NewProxyController(DefaultControllerConfig(), NewDirectory(), NewEventQueue(1))
	c.Logger = discardLogger()

	res := c.ConfigureSystemProxy(context.Background(), true)
	if res.OK {
		t.Error("enabling the system proxy before start should fail")
	}
}
