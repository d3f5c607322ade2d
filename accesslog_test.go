package realitycheck

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "normal request",
			entry: AccessLogEntry{
				Timestamp:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:       "GET",
				Host:         "example.com",
				Path:         "/index.html",
				Scheme:       "https",
				StatusCode:   200,
				Duration:     150 * time.Millisecond,
				BytesWritten: 4096,
				ClientAddr:   "192.168.1.1:54321",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["host"] != "example.com" {
					t.Errorf("host = %v, want example.com", m["host"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["bytes"] != float64(4096) {
					t.Errorf("bytes = %v, want 4096", m["bytes"])
				}
				if _, ok := m["tracker"]; ok {
					t.Error("tracker should not be present for a non-tracker request")
				}
				if _, ok := m["error"]; ok {
					t.Error("error should not be present for normal request")
				}
			},
		},
		{
			name: "tracker request",
			entry: AccessLogEntry{
				Timestamp:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:       "POST",
				Host:         "www.google-analytics.com",
				Path:         "/collect",
				Scheme:       "https",
				StatusCode:   204,
				Tracker:      true,
				Entity:       "Google Analytics",
				TrackingType: TrackingAnalytics,
				RiskScore:    8,
				UserAgent:    "test-agent",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["tracker"] != true {
					t.Errorf("tracker = %v, want true", m["tracker"])
				}
				if m["entity"] != "Google Analytics" {
					t.Errorf("entity = %v", m["entity"])
				}
				if m["tracking_type"] != "Analytics" {
					t.Errorf("tracking_type = %v", m["tracking_type"])
				}
				if m["risk"] != float64(8) {
					t.Errorf("risk = %v, want 8", m["risk"])
				}
				if m["user_agent"] != "test-agent" {
					t.Errorf("user_agent = %v", m["user_agent"])
				}
			},
		},
		{
			name: "upstream error",
			entry: AccessLogEntry{
				Method: "GET",
				Host:   "down.example.com",
				Path:   "/",
				Scheme: "http",
				Error:  "connection refused",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["error"] != "connection refused" {
					t.Errorf("error = %v", m["error"])
				}
				if m["status"] != float64(0) {
					t.Errorf("status = %v, want 0", m["status"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
			al.Log(tt.entry)

			var m map[string]any
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				t.Fatalf("unmarshal log line: %v\n%s", err, buf.String())
			}
			if m["msg"] != "access" {
				t.Errorf("msg = %v, want access", m["msg"])
			}
			tt.check(t, m)
		})
	}
}
