package realitycheck

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// timelineJSON is a realistic admin payload: repetitive and well over MinSize.
func timelineJSON(t testing.TB, n int) []byte {
	t.Helper()
	entries := make([]TimelineEntry, n)
	for i := range entries {
		entries[i] = TimelineEntry{
			Timestamp:    time.Unix(1_700_000_000+int64(i), 0).UTC(),
			EventType:    "tracker",
			Entity:       "Google Analytics",
			Category:     "Analytics",
			TrackingType: TrackingAnalytics,
			URL:          "https://www.google-analytics.com/g/collect?v=2",
			RiskScore:    8,
		}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func decompress(t *testing.T, encoding string, body io.Reader) []byte {
	t.Helper()
	var r io.Reader
	switch encoding {
	case EncodingGzip:
		gr, err := gzip.NewReader(body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		defer func() { _ = gr.Close() }()
		r = gr
	case EncodingZstd:
		zr, err := zstd.NewReader(body)
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	case EncodingBrotli:
		r = brotli.NewReader(body)
	default:
		r = body
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompress %s: %v", encoding, err)
	}
	return out
}

func serveCompressed(cfg CompressionConfig, acceptEncoding string, h http.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/timeline", nil)
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	rec := httptest.NewRecorder()
	CompressMiddleware(cfg)(h).ServeHTTP(rec, req)
	return rec
}

func jsonHandler(status int, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

func TestDefaultCompressionConfig(t *testing.T) {
	cfg := DefaultCompressionConfig()
	if !cfg.Enabled || cfg.MinSize != 256 || cfg.Level != 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	want := []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	if strings.Join(cfg.PreferOrder, ",") != strings.Join(want, ",") {
		t.Errorf("PreferOrder = %v, want %v", cfg.PreferOrder, want)
	}
}

func TestParseAcceptEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   []string
	}{
		{"gzip, deflate", []string{"deflate", "gzip"}},
		{"br;q=1.0, gzip;q=0.5", []string{"br", "gzip"}},
		{"ZSTD", []string{"zstd"}},
		{"identity", nil},
		{"gzip;q=0, br", []string{"br"}},
		{"br; q=0.0", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := parseAcceptEncoding(tt.header)
			if len(got) != len(tt.want) {
				t.Fatalf("parseAcceptEncoding(%q) = %v, want %v", tt.header, got, tt.want)
			}
			for _, k := range tt.want {
				if _, ok := got[k]; !ok {
					t.Errorf("missing %q", k)
				}
			}
		})
	}
}

func TestCompressHandler_Encodings(t *testing.T) {
	body := timelineJSON(t, 50)

	for _, enc := range []string{EncodingGzip, EncodingZstd, EncodingBrotli} {
		t.Run(enc, func(t *testing.T) {
			rec := serveCompressed(DefaultCompressionConfig(), enc, jsonHandler(http.StatusOK, body))

			if got := rec.Header().Get("Content-Encoding"); got != enc {
				t.Fatalf("Content-Encoding = %q, want %q", got, enc)
			}
			if got := rec.Header().Get("Vary"); got != "Accept-Encoding" {
				t.Errorf("Vary = %q", got)
			}
			if rec.Body.Len() >= len(body) {
				t.Errorf("compressed %d bytes into %d", len(body), rec.Body.Len())
			}
			if got := decompress(t, enc, rec.Body); !bytes.Equal(got, body) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestCompressHandler_Uncompressed(t *testing.T) {
	big := timelineJSON(t, 50)

	tests := []struct {
		name    string
		cfg     CompressionConfig
		accept  string
		handler http.HandlerFunc
	}{
		{
			name:    "no accept-encoding",
			cfg:     DefaultCompressionConfig(),
			handler: jsonHandler(http.StatusOK, big),
		},
		{
			name:    "unsupported encoding",
			cfg:     DefaultCompressionConfig(),
			accept:  "deflate",
			handler: jsonHandler(http.StatusOK, big),
		},
		{
			name:    "below min size",
			cfg:     DefaultCompressionConfig(),
			accept:  "gzip",
			handler: jsonHandler(http.StatusOK, []byte(`{"running":false}`)),
		},
		{
			name:   "binary content type",
			cfg:    DefaultCompressionConfig(),
			accept: "gzip",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/x-x509-ca-cert")
				_, _ = w.Write(big)
			},
		},
		{
			name:   "already encoded",
			cfg:    DefaultCompressionConfig(),
			accept: "gzip",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Content-Encoding", "identity-ish")
				_, _ = w.Write(big)
			},
		},
		{
			name:    "content type not in allow list",
			cfg:     CompressionConfig{Enabled: true, MinSize: 16, ContentTypes: []string{"text/csv"}},
			accept:  "gzip",
			handler: jsonHandler(http.StatusOK, big),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveCompressed(tt.cfg, tt.accept, tt.handler)
			ce := rec.Header().Get("Content-Encoding")
			if ce == EncodingGzip || ce == EncodingZstd || ce == EncodingBrotli {
				t.Errorf("response was compressed with %s", ce)
			}
			if rec.Body.Len() == 0 {
				t.Error("body lost")
			}
		})
	}
}

func TestCompressHandler_PreferOrder(t *testing.T) {
	body := timelineJSON(t, 20)

	tests := []struct {
		order  []string
		accept string
		want   string
	}{
		{nil, "gzip, br, zstd", EncodingBrotli},
		{[]string{EncodingGzip, EncodingBrotli}, "br, gzip", EncodingGzip},
		{[]string{EncodingZstd}, "gzip, zstd", EncodingZstd},
		{[]string{EncodingZstd}, "gzip", ""},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			cfg := DefaultCompressionConfig()
			cfg.PreferOrder = tt.order
			rec := serveCompressed(cfg, tt.accept, jsonHandler(http.StatusOK, body))
			if got := rec.Header().Get("Content-Encoding"); got != tt.want {
				t.Errorf("Content-Encoding = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompressHandler_Status(t *testing.T) {
	big := timelineJSON(t, 20)

	tests := []struct {
		name       string
		status     int
		body       []byte
		compressed bool
	}{
		{"conflict compressed", http.StatusConflict, big, true},
		{"short error", http.StatusServiceUnavailable, []byte(`{"error":"proxy is not running"}`), false},
		{"no content", http.StatusNoContent, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveCompressed(DefaultCompressionConfig(), "gzip", jsonHandler(tt.status, tt.body))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("Content-Encoding") == EncodingGzip; got != tt.compressed {
				t.Errorf("compressed = %v, want %v", got, tt.compressed)
			}
			if got := decompress(t, rec.Header().Get("Content-Encoding"), rec.Body); !bytes.Equal(got, tt.body) {
				t.Errorf("body = %q", got)
			}
		})
	}
}

func TestCompressHandler_ManySmallWrites(t *testing.T) {
	body := timelineJSON(t, 40)
	rec := serveCompressed(DefaultCompressionConfig(), "zstd", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for chunk := range slices.Chunk(body, 37) {
			_, _ = w.Write(chunk)
		}
	})

	if rec.Header().Get("Content-Encoding") != EncodingZstd {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	if got := decompress(t, EncodingZstd, rec.Body); !bytes.Equal(got, body) {
		t.Error("round trip mismatch across small writes")
	}
}

func TestNewCompressHandler(t *testing.T) {
	body := timelineJSON(t, 20)
	h := NewCompressHandler(jsonHandler(http.StatusOK, body))

	req := httptest.NewRequest(http.MethodGet, "/api/report", nil)
	req.Header.Set("Accept-Encoding", "br")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := decompress(t, rec.Header().Get("Content-Encoding"), rec.Body); !bytes.Equal(got, body) {
		t.Error("round trip mismatch")
	}
}
