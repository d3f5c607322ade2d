package realitycheck

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls admin API response compression.
type CompressionConfig struct {
	// Enabled turns compression on.
	Enabled bool `mapstructure:"enabled"`

	// MinSize is the smallest body compressed (default 256 bytes).
	MinSize int `mapstructure:"min_size"`

	// Level is the encoder level; 0 uses each encoder's default.
	Level int `mapstructure:"level"`

	// ContentTypes are content-type prefixes to compress. Empty means
	// JSON and text.
	ContentTypes []string `mapstructure:"content_types"`

	// PreferOrder is the server's encoding preference.
	PreferOrder []string `mapstructure:"prefer_order"`
}

// DefaultCompressionConfig returns compression defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		Enabled:     true,
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var defaultCompressibleTypes = []string{
	"application/json",
	"application/x-ndjson",
	"text/",
}

// CompressHandler wraps an http.Handler with response compression. Reports
// and timelines are large, repetitive JSON and shrink well.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler creates a compression handler with default config.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{Handler: h, Config: DefaultCompressionConfig()}
}

// CompressMiddleware adapts CompressHandler for router middleware stacks.
func CompressMiddleware(cfg CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &CompressHandler{Handler: next, Config: cfg}
	}
}

func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	cw := &compressResponseWriter{
		ResponseWriter: w,
		encoding:       encoding,
		config:         c.Config,
		status:         http.StatusOK,
	}
	defer func() { _ = cw.Close() }()

	c.Handler.ServeHTTP(cw, r)
}

func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	order := c.Config.PreferOrder
	if len(order) == 0 {
		order = DefaultCompressionConfig().PreferOrder
	}
	for _, enc := range order {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding returns the accepted encodings, ignoring q=0 entries
// and identity.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q := strings.ReplaceAll(params, " ", ""); q == "q=0" || q == "q=0.0" {
			continue
		}
		result[name] = struct{}{}
	}
	return result
}

// compressResponseWriter buffers up to MinSize bytes before deciding
// whether to compress. The status line is held back until then so the
// encoding headers can still be set.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding string
	config   CompressionConfig

	status      int
	wroteHeader bool
	decided     bool
	flushed     bool
	buffer      []byte
	writer      io.WriteCloser
}

func (cw *compressResponseWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = status

	if status == http.StatusNoContent || status == http.StatusNotModified || status < 200 {
		cw.passthrough()
	}
}

func (cw *compressResponseWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.decided {
		if cw.writer != nil {
			return cw.writer.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buffer = append(cw.buffer, b...)
	minSize := cw.config.MinSize
	if minSize <= 0 {
		minSize = 256
	}
	if len(cw.buffer) < minSize {
		return len(b), nil
	}

	if !cw.compressible() {
		cw.passthrough()
	} else if err := cw.startCompression(); err != nil {
		cw.passthrough()
	}
	if err := cw.flushBuffer(); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (cw *compressResponseWriter) compressible() bool {
	if cw.Header().Get("Content-Encoding") != "" {
		return false
	}
	ct := strings.ToLower(cw.Header().Get("Content-Type"))
	if ct == "" {
		return false
	}
	types := cw.config.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	for _, t := range types {
		if strings.HasPrefix(ct, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// passthrough commits to an uncompressed response.
func (cw *compressResponseWriter) passthrough() {
	if cw.decided {
		return
	}
	cw.decided = true
	cw.ResponseWriter.WriteHeader(cw.status)
}

func (cw *compressResponseWriter) startCompression() error {
	h := cw.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")

	var err error
	switch cw.encoding {
	case EncodingGzip:
		level := cw.config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		cw.writer, err = gzip.NewWriterLevel(cw.ResponseWriter, level)
	case EncodingZstd:
		level := zstd.SpeedDefault
		if cw.config.Level != 0 {
			level = zstd.EncoderLevelFromZstd(cw.config.Level)
		}
		cw.writer, err = zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(level))
	case EncodingBrotli:
		level := cw.config.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, level)
	}
	if err != nil {
		h.Del("Content-Encoding")
		cw.writer = nil
		return err
	}

	cw.decided = true
	cw.ResponseWriter.WriteHeader(cw.status)
	return nil
}

func (cw *compressResponseWriter) flushBuffer() error {
	if len(cw.buffer) == 0 {
		return nil
	}
	var err error
	if cw.writer != nil {
		_, err = cw.writer.Write(cw.buffer)
	} else {
		_, err = cw.ResponseWriter.Write(cw.buffer)
	}
	cw.buffer = nil
	return err
}

// Close writes out a short buffered body uncompressed and finishes the
// encoder.
func (cw *compressResponseWriter) Close() error {
	if cw.flushed {
		return nil
	}
	cw.flushed = true
	if !cw.wroteHeader {
		return nil
	}
	cw.passthrough()
	if err := cw.flushBuffer(); err != nil {
		return err
	}
	if cw.writer != nil {
		return cw.writer.Close()
	}
	return nil
}

// Flush commits the current decision and flushes both writers.
func (cw *compressResponseWriter) Flush() {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if !cw.decided {
		if cw.compressible() && cw.startCompression() == nil {
			_ = cw.flushBuffer()
		} else {
			cw.passthrough()
			_ = cw.flushBuffer()
		}
	}
	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the compressor.
func (cw *compressResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := cw.ResponseWriter.(http.Hijacker); ok {
		cw.flushed = true
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
