package realitycheck

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultMaxCaptureBytes bounds how much of a request body is buffered for
// signal extraction.
const DefaultMaxCaptureBytes = 64 * KB

// BodyCapture buffers small JSON and form request bodies so the classifier can
// read their top-level keys. Bodies are restored on the request so
// forwarding is unaffected.
type BodyCapture struct {
	// MaxBytes is the largest body captured. Larger or unknown-length bodies
	// are left untouched.
	MaxBytes int64
}

// NewBodyCapture creates a BodyCapture with the given bound.
func NewBodyCapture(maxBytes int64) *BodyCapture {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCaptureBytes
	}
	return &BodyCapture{MaxBytes: maxBytes}
}

// ShouldCapture reports whether r's body is eligible for capture.
func (bc *BodyCapture) ShouldCapture(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	if r.ContentLength <= 0 || r.ContentLength > bc.MaxBytes {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" ||
		strings.HasSuffix(mediaType, "+json") ||
		strings.Contains(mediaType, "form")
}

// Capture reads the body of r when eligible and replaces r.Body with a reader
// that yields the same bytes. It returns nil when nothing was captured.
func (bc *BodyCapture) Capture(r *http.Request) []byte {
	if !bc.ShouldCapture(r) {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, bc.MaxBytes))
	r.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(buf), r.Body),
		closer: r.Body,
	}
	if err != nil {
		return nil
	}
	return buf
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}
