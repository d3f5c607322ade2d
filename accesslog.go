package realitycheck

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured entry per forwarded request.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	Timestamp time.Time
	Method    string
	Host      string
	Path      string

	// Scheme is "http" or "https".
	Scheme string

	// StatusCode is the upstream response status. Zero if forwarding failed.
	StatusCode int

	Duration     time.Duration
	BytesWritten int64
	ClientAddr   string
	UserAgent    string

	// Tracker is true when the request was classified as tracker-bound.
	Tracker      bool
	Entity       string
	TrackingType TrackingType
	RiskScore    float64

	// Error is a description of any forwarding error.
	Error string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.Tracker {
		attrs = append(attrs,
			slog.Bool("tracker", true),
			slog.String("entity", e.Entity),
			slog.String("tracking_type", string(e.TrackingType)),
			slog.Float64("risk", e.RiskScore),
		)
	}

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
