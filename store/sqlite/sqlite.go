// Package sqlite persists tracking events and violations to a SQLite
// database for querying across sessions.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/acmacalister/realitycheck"
)

// Store is a realitycheck.Sink backed by SQLite.
type Store struct {
	db *sqlx.DB
}

var _ realitycheck.Sink = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle, for example to back a realitycheck.SQLLoader.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS tracking_events (
			event_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			domain TEXT NOT NULL,
			entity TEXT NOT NULL,
			category TEXT NOT NULL,
			tracking_type TEXT NOT NULL,
			risk_score REAL NOT NULL,
			method TEXT,
			url TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON tracking_events(ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON tracking_events(entity, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_domain ON tracking_events(domain);`,
		`CREATE TABLE IF NOT EXISTS privacy_violations (
			violation_id TEXT PRIMARY KEY,
			event_id TEXT,
			ts_unix_ns INTEGER NOT NULL,
			severity TEXT NOT NULL,
			entity TEXT NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_violations_severity_ts ON privacy_violations(severity, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) RecordEvent(ctx context.Context, ev realitycheck.TrackingEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tracking_events(
			event_id, ts_unix_ns, domain, entity, category,
			tracking_type, risk_score, method, url, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.Domain,
		ev.Entity,
		ev.Category,
		string(ev.Type),
		ev.RiskScore,
		nullable(ev.Method),
		nullable(ev.URL),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) RecordViolation(ctx context.Context, v realitycheck.PrivacyViolation) error {
	if v.ID == "" {
		return fmt.Errorf("violation missing id")
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO privacy_violations(
			violation_id, event_id, ts_unix_ns, severity, entity, payload_json
		) VALUES(?,?,?,?,?,?);`,
		v.ID,
		nullable(v.EventID),
		v.Timestamp.UTC().UnixNano(),
		string(v.Severity),
		v.Entity,
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// EventQuery filters QueryEvents. Zero fields match everything.
type EventQuery struct {
	Entity     string
	DomainLike string
	Type       realitycheck.TrackingType
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Asc        bool
}

// QueryEvents returns stored events, newest first unless q.Asc is set.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]realitycheck.TrackingEvent, error) {
	where := []string{"1=1"}
	var args []any

	if q.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, q.Entity)
	}
	if q.DomainLike != "" {
		where = append(where, "domain LIKE ?")
		args = append(args, q.DomainLike)
	}
	if q.Type != "" {
		where = append(where, "tracking_type = ?")
		args = append(args, string(q.Type))
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := "SELECT payload_json FROM tracking_events WHERE " + strings.Join(where, " AND ") +
		" ORDER BY ts_unix_ns " + order + " LIMIT ?"
	args = append(args, limit)

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]realitycheck.TrackingEvent, 0, len(payloads))
	for _, p := range payloads {
		var ev realitycheck.TrackingEvent
		if err := json.Unmarshal([]byte(p), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// QueryViolations returns stored violations at or above minSeverity, newest
// first. An empty minSeverity returns all of them.
func (s *Store) QueryViolations(ctx context.Context, minSeverity realitycheck.Severity, limit int) ([]realitycheck.PrivacyViolation, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := "SELECT payload_json FROM privacy_violations"
	var args []any
	if minSeverity == realitycheck.SeverityCritical {
		query += " WHERE severity = ?"
		args = append(args, string(realitycheck.SeverityCritical))
	}
	query += " ORDER BY ts_unix_ns DESC LIMIT ?"
	args = append(args, limit)

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, query, args...); err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}

	out := make([]realitycheck.PrivacyViolation, 0, len(payloads))
	for _, p := range payloads {
		var v realitycheck.PrivacyViolation
		if err := json.Unmarshal([]byte(p), &v); err != nil {
			return nil, fmt.Errorf("decode violation: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// EntityTotal is the stored event count for one entity.
type EntityTotal struct {
	Entity  string  `db:"entity" json:"entity"`
	Count   int64   `db:"count" json:"count"`
	MaxRisk float64 `db:"max_risk" json:"max_risk"`
}

// EntityTotals ranks entities by stored event count.
func (s *Store) EntityTotals(ctx context.Context, limit int) ([]EntityTotal, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []EntityTotal
	err := s.db.SelectContext(ctx, &out, `
		SELECT entity, COUNT(*) AS count, MAX(risk_score) AS max_risk
		FROM tracking_events
		GROUP BY entity
		ORDER BY count DESC, entity ASC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("entity totals: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
