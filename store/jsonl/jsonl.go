// Package jsonl persists tracking events and violations as newline-delimited
// JSON with size-based rotation.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acmacalister/realitycheck"
)

// Record kinds.
const (
	KindEvent     = "event"
	KindViolation = "violation"
)

// Record is one line of the log.
type Record struct {
	Kind      string                         `json:"kind"`
	Written   time.Time                      `json:"written"`
	Event     *realitycheck.TrackingEvent    `json:"event,omitempty"`
	Violation *realitycheck.PrivacyViolation `json:"violation,omitempty"`
}

// Store is a realitycheck.Sink appending to a rotating JSONL file.
type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

var _ realitycheck.Sink = (*Store)(nil)

// New opens path for appending. The file rotates to path.1 .. path.N once it
// reaches maxSizeMB.
func New(path string, maxSizeMB int, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}

	return &Store{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		file:       f,
	}, nil
}

func (s *Store) RecordEvent(_ context.Context, ev realitycheck.TrackingEvent) error {
	return s.append(Record{Kind: KindEvent, Event: &ev})
}

func (s *Store) RecordViolation(_ context.Context, v realitycheck.PrivacyViolation) error {
	return s.append(Record{Kind: KindViolation, Violation: &v})
}

func (s *Store) append(rec Record) error {
	rec.Written = time.Now().UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rec.Kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) rotateIfNeededLocked() error {
	if s.file == nil {
		return fmt.Errorf("jsonl file not open")
	}
	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat jsonl: %w", err)
	}
	if st.Size() < s.maxBytes {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}

	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	_ = os.Rename(s.path, s.path+".1")

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.file = nil
		return fmt.Errorf("reopen jsonl: %w", err)
	}
	s.file = f
	return nil
}
