package realitycheck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type blockingSink struct {
	recordingSink
	release chan struct{}
	closed  bool
}

func (s *blockingSink) RecordEvent(ctx context.Context, ev TrackingEvent) error {
	<-s.release
	return s.recordingSink.RecordEvent(ctx, ev)
}

func (s *blockingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestAsyncSink_WritesInOrder(t *testing.T) {
	inner := &recordingSink{}
	a := NewAsyncSink(inner, 16)
	a.Logger = discardLogger()

	for i := 0; i < 5; i++ {
		_ = a.RecordEvent(context.Background(), queuedEvent(i))
	}
	_ = a.RecordViolation(context.Background(), PrivacyViolation{ID: "v1"})

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, violations := inner.counts()
	if events != 5 || violations != 1 {
		t.Fatalf("inner saw %d events %d violations, want 5/1", events, violations)
	}
	for i, ev := range inner.events {
		if want := queuedEvent(i).ID; ev.ID != want {
			t.Errorf("event %d = %s, want %s", i, ev.ID, want)
		}
	}
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{})}
	a := NewAsyncSink(inner, 2)
	a.Logger = discardLogger()
	a.Metrics = NewMetrics()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = a.RecordEvent(context.Background(), queuedEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordEvent blocked on a stalled sink")
	}

	// One record is held by the worker and two are buffered.
	if got := a.Dropped(); got < 7 {
		t.Errorf("dropped = %d, want at least 7", got)
	}
	if v := testutil.ToFloat64(a.Metrics.sinkDropped); v != float64(a.Dropped()) {
		t.Errorf("dropped metric = %v, want %d", v, a.Dropped())
	}

	close(inner.release)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.closed {
		t.Error("underlying sink not closed")
	}
}

func TestAsyncSink_ErrorsAreSwallowed(t *testing.T) {
	inner := &recordingSink{err: errors.New("disk full")}
	a := NewAsyncSink(inner, 4)
	a.Logger = discardLogger()
	a.Metrics = NewMetrics()

	if err := a.RecordEvent(context.Background(), queuedEvent(0)); err != nil {
		t.Errorf("RecordEvent returned %v", err)
	}
	_ = a.Close()

	if v := testutil.ToFloat64(a.Metrics.sinkErrors.WithLabelValues("event")); v != 1 {
		t.Errorf("sink error metric = %v, want 1", v)
	}
}

func TestAsyncSink_CloseTimeout(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{})}
	defer close(inner.release)

	a := NewAsyncSink(inner, 4)
	a.Logger = discardLogger()
	_ = a.RecordEvent(context.Background(), queuedEvent(0))

	err := a.CloseTimeout(20 * time.Millisecond)
	var warn *ShutdownTimeoutWarning
	if !errors.As(err, &warn) {
		t.Fatalf("expected ShutdownTimeoutWarning, got %v", err)
	}

	// Records after close are ignored.
	_ = a.RecordEvent(context.Background(), queuedEvent(1))
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

type closeErrSink struct {
	recordingSink
	err error
}

func (s *closeErrSink) Close() error { return s.err }

func TestMultiSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b failed")}
	c := &closeErrSink{err: errors.New("c close")}
	m := MultiSink{a, b, c}

	if err := m.RecordEvent(context.Background(), queuedEvent(0)); err == nil || err.Error() != "b failed" {
		t.Errorf("RecordEvent = %v, want b failed", err)
	}
	if err := m.RecordViolation(context.Background(), PrivacyViolation{ID: "v"}); err == nil {
		t.Error("RecordViolation should report b's failure")
	}

	for i, s := range []*recordingSink{a, b, &c.recordingSink} {
		if e, v := s.counts(); e != 1 || v != 1 {
			t.Errorf("sink %d saw %d/%d, want 1/1", i, e, v)
		}
	}

	if err := m.Close(); !errors.Is(err, c.err) {
		t.Errorf("Close = %v, want c close", err)
	}
}

func TestAsyncSink_ConcurrentProducers(t *testing.T) {
	inner := &recordingSink{}
	a := NewAsyncSink(inner, 1000)
	a.Logger = discardLogger()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = a.RecordEvent(context.Background(), queuedEvent(i))
			}
		}()
	}
	wg.Wait()
	_ = a.Close()

	if e, _ := inner.counts(); int64(e)+a.Dropped() != 400 {
		t.Errorf("written %d + dropped %d != 400", e, a.Dropped())
	}
}
