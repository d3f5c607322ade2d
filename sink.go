package realitycheck

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink persists aggregated events and violations outside the process.
type Sink interface {
	RecordEvent(ctx context.Context, ev TrackingEvent) error
	RecordViolation(ctx context.Context, v PrivacyViolation) error
	Close() error
}

// MultiSink fans records out to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) RecordEvent(ctx context.Context, ev TrackingEvent) error {
	var firstErr error
	for _, s := range m {
		if err := s.RecordEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) RecordViolation(ctx context.Context, v PrivacyViolation) error {
	var firstErr error
	for _, s := range m {
		if err := s.RecordViolation(ctx, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// DefaultSinkBuffer is the AsyncSink queue size.
const DefaultSinkBuffer = 1024

type sinkRecord struct {
	event     *TrackingEvent
	violation *PrivacyViolation
}

// AsyncSink writes to an underlying Sink from a single worker goroutine.
// Enqueueing never blocks: records are dropped when the buffer is full, and
// write failures are logged and counted but never returned to the caller.
type AsyncSink struct {
	sink    Sink
	records chan sinkRecord
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64

	// WriteTimeout bounds each underlying write.
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// NewAsyncSink starts the worker for sink.
func NewAsyncSink(sink Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	a := &AsyncSink{
		sink:         sink,
		records:      make(chan sinkRecord, buffer),
		done:         make(chan struct{}),
		WriteTimeout: 5 * time.Second,
		Logger:       slog.Default(),
	}
	go a.run()
	return a
}

// RecordEvent queues ev. It always returns nil.
func (a *AsyncSink) RecordEvent(_ context.Context, ev TrackingEvent) error {
	a.enqueue(sinkRecord{event: &ev})
	return nil
}

// RecordViolation queues v. It always returns nil.
func (a *AsyncSink) RecordViolation(_ context.Context, v PrivacyViolation) error {
	a.enqueue(sinkRecord{violation: &v})
	return nil
}

// Dropped returns how many records were discarded under backpressure.
func (a *AsyncSink) Dropped() int64 { return a.dropped.Load() }

func (a *AsyncSink) enqueue(rec sinkRecord) {
	if a.closed.Load() {
		return
	}
	defer func() {
		// Close raced the send.
		_ = recover()
	}()
	select {
	case a.records <- rec:
	default:
		n := a.dropped.Add(1)
		if a.Metrics != nil {
			a.Metrics.RecordSinkDropped()
		}
		if n == 1 || n%100 == 0 {
			a.Logger.Warn("sink buffer full, dropping record", "dropped", n)
		}
	}
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for rec := range a.records {
		a.write(rec)
	}
}

func (a *AsyncSink) write(rec sinkRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), a.WriteTimeout)
	defer cancel()

	op, err := "event", error(nil)
	if rec.event != nil {
		err = a.sink.RecordEvent(ctx, *rec.event)
	} else {
		op = "violation"
		err = a.sink.RecordViolation(ctx, *rec.violation)
	}
	if err != nil {
		a.Logger.Warn("sink write failed", "op", op, "error", err)
		if a.Metrics != nil {
			a.Metrics.RecordSinkError(op)
		}
	}
}

// Close drains queued records, waiting at most timeout, then closes the
// underlying sink.
func (a *AsyncSink) Close() error {
	return a.CloseTimeout(5 * time.Second)
}

// CloseTimeout is Close with an explicit join timeout. A timeout yields a
// *ShutdownTimeoutWarning joined with any close error.
func (a *AsyncSink) CloseTimeout(timeout time.Duration) error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.records)

		var warn error
		select {
		case <-a.done:
		case <-time.After(timeout):
			warn = &ShutdownTimeoutWarning{Component: "sink writer", Timeout: timeout}
			a.Logger.Warn("sink writer join timed out", "warning", warn.Error())
		}
		err = errors.Join(warn, a.sink.Close())
	})
	return err
}
