package realitycheck

import (
	"log/slog"
	"sync/atomic"
)

// DefaultQueueCapacity bounds the classifier-to-monitor event queue.
const DefaultQueueCapacity = 10000

// EventQueue is the bounded multi-producer, single-consumer channel between
// classifier goroutines and the monitor drain loop.
//
// Offer never blocks. When the queue is full the oldest buffered event is
// evicted and the send retried once; if a concurrent producer refills the
// slot first the new event is dropped. A burst of B events against capacity
// C therefore loses at most B-C events from the retained log.
type EventQueue struct {
	ch chan TrackingEvent

	evicted atomic.Int64
	dropped atomic.Int64

	// Logger receives rate-limited ChannelOverflowWarning messages.
	Logger *slog.Logger

	// Metrics records evictions and drops (optional).
	Metrics *Metrics
}

// NewEventQueue creates a queue holding at most capacity events.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &EventQueue{
		ch:     make(chan TrackingEvent, capacity),
		Logger: slog.Default(),
	}
}

// Offer enqueues ev without blocking and reports whether it was accepted.
func (q *EventQueue) Offer(ev TrackingEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	select {
	case <-q.ch:
		q.overflow(&q.evicted, "evicted")
	default:
	}

	select {
	case q.ch <- ev:
		return true
	default:
		q.overflow(&q.dropped, "dropped")
		return false
	}
}

// overflow counts an eviction or drop and logs on the first and every
// hundredth occurrence.
func (q *EventQueue) overflow(counter *atomic.Int64, reason string) {
	n := counter.Add(1)
	if q.Metrics != nil {
		q.Metrics.RecordQueueOverflow(reason)
	}
	if n == 1 || n%100 == 0 {
		w := &ChannelOverflowWarning{Evicted: q.evicted.Load(), Dropped: q.dropped.Load()}
		q.Logger.Warn("tracking event queue full", "reason", reason, "warning", w.Error())
	}
}

// Drain pops up to max queued events without blocking.
func (q *EventQueue) Drain(max int) []TrackingEvent {
	if max <= 0 {
		return nil
	}
	var out []TrackingEvent
	for len(out) < max {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Discard empties the queue and returns how many events were thrown away.
func (q *EventQueue) Discard() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *EventQueue) Cap() int { return cap(q.ch) }

// QueueStats is a point-in-time view of queue pressure.
type QueueStats struct {
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
	Evicted  int64 `json:"evicted"`
	Dropped  int64 `json:"dropped"`
}

// Stats returns current queue pressure counters.
func (q *EventQueue) Stats() QueueStats {
	return QueueStats{
		Depth:    len(q.ch),
		Capacity: cap(q.ch),
		Evicted:  q.evicted.Load(),
		Dropped:  q.dropped.Load(),
	}
}
