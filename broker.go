package realitycheck

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// StreamMessage is one frame of the live event stream.
type StreamMessage struct {
	Type      string    `json:"type"` // "event" | "violation" | "session"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Publisher receives live monitor updates.
type Publisher interface {
	Publish(msg StreamMessage)
}

// Broker fans StreamMessages out to subscribers. Slow subscribers lose
// messages rather than stalling the publisher.
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan StreamMessage]struct{}
	dropped atomic.Int64

	Logger  *slog.Logger
	Metrics *Metrics
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[chan StreamMessage]struct{}),
		Logger: slog.Default(),
	}
}

// Subscribe registers a subscriber with a buffer of buf messages.
func (b *Broker) Subscribe(buf int) chan StreamMessage {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan StreamMessage, buf)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()

	if b.Metrics != nil {
		b.Metrics.SetStreamSubscribers(n)
	}
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broker) Unsubscribe(ch chan StreamMessage) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, ch)
	n := len(b.subs)
	close(ch)
	b.mu.Unlock()

	if b.Metrics != nil {
		b.Metrics.SetStreamSubscribers(n)
	}
}

// Publish delivers msg to every subscriber without blocking.
func (b *Broker) Publish(msg StreamMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			count := b.dropped.Add(1)
			if b.Metrics != nil {
				b.Metrics.RecordStreamDropped()
			}
			if count == 1 || count%100 == 0 {
				b.Logger.Warn("stream subscriber too slow, dropping message", "type", msg.Type, "dropped", count)
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedCount returns the total messages dropped for slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// ServeWS upgrades the request to a websocket and streams messages as JSON
// text frames until the client disconnects.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	// The zero Upgrader only accepts same-origin browser clients.
	var up websocket.Upgrader
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := b.Subscribe(256)
	defer b.Unsubscribe(ch)

	// The read side only services control frames and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				b.Logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
