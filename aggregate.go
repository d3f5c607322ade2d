package realitycheck

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultRingCapacity bounds every retained log: events, timeline and violations.
const DefaultRingCapacity = 10000

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring[T any] struct {
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to k newest entries, oldest first. k < 0 returns all.
func (r *ring[T]) last(k int) []T {
	if k < 0 || k > r.n {
		k = r.n
	}
	out := make([]T, k)
	for i := 0; i < k; i++ {
		out[i] = r.buf[(r.start+r.n-k+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) len() int { return r.n }

func (r *ring[T]) reset() {
	clear(r.buf)
	r.start, r.n = 0, 0
}

// Stats are the session counters. TotalRequests and TotalTrackers mirror the
// proxy counters and are never reduced by queue or ring overflow.
type Stats struct {
	TotalRequests      int64                  `json:"total_requests"`
	TotalTrackers      int64                  `json:"total_trackers"`
	EventsAggregated   int64                  `json:"events_aggregated"`
	UniqueEntities     int                    `json:"unique_entities"`
	Categories         map[string]int64       `json:"categories"`
	TrackingTypes      map[TrackingType]int64 `json:"tracking_types"`
	HighRiskViolations int64                  `json:"high_risk_violations"`
	DataPointsLeaked   int64                  `json:"data_points_leaked"`
}

func (s Stats) clone() Stats {
	s.Categories = maps.Clone(s.Categories)
	s.TrackingTypes = maps.Clone(s.TrackingTypes)
	return s
}

// EntityCount summarizes one tracker entity over the session.
type EntityCount struct {
	Entity    string    `json:"entity"`
	Category  string    `json:"category"`
	RiskScore float64   `json:"risk_score"`
	Count     int64     `json:"count"`
	Domains   []string  `json:"domains"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// GraphNode is a vertex of the tracker network: the user or an entity.
type GraphNode struct {
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	Type      string   `json:"type"`
	Category  string   `json:"category,omitempty"`
	RiskScore float64  `json:"risk_score"`
	Domains   []string `json:"domains,omitempty"`
}

// GraphEdge links the user to an entity, weighted by event count.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Weight int64  `json:"weight"`
}

// TrackerNetworkGraph is the user-to-tracker relationship graph.
type TrackerNetworkGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// UserNodeID is the fixed id of the graph's user node.
const UserNodeID = "you"

type entityInfo struct {
	category  string
	risk      float64
	count     int64
	domains   map[string]struct{}
	firstSeen time.Time
	lastSeen  time.Time
}

// aggregate is the monitor's session state. It is not synchronized; the
// monitor guards it with a single RWMutex.
type aggregate struct {
	stats      Stats
	entities   map[string]*entityInfo
	events     *ring[TrackingEvent]
	timeline   *ring[TimelineEntry]
	violations *ring[PrivacyViolation]
}

func newAggregate(capacity int) *aggregate {
	a := &aggregate{
		events:     newRing[TrackingEvent](capacity),
		timeline:   newRing[TimelineEntry](capacity),
		violations: newRing[PrivacyViolation](capacity),
	}
	a.reset()
	return a
}

func (a *aggregate) reset() {
	a.stats = Stats{
		Categories:    make(map[string]int64),
		TrackingTypes: make(map[TrackingType]int64),
	}
	a.entities = make(map[string]*entityInfo)
	a.events.reset()
	a.timeline.reset()
	a.violations.reset()
}

// apply folds one validated event into the aggregate and returns the
// violation it raised, if any.
func (a *aggregate) apply(ev TrackingEvent, policy ViolationPolicy) *PrivacyViolation {
	a.events.push(ev)

	a.stats.EventsAggregated++
	a.stats.Categories[ev.Category]++
	a.stats.TrackingTypes[ev.Type]++
	a.stats.DataPointsLeaked += int64(ev.DataPoints())

	info, ok := a.entities[ev.Entity]
	if !ok {
		info = &entityInfo{
			category:  ev.Category,
			domains:   make(map[string]struct{}),
			firstSeen: ev.Timestamp,
		}
		a.entities[ev.Entity] = info
		a.stats.UniqueEntities = len(a.entities)
	}
	info.count++
	info.risk = max(info.risk, ev.RiskScore)
	info.lastSeen = ev.Timestamp
	if ev.Domain != "" {
		info.domains[ev.Domain] = struct{}{}
	}

	a.timeline.push(TimelineEntry{
		Timestamp:    ev.Timestamp,
		EventType:    "tracker",
		Entity:       ev.Entity,
		Category:     ev.Category,
		TrackingType: ev.Type,
		URL:          ev.URL,
		RiskScore:    ev.RiskScore,
	})

	severity, violated := policy.Evaluate(ev)
	if !violated {
		return nil
	}
	a.stats.HighRiskViolations++
	v := PrivacyViolation{
		ID:          uuid.NewString(),
		EventID:     ev.ID,
		Timestamp:   ev.Timestamp,
		Severity:    severity,
		Type:        ev.Type,
		Entity:      ev.Entity,
		Description: fmt.Sprintf("%s tracked you via %s", ev.Entity, ev.Type),
		Context: ViolationContext{
			URL:         ev.URL,
			RiskScore:   ev.RiskScore,
			CookieCount: len(ev.Cookies),
			Category:    ev.Category,
		},
	}
	a.violations.push(v)
	return &v
}

// topEntities returns up to n entities by descending event count, ties
// broken by name. n < 0 returns all.
func (a *aggregate) topEntities(n int) []EntityCount {
	out := make([]EntityCount, 0, len(a.entities))
	for name, info := range a.entities {
		out = append(out, EntityCount{
			Entity:    name,
			Category:  info.category,
			RiskScore: info.risk,
			Count:     info.count,
			Domains:   sortedKeys(info.domains),
			FirstSeen: info.firstSeen,
			LastSeen:  info.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Entity < out[j].Entity
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// network builds the graph from the entity adjacency on demand.
func (a *aggregate) network() TrackerNetworkGraph {
	g := TrackerNetworkGraph{
		Nodes: []GraphNode{{ID: UserNodeID, Label: "YOU", Type: "user"}},
		Edges: []GraphEdge{},
	}
	for _, e := range a.topEntities(-1) {
		g.Nodes = append(g.Nodes, GraphNode{
			ID:        e.Entity,
			Label:     e.Entity,
			Type:      "tracker",
			Category:  e.Category,
			RiskScore: e.RiskScore,
			Domains:   e.Domains,
		})
		g.Edges = append(g.Edges, GraphEdge{Source: UserNodeID, Target: e.Entity, Weight: e.Count})
	}
	return g
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
