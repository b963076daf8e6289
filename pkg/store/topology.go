package store

import (
	"sort"
	"sync"
	"time"

	"github.com/kabili207/mesh-monitor/pkg/meshtastic"
	"github.com/kabili207/mesh-monitor/pkg/models"
)

// TopologyGraph maintains the directed links the receiver has actually
// observed. It records no multi-hop paths: reconstructing a route from a
// hop count alone is underdetermined, so only direct observations become
// edges.
type TopologyGraph struct {
	mu    sync.RWMutex
	edges map[edgeKey]*models.Edge

	now func() time.Time
}

type edgeKey struct {
	from string
	to   string
}

// NewTopologyGraph creates an empty graph.
func NewTopologyGraph() *TopologyGraph {
	return &TopologyGraph{
		edges: make(map[edgeKey]*models.Edge),
		now:   time.Now,
	}
}

// RecordLink creates or refreshes the directed edge from→to. Callers
// invoke it only for packets whose hop inference reported a direct
// connection; repeated observations refresh the existing edge rather than
// duplicating it, and the reverse direction stays a separate record.
func (g *TopologyGraph) RecordLink(from, to string, hdr models.RawHeader, hopCount int, observedAt time.Time) *models.Edge {
	key := edgeKey{from: meshtastic.NormalizeID(from), to: meshtastic.NormalizeID(to)}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.edges[key]
	if !ok {
		e = &models.Edge{
			From:      key.from,
			To:        key.to,
			FirstSeen: observedAt,
			LastSeen:  observedAt,
		}
		g.edges[key] = e
	}
	if observedAt.After(e.LastSeen) {
		e.LastSeen = observedAt
	}
	e.Observations++
	e.HopCount = hopCount
	if hdr.RxRSSI != nil {
		v := *hdr.RxRSSI
		e.RSSI = &v
	}
	if hdr.RxSNR != nil {
		v := *hdr.RxSNR
		e.SNR = &v
	}
	out := *e
	return &out
}

// NeighborsOf returns the current direct edges leaving identity, most
// recently observed first.
func (g *TopologyGraph) NeighborsOf(identity string) []*models.Edge {
	id := meshtastic.NormalizeID(identity)
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*models.Edge
	for k, e := range g.edges {
		if k.from == id {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Edges returns every edge observed within window of the current time,
// most recently observed first.
func (g *TopologyGraph) Edges(window time.Duration) []*models.Edge {
	cutoff := g.now().Add(-window)
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.Edge, 0, len(g.edges))
	for _, e := range g.edges {
		if !e.LastSeen.Before(cutoff) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// StaleEdges returns the edges whose last observation precedes now-window,
// without removing them.
func (g *TopologyGraph) StaleEdges(window time.Duration) []*models.Edge {
	cutoff := g.now().Add(-window)
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*models.Edge
	for _, e := range g.edges {
		if e.LastSeen.Before(cutoff) {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

// EvictStale removes edges inactive beyond retention, mirroring the node
// sweep, and reports how many were dropped.
func (g *TopologyGraph) EvictStale(retention time.Duration) int {
	cutoff := g.now().Add(-retention)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for k, e := range g.edges {
		if e.LastSeen.Before(cutoff) {
			delete(g.edges, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of edges currently held.
func (g *TopologyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}
