package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kabili207/mesh-monitor/pkg/hop"
	"github.com/kabili207/mesh-monitor/pkg/meshtastic"
	"github.com/kabili207/mesh-monitor/pkg/models"
)

// NodeFacts carries everything a single packet can contribute to a node
// record. Zero-valued fields mean "nothing received this packet" and never
// overwrite known data.
type NodeFacts struct {
	LongName  string
	ShortName string
	HWModel   string
	Role      string

	Position    *models.PositionPayload
	Device      *models.DeviceMetrics
	Environment *models.EnvironmentMetrics

	Hop    hop.Result
	Header models.RawHeader
}

// NodeStore is the authoritative in-memory table of known nodes, keyed by
// normalized identity. A single ingestion writer mutates it; query paths
// read concurrently under the same lock.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string]*models.Node

	localLat float64
	localLon float64
	hasLocal bool

	now func() time.Time
}

// NewNodeStore creates an empty node table.
func NewNodeStore() *NodeStore {
	return &NodeStore{
		nodes: make(map[string]*models.Node),
		now:   time.Now,
	}
}

// SetLocalPosition records the monitoring node's own position and
// recomputes the cached distance of every node with a known fix.
func (s *NodeStore) SetLocalPosition(lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localLat, s.localLon, s.hasLocal = lat, lon, true
	for _, n := range s.nodes {
		if n.Position != nil {
			km := HaversineKm(lat, lon, n.Position.Latitude, n.Position.Longitude)
			n.DistanceKm = &km
		}
	}
}

// Upsert creates or updates the record for identity and returns a copy of
// the result. Merge policy: first_seen is written once and never rewritten;
// last_seen only moves forward; connection facts follow the
// monotonic-confidence rule; optional fields apply only when present.
func (s *NodeStore) Upsert(identity string, facts NodeFacts, observedAt time.Time) *models.Node {
	id := meshtastic.NormalizeID(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		n = &models.Node{
			ID:         id,
			Connection: models.ConnectionFacts{HopCount: models.HopUnknown},
			MinHops:    models.HopUnknown,
			FirstSeen:  observedAt,
			LastSeen:   observedAt,
		}
		s.nodes[id] = n
	}
	if observedAt.After(n.LastSeen) {
		n.LastSeen = observedAt
	}
	n.PacketCount++

	if facts.LongName != "" {
		n.LongName = facts.LongName
	}
	if facts.ShortName != "" {
		n.ShortName = facts.ShortName
	}
	if facts.HWModel != "" {
		n.HWModel = facts.HWModel
	}
	if facts.Role != "" {
		n.Role = facts.Role
	}

	if p := facts.Position; p != nil {
		n.Position = &models.Position{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Altitude:  p.Altitude,
			UpdatedAt: observedAt,
		}
		if s.hasLocal {
			km := HaversineKm(s.localLat, s.localLon, p.Latitude, p.Longitude)
			n.DistanceKm = &km
		}
	}
	mergeDeviceMetrics(n, facts.Device)
	mergeEnvironmentMetrics(n, facts.Environment)

	n.Connection = hop.Merge(n.Connection, facts.Hop, facts.Header)
	if c := facts.Hop.HopCount; facts.Hop.Confidence != models.ConfidenceNone && c >= 0 {
		if n.MinHops == models.HopUnknown || c < n.MinHops {
			n.MinHops = c
		}
	}

	return n.Clone()
}

func mergeDeviceMetrics(n *models.Node, in *models.DeviceMetrics) {
	if in == nil {
		return
	}
	if n.Device == nil {
		n.Device = &models.DeviceMetrics{}
	}
	if in.BatteryLevel != nil {
		n.Device.BatteryLevel = in.BatteryLevel
	}
	if in.Voltage != nil {
		n.Device.Voltage = in.Voltage
	}
	if in.ChannelUtilization != nil {
		n.Device.ChannelUtilization = in.ChannelUtilization
	}
	if in.AirUtilTx != nil {
		n.Device.AirUtilTx = in.AirUtilTx
	}
}

func mergeEnvironmentMetrics(n *models.Node, in *models.EnvironmentMetrics) {
	if in == nil {
		return
	}
	if n.Environment == nil {
		n.Environment = &models.EnvironmentMetrics{}
	}
	if in.Temperature != nil {
		n.Environment.Temperature = in.Temperature
	}
	if in.RelativeHumidity != nil {
		n.Environment.RelativeHumidity = in.RelativeHumidity
	}
	if in.BarometricPressure != nil {
		n.Environment.BarometricPressure = in.BarometricPressure
	}
}

// Get returns a copy of one node, or nil when unknown.
func (s *NodeStore) Get(identity string) *models.Node {
	id := meshtastic.NormalizeID(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.nodes[id]; ok {
		return n.Clone()
	}
	return nil
}

// All returns every node, most recently heard first. Stale nodes are
// included; use GetActive for the filtered view.
func (s *NodeStore) All() []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// GetActive returns nodes heard within window of the current time. The
// reference time is evaluated now, at query time, so the same stored data
// yields a shrinking active set as time passes. Purely a read-side filter;
// nothing is removed.
func (s *NodeStore) GetActive(window time.Duration) []*models.Node {
	cutoff := s.now().Add(-window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if !n.LastSeen.Before(cutoff) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Nearest returns up to count nodes with a known position, ordered by
// great-circle distance from the reference point. Nodes without a fix are
// excluded outright.
func (s *NodeStore) Nearest(lat, lon float64, count int) []*models.Node {
	s.mu.RLock()
	candidates := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Position != nil {
			candidates = append(candidates, n.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := HaversineKm(lat, lon, candidates[i].Position.Latitude, candidates[i].Position.Longitude)
		dj := HaversineKm(lat, lon, candidates[j].Position.Latitude, candidates[j].Position.Longitude)
		return di < dj
	})
	if count >= 0 && len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// EvictStale removes nodes that have been inactive beyond retention and
// returns the removed identities. This is the destructive, operator-driven
// counterpart to GetActive's read-time filter.
func (s *NodeStore) EvictStale(retention time.Duration) []string {
	cutoff := s.now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, n := range s.nodes {
		if n.LastSeen.Before(cutoff) {
			delete(s.nodes, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Restore repopulates the table from durable state. Intended for the
// load-on-start path before ingestion begins; existing entries with the
// same identity are replaced.
func (s *NodeStore) Restore(nodes []*models.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[meshtastic.NormalizeID(n.ID)] = n.Clone()
	}
}

// Len reports the number of known nodes, stale included.
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// NodeStats is an aggregate snapshot over the node table.
type NodeStats struct {
	Total           int         `json:"total"`
	Direct          int         `json:"direct"`
	Indirect        int         `json:"indirect"`
	Unknown         int         `json:"unknown"`
	WithPosition    int         `json:"with_position"`
	WithTelemetry   int         `json:"with_telemetry"`
	HopDistribution map[int]int `json:"hop_distribution"`
}

// Stats summarizes connectivity across all known nodes.
func (s *NodeStore) Stats() NodeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := NodeStats{HopDistribution: make(map[int]int)}
	for _, n := range s.nodes {
		st.Total++
		switch {
		case n.Connection.HopCount == models.HopUnknown:
			st.Unknown++
		case n.Connection.IsDirect:
			st.Direct++
		default:
			st.Indirect++
		}
		if n.Connection.HopCount >= 0 {
			st.HopDistribution[n.Connection.HopCount]++
		}
		if n.Position != nil {
			st.WithPosition++
		}
		if n.Device != nil || n.Environment != nil {
			st.WithTelemetry++
		}
	}
	return st
}

const earthRadiusKm = 6371

// HaversineKm computes the great-circle distance between two points on a
// spherical-earth approximation.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
