package store

import (
	"math"
	"testing"
	"time"

	"github.com/kabili207/mesh-monitor/pkg/hop"
	"github.com/kabili207/mesh-monitor/pkg/models"
)

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func observedDirect() hop.Result {
	return hop.Result{IsDirect: true, HopCount: 0, Confidence: models.ConfidenceObserved}
}

func TestUpsertCreatesAndMerges(t *testing.T) {
	s := NewNodeStore()

	n := s.Upsert("!abcd1234", NodeFacts{LongName: "Base Camp", Hop: observedDirect()}, baseTime)
	if n.ID != "!abcd1234" {
		t.Fatalf("ID = %q", n.ID)
	}
	if !n.FirstSeen.Equal(baseTime) || !n.LastSeen.Equal(baseTime) {
		t.Errorf("timestamps: first=%v last=%v", n.FirstSeen, n.LastSeen)
	}
	if n.PacketCount != 1 {
		t.Errorf("PacketCount = %d, want 1", n.PacketCount)
	}

	// Later packet with no name: known name survives, last_seen advances.
	later := baseTime.Add(time.Minute)
	n = s.Upsert("!abcd1234", NodeFacts{}, later)
	if n.LongName != "Base Camp" {
		t.Errorf("empty update overwrote name: %q", n.LongName)
	}
	if !n.FirstSeen.Equal(baseTime) {
		t.Errorf("first_seen rewritten to %v", n.FirstSeen)
	}
	if !n.LastSeen.Equal(later) {
		t.Errorf("last_seen = %v, want %v", n.LastSeen, later)
	}

	// Out-of-order packet: last_seen never regresses.
	n = s.Upsert("!abcd1234", NodeFacts{}, baseTime.Add(-time.Hour))
	if !n.LastSeen.Equal(later) {
		t.Errorf("stale packet regressed last_seen to %v", n.LastSeen)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestUpsertIdentityVariantsSingleRecord(t *testing.T) {
	s := NewNodeStore()
	s.Upsert("!ABCD1234", NodeFacts{}, baseTime)
	s.Upsert("abcd1234", NodeFacts{}, baseTime.Add(time.Second))
	if s.Len() != 1 {
		t.Fatalf("identity variants split into %d records", s.Len())
	}
	n := s.Get("!abcd1234")
	if n == nil || n.PacketCount != 2 {
		t.Errorf("expected one record with 2 packets, got %+v", n)
	}
}

func TestUpsertConfidenceNeverRegresses(t *testing.T) {
	s := NewNodeStore()

	// hop_limit == default without hop_start: assumed direct, inferred.
	inferred := hop.Result{IsDirect: true, HopCount: 0, Confidence: models.ConfidenceInferred}
	n := s.Upsert("!abcd1234", NodeFacts{Hop: inferred}, baseTime)
	if !n.Connection.IsDirect || n.Connection.Confidence != models.ConfidenceInferred {
		t.Fatalf("inferred direct not applied: %+v", n.Connection)
	}

	// Complete header shows one hop: observed wins over inferred.
	observed := hop.Result{IsDirect: false, HopCount: 1, Confidence: models.ConfidenceObserved}
	n = s.Upsert("!abcd1234", NodeFacts{Hop: observed}, baseTime.Add(time.Second))
	if n.Connection.IsDirect || n.Connection.HopCount != 1 {
		t.Fatalf("observed did not override inferred: %+v", n.Connection)
	}

	// An ambiguous packet preserves prior knowledge.
	ambiguous := hop.Result{HopCount: models.HopUnknown, Confidence: models.ConfidenceNone}
	n = s.Upsert("!abcd1234", NodeFacts{Hop: ambiguous}, baseTime.Add(2*time.Second))
	if n.Connection.HopCount != 1 || n.Connection.Confidence != models.ConfidenceObserved {
		t.Errorf("ambiguous packet regressed facts: %+v", n.Connection)
	}

	if n.MinHops != 0 {
		t.Errorf("MinHops = %d, want 0", n.MinHops)
	}
}

func TestUpsertPositionAndTelemetry(t *testing.T) {
	s := NewNodeStore()
	s.SetLocalPosition(47.6062, -122.3321) // Seattle

	pos := &models.PositionPayload{Latitude: 45.5152, Longitude: -122.6784} // Portland
	n := s.Upsert("!abcd1234", NodeFacts{Position: pos}, baseTime)
	if n.Position == nil {
		t.Fatal("position not applied")
	}
	if n.DistanceKm == nil {
		t.Fatal("distance from local position not computed")
	}
	if d := *n.DistanceKm; d < 200 || d > 280 {
		t.Errorf("Seattle-Portland distance = %.1f km, want ~233", d)
	}

	// Telemetry-only packet must not clear the position.
	bat := uint32(85)
	n = s.Upsert("!abcd1234", NodeFacts{Device: &models.DeviceMetrics{BatteryLevel: &bat}}, baseTime.Add(time.Minute))
	if n.Position == nil {
		t.Error("telemetry packet cleared position")
	}
	if n.Device == nil || n.Device.BatteryLevel == nil || *n.Device.BatteryLevel != 85 {
		t.Errorf("battery not applied: %+v", n.Device)
	}

	// Partial telemetry keeps earlier fields.
	volt := float32(3.9)
	n = s.Upsert("!abcd1234", NodeFacts{Device: &models.DeviceMetrics{Voltage: &volt}}, baseTime.Add(2*time.Minute))
	if n.Device.BatteryLevel == nil {
		t.Error("partial telemetry dropped battery level")
	}
}

func TestGetActiveEvaluatesAtQueryTime(t *testing.T) {
	s := NewNodeStore()
	s.Upsert("!00000001", NodeFacts{}, baseTime)
	s.Upsert("!00000002", NodeFacts{}, baseTime.Add(90*time.Minute))

	s.now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	active := s.GetActive(time.Hour)
	if len(active) != 1 || active[0].ID != "!00000002" {
		t.Fatalf("active at T+2h = %v", ids(active))
	}

	// Same data, later clock: the active set shrinks.
	s.now = func() time.Time { return baseTime.Add(4 * time.Hour) }
	if active := s.GetActive(time.Hour); len(active) != 0 {
		t.Errorf("active at T+4h = %v, want empty", ids(active))
	}

	// Filtering is non-destructive.
	if s.Len() != 2 {
		t.Errorf("GetActive mutated the store: Len = %d", s.Len())
	}
}

func TestNearestSortsByHaversine(t *testing.T) {
	s := NewNodeStore()
	ref := [2]float64{47.6062, -122.3321} // Seattle

	add := func(id string, lat, lon float64) {
		s.Upsert(id, NodeFacts{Position: &models.PositionPayload{Latitude: lat, Longitude: lon}}, baseTime)
	}
	add("!00000001", 45.5152, -122.6784) // Portland ~233 km
	add("!00000002", 47.2529, -122.4443) // Tacoma ~40 km
	add("!00000003", 49.2827, -123.1207) // Vancouver ~192 km
	s.Upsert("!00000004", NodeFacts{}, baseTime) // no position

	got := s.Nearest(ref[0], ref[1], 10)
	want := []string{"!00000002", "!00000003", "!00000001"}
	if len(got) != len(want) {
		t.Fatalf("Nearest returned %v, want %v", ids(got), want)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("Nearest[%d] = %s, want %s", i, got[i].ID, id)
		}
	}

	if got := s.Nearest(ref[0], ref[1], 2); len(got) != 2 {
		t.Errorf("Nearest with n=2 returned %d nodes", len(got))
	}
}

func TestEvictStaleExactCutoff(t *testing.T) {
	s := NewNodeStore()
	s.Upsert("!00000001", NodeFacts{}, baseTime.Add(-3*time.Hour))
	s.Upsert("!00000002", NodeFacts{}, baseTime.Add(-2*time.Hour)) // exactly at cutoff
	s.Upsert("!00000003", NodeFacts{}, baseTime.Add(-time.Hour))
	s.now = func() time.Time { return baseTime }

	removed := s.EvictStale(2 * time.Hour)
	if len(removed) != 1 || removed[0] != "!00000001" {
		t.Fatalf("removed = %v, want [!00000001]", removed)
	}
	if s.Get("!00000002") == nil || s.Get("!00000003") == nil {
		t.Error("eviction removed nodes inside the retention window")
	}
}

func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"same_point", 47.6, -122.3, 47.6, -122.3, 0},
		{"one_degree_lat", 0, 0, 1, 0, 111.19},
		{"seattle_portland", 47.6062, -122.3321, 45.5152, -122.6784, 233.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.want*0.01+0.01 {
				t.Errorf("HaversineKm = %.2f, want ~%.2f", got, tt.want)
			}
		})
	}
}

func ids(nodes []*models.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
