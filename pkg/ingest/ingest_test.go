package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kabili207/mesh-monitor/pkg/feed"
	"github.com/kabili207/mesh-monitor/pkg/models"
	"github.com/kabili207/mesh-monitor/pkg/store"
)

// fakeFeed replays a fixed packet sequence and then closes its channel,
// which Run treats as end of stream.
type fakeFeed struct {
	ch     chan *models.RawPacket
	status feed.Status
}

func newFakeFeed(pkts ...*models.RawPacket) *fakeFeed {
	f := &fakeFeed{ch: make(chan *models.RawPacket, len(pkts)), status: feed.StatusConnected}
	for _, p := range pkts {
		f.ch <- p
	}
	close(f.ch)
	return f
}

func (f *fakeFeed) Run(ctx context.Context) error     { <-ctx.Done(); return nil }
func (f *fakeFeed) Packets() <-chan *models.RawPacket { return f.ch }
func (f *fakeFeed) Status() feed.Status               { return f.status }

type failingPersister struct {
	store.NopPersister
}

func (failingPersister) SaveNode(context.Context, *models.Node) error {
	return errors.New("connection refused")
}

func (failingPersister) SaveMessage(context.Context, *models.Message) error {
	return errors.New("connection refused")
}

func u32(v uint32) *uint32 { return &v }

func textPacket(packetID uint32) *models.RawPacket {
	return &models.RawPacket{
		From:     "!a4e1b2c3",
		To:       "^all",
		PacketID: packetID,
		Gateway:  "!0000beef",
		RxTime:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		PortNum:  1, // TEXT_MESSAGE_APP
		Payload:  []byte("hi"),
	}
}

func runLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestIngestPipeline(t *testing.T) {
	// First packet: incomplete header at the default limit, assumed direct.
	p1 := textPacket(1)
	p1.HopLimit = u32(3)

	// Second packet: complete header reveals one relay hop.
	rssi := int32(-90)
	p2 := textPacket(2)
	p2.RxTime = p2.RxTime.Add(time.Minute)
	p2.HopLimit = u32(2)
	p2.HopStart = u32(3)
	p2.RxRSSI = &rssi

	stores := store.NewStores(100)
	loop := New(Config{DefaultHopLimit: 3}, stores, store.NopPersister{}, newFakeFeed(p1, p2))
	runLoop(t, loop)

	node := stores.Nodes.Get("!a4e1b2c3")
	if node == nil {
		t.Fatal("sender not recorded")
	}
	// Observed evidence reclassified the inferred direct link.
	if node.Connection.IsDirect || node.Connection.HopCount != 1 {
		t.Errorf("connection = %+v, want observed 1 hop", node.Connection)
	}
	if node.Connection.Confidence != models.ConfidenceObserved {
		t.Errorf("confidence = %v", node.Connection.Confidence)
	}
	if node.PacketCount != 2 {
		t.Errorf("PacketCount = %d, want 2", node.PacketCount)
	}

	// Only the direct observation produced an edge, pointed at the gateway.
	edges := stores.Topology.NeighborsOf("!a4e1b2c3")
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if edges[0].To != "!0000beef" || edges[0].Observations != 1 {
		t.Errorf("edge = %+v", edges[0])
	}

	if got := stores.Messages.Len(); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}

	h := loop.Health()
	if h.PacketsIngested != 2 || h.PacketsDeduped != 0 {
		t.Errorf("health = %+v", h)
	}
}

func TestIngestDedupByPacketID(t *testing.T) {
	// The same packet heard via two gateways arrives twice.
	p1 := textPacket(42)
	p2 := textPacket(42)
	p2.Gateway = "!00000c0c"

	stores := store.NewStores(100)
	loop := New(Config{DefaultHopLimit: 3}, stores, store.NopPersister{}, newFakeFeed(p1, p2))
	runLoop(t, loop)

	if got := stores.Messages.Len(); got != 1 {
		t.Errorf("messages = %d, want 1 after dedup", got)
	}
	h := loop.Health()
	if h.PacketsIngested != 1 || h.PacketsDeduped != 1 {
		t.Errorf("health = %+v", h)
	}

	// A zero packet ID carries no dedup identity and always passes.
	p3 := textPacket(0)
	p4 := textPacket(0)
	stores2 := store.NewStores(100)
	loop2 := New(Config{DefaultHopLimit: 3}, stores2, store.NopPersister{}, newFakeFeed(p3, p4))
	runLoop(t, loop2)
	if got := stores2.Messages.Len(); got != 2 {
		t.Errorf("zero-id packets deduped: messages = %d, want 2", got)
	}
}

func TestIngestIdentityVariantsOneNode(t *testing.T) {
	p1 := textPacket(1)
	p1.From = "!A4E1B2C3"
	p2 := textPacket(2)
	p2.From = "a4e1b2c3"

	stores := store.NewStores(100)
	loop := New(Config{DefaultHopLimit: 3}, stores, store.NopPersister{}, newFakeFeed(p1, p2))
	runLoop(t, loop)

	if got := stores.Nodes.Len(); got != 1 {
		t.Fatalf("nodes = %d, want 1", got)
	}
	if n := stores.Nodes.Get("!a4e1b2c3"); n == nil || n.PacketCount != 2 {
		t.Errorf("node = %+v", n)
	}
}

func TestIngestEdgeFallsBackToSelfNode(t *testing.T) {
	p := textPacket(1)
	p.Gateway = ""
	p.HopLimit = u32(3)

	stores := store.NewStores(100)
	loop := New(Config{DefaultHopLimit: 3, SelfNodeID: 0x0000beef}, stores, store.NopPersister{}, newFakeFeed(p))
	runLoop(t, loop)

	edges := stores.Topology.NeighborsOf("!a4e1b2c3")
	if len(edges) != 1 || edges[0].To != "!0000beef" {
		t.Fatalf("edges = %+v, want link to self node", edges)
	}

	// Without a gateway or a configured self node the edge is unattributable.
	stores2 := store.NewStores(100)
	p2 := textPacket(2)
	p2.Gateway = ""
	p2.HopLimit = u32(3)
	loop2 := New(Config{DefaultHopLimit: 3}, stores2, store.NopPersister{}, newFakeFeed(p2))
	runLoop(t, loop2)
	if got := stores2.Topology.Len(); got != 0 {
		t.Errorf("edges = %d, want 0", got)
	}
}

func TestIngestPersistFailureDegradesOnly(t *testing.T) {
	stores := store.NewStores(100)
	loop := New(Config{DefaultHopLimit: 3}, stores, failingPersister{}, newFakeFeed(textPacket(1)))
	runLoop(t, loop)

	// In-memory state still advanced.
	if stores.Nodes.Get("!a4e1b2c3") == nil {
		t.Error("persist failure blocked node upsert")
	}
	if stores.Messages.Len() != 1 {
		t.Error("persist failure blocked message append")
	}

	h := loop.Health()
	if h.PersistErrors != 2 {
		t.Errorf("PersistErrors = %d, want 2", h.PersistErrors)
	}
	if h.LastPersistError == "" {
		t.Error("LastPersistError empty")
	}
}

func TestIngestNotifiesOnNodeUpdate(t *testing.T) {
	stores := store.NewStores(100)
	loop := New(Config{DefaultHopLimit: 3}, stores, store.NopPersister{}, newFakeFeed(textPacket(1), textPacket(2)))

	notified := 0
	loop.OnNodeUpdate(func() { notified++ })
	runLoop(t, loop)

	if notified != 2 {
		t.Errorf("notified %d times, want 2", notified)
	}
}

func TestRunStopsWhenFeedCloses(t *testing.T) {
	stores := store.NewStores(100)
	loop := New(Config{DefaultHopLimit: 3}, stores, store.NopPersister{}, newFakeFeed())

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after feed closed")
	}

	// Reads keep serving from retained state after the feed is gone.
	if got := stores.Nodes.GetActive(time.Hour); got == nil && stores.Nodes.Len() != 0 {
		t.Error("store unreadable after feed closed")
	}
}
