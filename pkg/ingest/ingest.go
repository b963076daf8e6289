// Package ingest drives the per-packet pipeline: dedup → classify → hop
// inference → node upsert (+ topology edge) → message append → durable
// write-through. Packets are processed strictly one at a time so arrival
// order is preserved for the monotonic-confidence merge and for log order.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/kabili207/mesh-monitor/pkg/classify"
	"github.com/kabili207/mesh-monitor/pkg/feed"
	"github.com/kabili207/mesh-monitor/pkg/hop"
	"github.com/kabili207/mesh-monitor/pkg/meshtastic"
	"github.com/kabili207/mesh-monitor/pkg/models"
	"github.com/kabili207/mesh-monitor/pkg/store"
)

// Config holds the ingestion tunables.
type Config struct {
	// DefaultHopLimit is the device-configured maximum hop count used by
	// the assumed-direct heuristic. Device dependent; typically 3.
	DefaultHopLimit uint32
	// SelfNodeID identifies the local receiver, used as the edge target
	// for directly heard packets that carry no gateway ID.
	SelfNodeID meshtastic.NodeID
	// DedupWindow is how long a packet ID suppresses repeats heard via
	// other gateways.
	DedupWindow time.Duration
	// StallThreshold is how long the feed may stay silent while connected
	// before health reports the read as stalled.
	StallThreshold time.Duration
}

// Health is a point-in-time liveness snapshot for observability.
type Health struct {
	FeedStatus       feed.Status `json:"feed_status"`
	LastPacketAt     time.Time   `json:"last_packet_at"`
	Stalled          bool        `json:"stalled"`
	PacketsIngested  uint64      `json:"packets_ingested"`
	PacketsDeduped   uint64      `json:"packets_deduped"`
	PersistErrors    uint64      `json:"persist_errors"`
	LastPersistError string      `json:"last_persist_error,omitempty"`
}

// Loop is the single sequential consumer of the packet stream.
type Loop struct {
	cfg       Config
	stores    *store.Stores
	persister store.Persister
	source    feed.PacketFeed
	dedup     *ttlcache.Cache[string, struct{}]

	mu               sync.RWMutex
	lastPacketAt     time.Time
	packetsIngested  uint64
	packetsDeduped   uint64
	persistErrors    uint64
	lastPersistError string

	onNodeUpdate func()
}

// New wires the pipeline. persister may be store.NopPersister.
func New(cfg Config, stores *store.Stores, persister store.Persister, source feed.PacketFeed) *Loop {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 5 * time.Minute
	}
	return &Loop{
		cfg:       cfg,
		stores:    stores,
		persister: persister,
		source:    source,
		dedup: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.DedupWindow),
		),
	}
}

// OnNodeUpdate registers a callback invoked after every node mutation,
// used to wake SSE subscribers. Must be set before Run.
func (l *Loop) OnNodeUpdate(fn func()) {
	l.onNodeUpdate = fn
}

// Health reports current liveness. A connected feed that has been silent
// past the stall threshold is flagged; a down feed is degraded, not
// stalled, since silence is then expected.
func (l *Loop) Health() Health {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := Health{
		FeedStatus:       l.source.Status(),
		LastPacketAt:     l.lastPacketAt,
		PacketsIngested:  l.packetsIngested,
		PacketsDeduped:   l.packetsDeduped,
		PersistErrors:    l.persistErrors,
		LastPersistError: l.lastPersistError,
	}
	h.Stalled = h.FeedStatus == feed.StatusConnected &&
		!l.lastPacketAt.IsZero() &&
		time.Since(l.lastPacketAt) > l.cfg.StallThreshold
	return h
}

// Run consumes packets until ctx is cancelled or the feed closes its
// channel. The in-flight packet always finishes its whole pipeline before
// Run returns.
func (l *Loop) Run(ctx context.Context) error {
	go l.dedup.Start()
	defer l.dedup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-l.source.Packets():
			if !ok {
				slog.Warn("packet feed closed, ingestion stopping")
				return nil
			}
			l.ingest(ctx, pkt)
		}
	}
}

func (l *Loop) ingest(ctx context.Context, pkt *models.RawPacket) {
	if l.isDuplicate(pkt) {
		l.mu.Lock()
		l.packetsDeduped++
		l.mu.Unlock()
		return
	}

	msg := classify.Classify(pkt)
	res := hop.Infer(msg.Header, l.cfg.DefaultHopLimit)
	msg.Signal = models.ConnectionFacts{
		IsDirect:   res.IsDirect,
		HopCount:   res.HopCount,
		Confidence: res.Confidence,
		RSSI:       msg.Header.RxRSSI,
		SNR:        msg.Header.RxSNR,
	}

	// Node state is the higher-priority invariant: it mutates first, and
	// nothing after this point can undo it.
	node := l.stores.Nodes.Upsert(pkt.From, nodeFacts(msg, res), msg.ReceivedAt)

	if res.IsDirect {
		if to := l.receiverID(pkt); to != "" && to != node.ID {
			l.stores.Topology.RecordLink(node.ID, to, msg.Header, res.HopCount, msg.ReceivedAt)
		}
	}

	l.stores.Messages.Append(msg)

	l.mu.Lock()
	l.packetsIngested++
	l.lastPacketAt = time.Now()
	l.mu.Unlock()

	l.persist(ctx, node, msg)

	if l.onNodeUpdate != nil {
		l.onNodeUpdate()
	}
}

func (l *Loop) isDuplicate(pkt *models.RawPacket) bool {
	if pkt.PacketID == 0 {
		return false
	}
	key := fmt.Sprintf("%s/%d", meshtastic.NormalizeID(pkt.From), pkt.PacketID)
	if l.dedup.Get(key, ttlcache.WithDisableTouchOnHit[string, struct{}]()) != nil {
		return true
	}
	l.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

// receiverID resolves the node that heard a direct packet: the uplinking
// gateway when known, otherwise the configured local node.
func (l *Loop) receiverID(pkt *models.RawPacket) string {
	if pkt.Gateway != "" {
		return meshtastic.NormalizeID(pkt.Gateway)
	}
	if l.cfg.SelfNodeID != 0 {
		return l.cfg.SelfNodeID.String()
	}
	return ""
}

// persist writes through to the durable sink. Failures degrade durability
// only: they are counted and logged, never returned to the pipeline.
func (l *Loop) persist(ctx context.Context, node *models.Node, msg *models.Message) {
	if err := l.persister.SaveNode(ctx, node); err != nil {
		l.recordPersistError("node", node.ID, err)
	}
	if err := l.persister.SaveMessage(ctx, msg); err != nil {
		l.recordPersistError("message", msg.From, err)
	}
}

func (l *Loop) recordPersistError(kind, id string, err error) {
	l.mu.Lock()
	l.persistErrors++
	l.lastPersistError = err.Error()
	l.mu.Unlock()
	slog.Error("persist write-through failed", "kind", kind, "id", id, "error", err)
}

func nodeFacts(msg *models.Message, res hop.Result) store.NodeFacts {
	facts := store.NodeFacts{Hop: res, Header: msg.Header}
	switch msg.Type {
	case models.MessageNodeInfo:
		facts.LongName = msg.NodeInfo.LongName
		facts.ShortName = msg.NodeInfo.ShortName
		facts.HWModel = msg.NodeInfo.HWModel
		facts.Role = msg.NodeInfo.Role
	case models.MessagePosition:
		facts.Position = msg.Position
	case models.MessageTelemetry:
		facts.Device = msg.Telemetry.Device
		facts.Environment = msg.Telemetry.Environment
	}
	return facts
}
