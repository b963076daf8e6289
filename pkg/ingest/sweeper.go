package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/kabili207/mesh-monitor/pkg/store"
)

// Sweeper runs the periodic retention sweep. It is deliberately separate
// from the ingestion loop but takes the same write-exclusive store paths,
// so a sweep and an in-flight upsert of the same identity serialize.
type Sweeper struct {
	stores    *store.Stores
	persister store.Persister
	retention time.Duration
	interval  time.Duration
}

// NewSweeper configures the sweep. Both durations must already be
// validated positive, with retention no shorter than the active window.
func NewSweeper(stores *store.Stores, persister store.Persister, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		stores:    stores,
		persister: persister,
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	nodes, edges := s.stores.EvictStale(s.retention)
	if len(nodes) == 0 && edges == 0 {
		return
	}
	slog.Info("retention sweep", "nodes_evicted", len(nodes), "edges_evicted", edges)
	if len(nodes) > 0 {
		if err := s.persister.DeleteNodes(ctx, nodes); err != nil {
			slog.Error("purging evicted nodes from durable store", "error", err)
		}
	}
}
