package store

import "time"

// Stores bundles the three logical stores that make up the engine's state.
// Each store carries its own lock; the ingestion loop is the single writer
// for all of them.
type Stores struct {
	Nodes    *NodeStore
	Topology *TopologyGraph
	Messages *MessageLog
}

// NewStores builds the in-memory state with the given message capacity.
func NewStores(messageCapacity int) *Stores {
	return &Stores{
		Nodes:    NewNodeStore(),
		Topology: NewTopologyGraph(),
		Messages: NewMessageLog(messageCapacity),
	}
}

// EvictStale sweeps nodes and edges inactive beyond retention. It takes
// the same write-exclusive path as ingestion, so a sweep never races an
// in-flight upsert of the same identity.
func (s *Stores) EvictStale(retention time.Duration) (nodes []string, edges int) {
	nodes = s.Nodes.EvictStale(retention)
	edges = s.Topology.EvictStale(retention)
	return nodes, edges
}
