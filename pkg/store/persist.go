package store

import (
	"context"

	"github.com/kabili207/mesh-monitor/pkg/models"
)

// Persister is the durable sink behind the in-memory stores. Node upserts
// and message appends are written through after each ingestion step; the
// load methods repopulate state before ingestion resumes after a restart.
// Implementations own their schema. Write failures degrade durability,
// never availability: the caller logs and counts them but keeps going.
type Persister interface {
	SaveNode(ctx context.Context, node *models.Node) error
	SaveMessage(ctx context.Context, msg *models.Message) error
	DeleteNodes(ctx context.Context, ids []string) error

	LoadNodes(ctx context.Context) ([]*models.Node, error)
	LoadRecentMessages(ctx context.Context, limit int) ([]*models.Message, error)

	Close() error
}

// NopPersister discards writes and loads nothing. Used when the engine
// runs without a database.
type NopPersister struct{}

var _ Persister = NopPersister{}

func (NopPersister) SaveNode(context.Context, *models.Node) error       { return nil }
func (NopPersister) SaveMessage(context.Context, *models.Message) error { return nil }
func (NopPersister) DeleteNodes(context.Context, []string) error        { return nil }
func (NopPersister) LoadNodes(context.Context) ([]*models.Node, error)  { return nil, nil }
func (NopPersister) LoadRecentMessages(context.Context, int) ([]*models.Message, error) {
	return nil, nil
}
func (NopPersister) Close() error { return nil }
