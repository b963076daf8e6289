// Package feed supplies decoded packets to the ingestion loop. Transports
// own framing, reconnection, and backoff; the engine only ever sees
// structured RawPackets and a coarse connection status. When a feed drops,
// the stores keep serving whatever state they hold.
package feed

import (
	"context"

	"github.com/kabili207/mesh-monitor/pkg/models"
)

// Status describes the feed's connection lifecycle.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// PacketFeed is a source of decoded packets. Run blocks until ctx is
// cancelled or the feed fails terminally; the packet channel is closed
// when Run returns, which tells the ingestion loop the feed is gone for
// good (degraded mode: reads continue on stale data).
type PacketFeed interface {
	Run(ctx context.Context) error
	Packets() <-chan *models.RawPacket
	Status() Status
}
