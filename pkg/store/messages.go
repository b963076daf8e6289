package store

import (
	"sync"
	"time"

	"github.com/kabili207/mesh-monitor/pkg/meshtastic"
	"github.com/kabili207/mesh-monitor/pkg/models"
)

// MessageLog is an append-only, capacity-bounded record of classified
// messages. Order is ingestion order, not wall-clock order: packets can
// arrive out of strict time order over the transport. Once full, the
// oldest entry is evicted per append; appending never fails.
type MessageLog struct {
	mu    sync.RWMutex
	buf   []*models.Message
	head  int // index of oldest entry
	count int
}

// MessageFilter selects log entries for a query. Zero-valued fields do not
// filter. Limit <= 0 means no page bound.
type MessageFilter struct {
	Type    models.MessageType
	Channel *uint32
	Node    string // matches source identity after normalization
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// NewMessageLog creates a log holding at most capacity entries.
// Capacity must be validated positive by configuration before this point.
func NewMessageLog(capacity int) *MessageLog {
	return &MessageLog{buf: make([]*models.Message, capacity)}
}

// Append adds a message, evicting the oldest entry when at capacity.
func (l *MessageLog) Append(msg *models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == len(l.buf) {
		l.buf[l.head] = msg
		l.head = (l.head + 1) % len(l.buf)
		return
	}
	l.buf[(l.head+l.count)%len(l.buf)] = msg
	l.count++
}

// Query returns matching messages in ingestion order, oldest first,
// applying the filter's offset and limit after matching. The underlying
// log is never mutated by a query.
func (l *MessageLog) Query(f MessageFilter) []*models.Message {
	var node string
	if f.Node != "" {
		node = meshtastic.NormalizeID(f.Node)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.Message
	skipped := 0
	for i := 0; i < l.count; i++ {
		msg := l.buf[(l.head+i)%len(l.buf)]
		if !matches(msg, f, node) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, msg)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func matches(msg *models.Message, f MessageFilter, node string) bool {
	if f.Type != "" && msg.Type != f.Type {
		return false
	}
	if f.Channel != nil && msg.Channel != *f.Channel {
		return false
	}
	if node != "" && msg.From != node {
		return false
	}
	if !f.Since.IsZero() && msg.ReceivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && msg.ReceivedAt.After(f.Until) {
		return false
	}
	return true
}

// Restore refills the log from durable state, oldest first. Entries beyond
// capacity fall off the front as usual.
func (l *MessageLog) Restore(msgs []*models.Message) {
	for _, m := range msgs {
		l.Append(m)
	}
}

// Len reports the number of retained messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Cap reports the configured capacity.
func (l *MessageLog) Cap() int {
	return len(l.buf)
}

// CountByType tallies retained messages per variant.
func (l *MessageLog) CountByType() map[models.MessageType]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[models.MessageType]int)
	for i := 0; i < l.count; i++ {
		out[l.buf[(l.head+i)%len(l.buf)].Type]++
	}
	return out
}
