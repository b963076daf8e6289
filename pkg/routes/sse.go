package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kabili207/mesh-monitor/pkg/models"
)

// UpdateNotifier fans node-update signals out to SSE subscribers.
type UpdateNotifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.RWMutex
}

// NewUpdateNotifier creates an empty notifier.
func NewUpdateNotifier() *UpdateNotifier {
	return &UpdateNotifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe adds a subscriber notified on every node mutation.
func (un *UpdateNotifier) Subscribe() chan struct{} {
	un.mu.Lock()
	defer un.mu.Unlock()
	ch := make(chan struct{}, 1)
	un.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (un *UpdateNotifier) Unsubscribe(ch chan struct{}) {
	un.mu.Lock()
	defer un.mu.Unlock()
	delete(un.subscribers, ch)
	close(ch)
}

// Notify signals all subscribers that node state changed.
func (un *UpdateNotifier) Notify() {
	un.mu.RLock()
	defer un.mu.RUnlock()
	for ch := range un.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending notification.
		}
	}
}

func parseMessageType(s string) (models.MessageType, bool) {
	switch t := models.MessageType(s); t {
	case models.MessageText, models.MessagePosition, models.MessageTelemetry,
		models.MessageNodeInfo, models.MessageRouting, models.MessageUnclassified:
		return t, true
	}
	return "", false
}

// nodesSSE streams the active node set: a snapshot on connect, then a
// fresh snapshot whenever ingestion mutates a node, throttled by the
// notifier's one-pending-signal semantics.
func (ar *APIRouter) nodesSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	window, err := windowParam(r, ar.activeWindow)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid window")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := ar.Notifier.Subscribe()
	defer ar.Notifier.Unsubscribe(updates)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	send := func() bool {
		payload, err := json.Marshal(ar.storage.Nodes.GetActive(window))
		if err != nil {
			slog.Error("marshalling sse snapshot", "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: nodes\ndata: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-updates:
			if !send() {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
