package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/kabili207/mesh-monitor/pkg/ingest"
	"github.com/kabili207/mesh-monitor/pkg/store"
)

// HealthSource exposes the ingestion loop's liveness snapshot.
type HealthSource interface {
	Health() ingest.Health
}

// APIRouter serves the JSON read surface over the shared stores. Handlers
// only ever take read locks; the ingestion loop stays the single writer.
type APIRouter struct {
	storage        *store.Stores
	health         HealthSource
	Notifier       *UpdateNotifier
	activeWindow   time.Duration
	topologyWindow time.Duration
}

// NewAPIRouter builds the read surface. activeWindow and topologyWindow
// are the defaults applied when a query omits its window parameter.
func NewAPIRouter(storage *store.Stores, health HealthSource, activeWindow, topologyWindow time.Duration) *APIRouter {
	return &APIRouter{
		storage:        storage,
		health:         health,
		Notifier:       NewUpdateNotifier(),
		activeWindow:   activeWindow,
		topologyWindow: topologyWindow,
	}
}

// Handler builds the route table.
func (ar *APIRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/api/nodes", ar.getActiveNodes).Methods("GET")
	myRouter.HandleFunc("/api/nodes/all", ar.getAllNodes).Methods("GET")
	myRouter.HandleFunc("/api/nodes/nearest", ar.getNearestNodes).Methods("GET")
	myRouter.HandleFunc("/api/nodes/sse", ar.nodesSSE).Methods("GET")
	myRouter.HandleFunc("/api/nodes/{id}/neighbors", ar.getNeighbors).Methods("GET")
	myRouter.HandleFunc("/api/messages", ar.getMessages).Methods("GET")
	myRouter.HandleFunc("/api/edges", ar.getEdges).Methods("GET")
	myRouter.HandleFunc("/api/stats", ar.getStats).Methods("GET")
	myRouter.HandleFunc("/api/health", ar.getHealth).Methods("GET")

	return myRouter
}

// Run serves until ctx is cancelled.
func (ar *APIRouter) Run(ctx context.Context, listenAddr string) error {
	srv := &http.Server{
		Addr:        listenAddr,
		Handler:     handlers.CombinedLoggingHandler(os.Stdout, ar.Handler()),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "addr", listenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ar *APIRouter) getActiveNodes(w http.ResponseWriter, r *http.Request) {
	window, err := windowParam(r, ar.activeWindow)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid window")
		return
	}
	writeJSON(w, ar.storage.Nodes.GetActive(window))
}

func (ar *APIRouter) getAllNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ar.storage.Nodes.All())
}

func (ar *APIRouter) getNearestNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		httpError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	count := 10
	if s := q.Get("n"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid n")
			return
		}
		count = n
	}
	writeJSON(w, ar.storage.Nodes.Nearest(lat, lon, count))
}

func (ar *APIRouter) getNeighbors(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, ar.storage.Topology.NeighborsOf(id))
}

func (ar *APIRouter) getMessages(w http.ResponseWriter, r *http.Request) {
	filter, err := messageFilter(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, ar.storage.Messages.Query(filter))
}

func (ar *APIRouter) getEdges(w http.ResponseWriter, r *http.Request) {
	window, err := windowParam(r, ar.topologyWindow)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid window")
		return
	}
	writeJSON(w, ar.storage.Topology.Edges(window))
}

type statsResponse struct {
	Nodes    store.NodeStats `json:"nodes"`
	Messages map[string]int  `json:"messages"`
	Edges    int             `json:"edges"`
	Retained int             `json:"messages_retained"`
}

func (ar *APIRouter) getStats(w http.ResponseWriter, r *http.Request) {
	byType := make(map[string]int)
	for t, n := range ar.storage.Messages.CountByType() {
		byType[string(t)] = n
	}
	writeJSON(w, statsResponse{
		Nodes:    ar.storage.Nodes.Stats(),
		Messages: byType,
		Edges:    ar.storage.Topology.Len(),
		Retained: ar.storage.Messages.Len(),
	})
}

func (ar *APIRouter) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ar.health.Health())
}

func messageFilter(r *http.Request) (store.MessageFilter, error) {
	q := r.URL.Query()
	f := store.MessageFilter{
		Node:  q.Get("node"),
		Limit: 100,
	}
	if s := q.Get("type"); s != "" {
		t, ok := parseMessageType(s)
		if !ok {
			return f, errors.New("invalid message type")
		}
		f.Type = t
	}
	if s := q.Get("channel"); s != "" {
		ch, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return f, errors.New("invalid channel")
		}
		c := uint32(ch)
		f.Channel = &c
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errors.New("invalid since timestamp")
		}
		f.Since = t
	}
	if s := q.Get("until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errors.New("invalid until timestamp")
		}
		f.Until = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("invalid offset")
		}
		f.Offset = n
	}
	return f, nil
}

func windowParam(r *http.Request, fallback time.Duration) (time.Duration, error) {
	s := r.URL.Query().Get("window")
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.New("invalid duration")
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
