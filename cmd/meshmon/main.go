package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatusOllah/slogcolor"

	"github.com/kabili207/mesh-monitor/pkg/config"
	"github.com/kabili207/mesh-monitor/pkg/feed"
	"github.com/kabili207/mesh-monitor/pkg/hooks"
	"github.com/kabili207/mesh-monitor/pkg/ingest"
	"github.com/kabili207/mesh-monitor/pkg/models"
	"github.com/kabili207/mesh-monitor/pkg/routes"
	"github.com/kabili207/mesh-monitor/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persister, err := newPersister(cfg)
	if err != nil {
		return err
	}
	defer persister.Close()

	stores := store.NewStores(cfg.Store.MessageCapacity)
	if err := restoreState(ctx, stores, persister, cfg.Store.RestoreMessages); err != nil {
		// Degraded durability is survivable; an empty engine still serves.
		slog.Error("restoring durable state, starting empty", "error", err)
	}
	if lat, lon := cfg.Mesh.SelfNode.Latitude, cfg.Mesh.SelfNode.Longitude; lat != nil && lon != nil {
		stores.Nodes.SetLocalPosition(*lat, *lon)
	}

	source, err := newFeed(cfg)
	if err != nil {
		return err
	}

	loop := ingest.New(ingest.Config{
		DefaultHopLimit: cfg.Mesh.DefaultHopLimit,
		SelfNodeID:      cfg.Mesh.SelfNode.NodeID,
		DedupWindow:     cfg.Store.DedupWindow,
		StallThreshold:  cfg.Store.StallThreshold,
	}, stores, persister, source)

	router := routes.NewAPIRouter(stores, loop, cfg.Store.ActiveWindow, cfg.Store.ActiveWindow)
	loop.OnNodeUpdate(router.Notifier.Notify)

	sweeper := ingest.NewSweeper(stores, persister, cfg.Store.RetentionWindow, cfg.Store.SweepInterval)

	errc := make(chan error, 2)
	loopDone := make(chan error, 1)
	go func() { errc <- source.Run(ctx) }()
	go func() { loopDone <- loop.Run(ctx) }()
	go func() { errc <- router.Run(ctx, cfg.ListenAddr) }()
	go sweeper.Run(ctx)

	slog.Info("mesh monitor started",
		"feed_mode", cfg.Feed.Mode,
		"listen", cfg.ListenAddr,
		"db", cfg.Database.Enabled)

	return awaitShutdown(ctx, stop, errc, loopDone)
}

// awaitShutdown blocks until shutdown is signalled or a component fails,
// then joins the ingestion loop before returning. The loop finishes its
// in-flight packet, write-through included, so the deferred persister
// close must not run until the loop has exited.
func awaitShutdown(ctx context.Context, stop func(), errc, loopDone <-chan error) error {
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-errc:
		stop()
	case err := <-loopDone:
		stop()
		return err
	}
	if err := <-loopDone; runErr == nil {
		runErr = err
	}
	return runErr
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := *slogcolor.DefaultOptions
	opts.Level = lvl
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, &opts)))
}

func newPersister(cfg *config.Configuration) (store.Persister, error) {
	if !cfg.Database.Enabled {
		slog.Warn("database disabled, state is in-memory only")
		return store.NopPersister{}, nil
	}
	p, err := store.NewPostgresPersister(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening persistence sink: %w", err)
	}
	return p, nil
}

func restoreState(ctx context.Context, stores *store.Stores, p store.Persister, recentMessages int) error {
	nodes, err := p.LoadNodes(ctx)
	if err != nil {
		return fmt.Errorf("loading nodes: %w", err)
	}
	stores.Nodes.Restore(nodes)

	msgs, err := p.LoadRecentMessages(ctx, recentMessages)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	stores.Messages.Restore(msgs)

	slog.Info("restored durable state", "nodes", len(nodes), "messages", len(msgs))
	return nil
}

func newFeed(cfg *config.Configuration) (feed.PacketFeed, error) {
	switch cfg.Feed.Mode {
	case "mqtt":
		return feed.NewMQTTFeed(feed.MQTTConfig{
			Broker:               cfg.Feed.MQTT.Broker,
			Username:             cfg.Feed.MQTT.Username,
			Password:             cfg.Feed.MQTT.Password,
			RootTopic:            cfg.Feed.MQTT.RootTopic,
			ClientID:             cfg.Feed.MQTT.ClientID,
			RetryInterval:        cfg.Feed.MQTT.RetryInterval,
			MaxReconnectInterval: cfg.Feed.MQTT.MaxReconnectInterval,
		}), nil
	case "broker":
		return feed.NewBrokerFeed(
			feed.BrokerConfig{
				ListenAddr: cfg.Feed.Broker.ListenAddr,
				RootTopic:  cfg.Feed.Broker.RootTopic,
			},
			func(hookCtx context.Context, packets chan<- *models.RawPacket) (feed.PublishHook, any) {
				return new(hooks.MonitorHook), &hooks.MonitorHookOptions{
					RootTopic: cfg.Feed.Broker.RootTopic,
					Packets:   packets,
					Ctx:       hookCtx,
				}
			},
		), nil
	default:
		return nil, fmt.Errorf("unknown feed mode %q", cfg.Feed.Mode)
	}
}
