package feed

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/kabili207/mesh-monitor/pkg/models"
)

// BrokerConfig configures the embedded-broker feed.
type BrokerConfig struct {
	ListenAddr string // e.g. ":1883"
	RootTopic  string // mesh topic tree to intercept, e.g. "msh"
}

// PublishHook is the broker-side half of the feed, satisfied by
// hooks.MonitorHook. Declared here so feed does not import the broker
// hook package it is constructed with.
type PublishHook interface {
	mqtt.Hook
}

// BrokerFeed runs an embedded MQTT broker that mesh gateways publish to
// directly. A publish hook forwards decoded envelopes onto the packet
// channel. Unlike the client feed there is nothing to reconnect to: the
// broker either listens or the feed is down.
type BrokerFeed struct {
	cfg     BrokerConfig
	packets chan *models.RawPacket
	hook    func(ctx context.Context, packets chan<- *models.RawPacket) (PublishHook, any)

	mu     sync.RWMutex
	status Status
}

var _ PacketFeed = (*BrokerFeed)(nil)

// NewBrokerFeed builds the feed. newHook constructs the publish-intercept
// hook and its options for the given packet channel.
func NewBrokerFeed(cfg BrokerConfig, newHook func(ctx context.Context, packets chan<- *models.RawPacket) (PublishHook, any)) *BrokerFeed {
	if cfg.RootTopic == "" {
		cfg.RootTopic = "msh"
	}
	return &BrokerFeed{
		cfg:     cfg,
		packets: make(chan *models.RawPacket, 64),
		hook:    newHook,
		status:  StatusDisconnected,
	}
}

// Packets returns the decoded packet stream.
func (f *BrokerFeed) Packets() <-chan *models.RawPacket {
	return f.packets
}

// Status reports whether the broker is serving.
func (f *BrokerFeed) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *BrokerFeed) setStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

// Run serves the broker until ctx is cancelled. The packet channel is
// closed on return.
func (f *BrokerFeed) Run(ctx context.Context) error {
	defer close(f.packets)

	server := mqtt.New(&mqtt.Options{InlineClient: false})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("adding auth hook: %w", err)
	}
	hook, opts := f.hook(ctx, f.packets)
	if err := server.AddHook(hook, opts); err != nil {
		return fmt.Errorf("adding monitor hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "mesh-tcp", Address: f.cfg.ListenAddr})
	if err := server.AddListener(tcp); err != nil {
		return fmt.Errorf("adding listener on %s: %w", f.cfg.ListenAddr, err)
	}

	f.setStatus(StatusConnecting)
	if err := server.Serve(); err != nil {
		f.setStatus(StatusDisconnected)
		return fmt.Errorf("serving embedded broker: %w", err)
	}
	f.setStatus(StatusConnected)

	<-ctx.Done()
	f.setStatus(StatusDisconnected)
	return server.Close()
}
