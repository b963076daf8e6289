// Package hooks contains the embedded-broker ingest path: mesh gateways
// publish ServiceEnvelopes straight to a broker we run, and a hook on the
// publish path forwards every decoded packet to the ingestion loop.
package hooks

import (
	"bytes"
	"context"
	"strings"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/kabili207/mesh-monitor/pkg/feed"
	"github.com/kabili207/mesh-monitor/pkg/models"
)

// MonitorHookOptions configures the publish-intercept hook.
type MonitorHookOptions struct {
	// RootTopic scopes interception to the mesh topic tree, e.g. "msh".
	RootTopic string
	// Packets receives every decoded envelope published under RootTopic.
	Packets chan<- *models.RawPacket
	// Ctx aborts forwarding during shutdown so a full channel cannot wedge
	// the broker.
	Ctx context.Context
}

// MonitorHook intercepts mesh envelopes published to the embedded broker
// and forwards the decoded packets. Publishes pass through unmodified:
// this broker observes, it does not rewrite.
type MonitorHook struct {
	mqtt.HookBase
	config *MonitorHookOptions
}

func (h *MonitorHook) ID() string {
	return "mesh-monitor-hook"
}

func (h *MonitorHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnPublish,
	}, []byte{b})
}

func (h *MonitorHook) Init(config any) error {
	cfg, ok := config.(*MonitorHookOptions)
	if !ok || cfg == nil || cfg.Packets == nil {
		return mqtt.ErrInvalidConfigType
	}
	if cfg.RootTopic == "" {
		cfg.RootTopic = "msh"
	}
	if cfg.Ctx == nil {
		cfg.Ctx = context.Background()
	}
	h.config = cfg
	h.Log.Info("initialised", "root_topic", cfg.RootTopic)
	return nil
}

func (h *MonitorHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !strings.HasPrefix(pk.TopicName, h.config.RootTopic+"/") {
		return pk, nil
	}
	raw, err := feed.DecodeEnvelope(pk.Payload)
	if err != nil {
		h.Log.Warn("non-mesh payload in mesh topic tree",
			"client", cl.ID, "topic", pk.TopicName, "error", err)
		return pk, nil
	}
	select {
	case h.config.Packets <- raw:
	case <-h.config.Ctx.Done():
	}
	return pk, nil
}
