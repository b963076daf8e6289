package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/mesh-monitor/pkg/models"
)

// MQTTConfig configures the uplink-broker feed.
type MQTTConfig struct {
	Broker    string // e.g. "tcp://mqtt.example.net:1883"
	Username  string
	Password  string
	RootTopic string // e.g. "msh/US"
	ClientID  string

	// Reconnect backoff bounds. The retry interval doubles from
	// RetryInterval up to MaxReconnectInterval.
	RetryInterval        time.Duration
	MaxReconnectInterval time.Duration
}

// MQTTFeed consumes ServiceEnvelope publishes from an upstream broker the
// mesh gateways already report to. Reconnection is handled by the client
// with bounded exponential backoff; while disconnected the feed reports a
// degraded status and the engine keeps serving stale state.
type MQTTFeed struct {
	cfg     MQTTConfig
	client  mqtt.Client
	packets chan *models.RawPacket

	mu     sync.RWMutex
	status Status
}

var _ PacketFeed = (*MQTTFeed)(nil)

// NewMQTTFeed builds the feed; Run establishes the connection.
func NewMQTTFeed(cfg MQTTConfig) *MQTTFeed {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 2 * time.Minute
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mesh-monitor"
	}
	return &MQTTFeed{
		cfg:     cfg,
		packets: make(chan *models.RawPacket, 64),
		status:  StatusDisconnected,
	}
}

// Packets returns the decoded packet stream.
func (f *MQTTFeed) Packets() <-chan *models.RawPacket {
	return f.packets
}

// Status reports the current connection state.
func (f *MQTTFeed) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *MQTTFeed) setStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

// Run connects and blocks until ctx is cancelled. The packet channel is
// closed on return.
func (f *MQTTFeed) Run(ctx context.Context) error {
	defer close(f.packets)

	topic := f.cfg.RootTopic + "/#"
	opts := mqtt.NewClientOptions().
		AddBroker(f.cfg.Broker).
		SetClientID(f.cfg.ClientID).
		SetUsername(f.cfg.Username).
		SetPassword(f.cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(f.cfg.RetryInterval).
		SetMaxReconnectInterval(f.cfg.MaxReconnectInterval).
		SetOrderMatters(true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		f.setStatus(StatusConnected)
		slog.Info("mqtt feed connected", "broker", f.cfg.Broker, "topic", topic)
		if token := c.Subscribe(topic, 0, f.onMessage(ctx)); token.Wait() && token.Error() != nil {
			slog.Error("mqtt subscribe failed", "topic", topic, "error", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		f.setStatus(StatusDisconnected)
		slog.Warn("mqtt feed connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		f.setStatus(StatusReconnecting)
	})

	f.setStatus(StatusConnecting)
	f.client = mqtt.NewClient(opts)
	token := f.client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			f.setStatus(StatusDisconnected)
			return fmt.Errorf("connecting to %s: %w", f.cfg.Broker, err)
		}
	case <-ctx.Done():
		f.client.Disconnect(250)
		return ctx.Err()
	}

	<-ctx.Done()
	f.setStatus(StatusDisconnected)
	f.client.Disconnect(250)
	return nil
}

func (f *MQTTFeed) onMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		raw, err := DecodeEnvelope(m.Payload())
		if err != nil {
			// Non-mesh payloads under the root topic are junk traffic,
			// not a reason to stop consuming.
			slog.Debug("discarding undecodable publish", "topic", m.Topic(), "error", err)
			return
		}
		select {
		case f.packets <- raw:
		case <-ctx.Done():
		}
	}
}
