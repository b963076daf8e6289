package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Configuration {
	cfg := &Configuration{
		ListenAddr: ":8080",
		LogLevel:   "info",
	}
	cfg.Feed.Mode = "mqtt"
	cfg.Feed.MQTT.Broker = "tcp://localhost:1883"
	cfg.Mesh.DefaultHopLimit = 3
	cfg.Store.MessageCapacity = 1000
	cfg.Store.ActiveWindow = 2 * time.Hour
	cfg.Store.RetentionWindow = 720 * time.Hour
	cfg.Store.SweepInterval = 10 * time.Minute
	return cfg
}

func TestValidate(t *testing.T) {
	lat := 47.6
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{"valid_mqtt", func(c *Configuration) {}, ""},
		{"valid_broker", func(c *Configuration) {
			c.Feed.Mode = "broker"
			c.Feed.Broker.ListenAddr = ":1883"
		}, ""},
		{"unknown_mode", func(c *Configuration) { c.Feed.Mode = "serial" }, "unknown feed mode"},
		{"mqtt_without_broker", func(c *Configuration) { c.Feed.MQTT.Broker = "" }, "feed.mqtt.broker"},
		{"broker_without_listen", func(c *Configuration) {
			c.Feed.Mode = "broker"
			c.Feed.Broker.ListenAddr = ""
		}, "feed.broker.listenaddr"},
		{"hop_limit_zero", func(c *Configuration) { c.Mesh.DefaultHopLimit = 0 }, "defaulthoplimit"},
		{"hop_limit_too_high", func(c *Configuration) { c.Mesh.DefaultHopLimit = 8 }, "defaulthoplimit"},
		{"capacity_zero", func(c *Configuration) { c.Store.MessageCapacity = 0 }, "messagecapacity"},
		{"retention_below_active", func(c *Configuration) {
			c.Store.RetentionWindow = time.Hour
		}, "retentionwindow"},
		{"lat_without_lon", func(c *Configuration) { c.Mesh.SelfNode.Latitude = &lat }, "set together"},
		{"db_enabled_without_host", func(c *Configuration) {
			c.Database.Enabled = true
			c.Database.DB = "mesh"
		}, "database.host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
listenaddr: ":9090"
loglevel: debug
feed:
  mode: mqtt
  mqtt:
    broker: tcp://mqtt.example.net:1883
    roottopic: msh/US
mesh:
  defaulthoplimit: 7
  selfnode:
    nodeid: "!a4e1b2c3"
    latitude: 47.6062
    longitude: -122.3321
store:
  dedupwindow: 15m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.LogLevel != "debug" {
		t.Errorf("top level: %q %q", cfg.ListenAddr, cfg.LogLevel)
	}
	if cfg.Feed.MQTT.Broker != "tcp://mqtt.example.net:1883" || cfg.Feed.MQTT.RootTopic != "msh/US" {
		t.Errorf("mqtt: %+v", cfg.Feed.MQTT)
	}
	if cfg.Mesh.DefaultHopLimit != 7 {
		t.Errorf("DefaultHopLimit = %d", cfg.Mesh.DefaultHopLimit)
	}
	if cfg.Mesh.SelfNode.NodeID != 0xa4e1b2c3 {
		t.Errorf("NodeID = %v, node id hook not applied", cfg.Mesh.SelfNode.NodeID)
	}
	if cfg.Mesh.SelfNode.Latitude == nil || *cfg.Mesh.SelfNode.Latitude != 47.6062 {
		t.Errorf("Latitude = %v", cfg.Mesh.SelfNode.Latitude)
	}
	if cfg.Store.DedupWindow != 15*time.Minute {
		t.Errorf("DedupWindow = %v, duration hook not applied", cfg.Store.DedupWindow)
	}
	// Untouched keys keep their defaults.
	if cfg.Store.MessageCapacity != 10000 || cfg.Store.ActiveWindow != 2*time.Hour {
		t.Errorf("defaults: %+v", cfg.Store)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
feed:
  mode: mqtt
mesh:
  defaulthoplimit: 9
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid config loaded without error")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseSettings{User: "mesh", Password: "s3cret", Host: "db:5432", DB: "meshmon", SSLMode: "disable"}
	want := "postgres://mesh:s3cret@db:5432/meshmon?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
