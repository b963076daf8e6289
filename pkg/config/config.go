package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/kabili207/mesh-monitor/pkg/meshtastic"
)

type Configuration struct {
	ListenAddr string
	LogLevel   string

	Feed     FeedSettings
	Mesh     MeshSettings
	Store    StoreSettings
	Database DatabaseSettings
}

// FeedSettings selects and configures the packet source.
type FeedSettings struct {
	// Mode is "mqtt" (client of an upstream broker) or "broker"
	// (embedded broker the gateways publish to).
	Mode string
	MQTT struct {
		Broker               string
		Username             string
		Password             string
		RootTopic            string
		ClientID             string
		RetryInterval        time.Duration
		MaxReconnectInterval time.Duration
	}
	Broker struct {
		ListenAddr string
		RootTopic  string
	}
}

type MeshSettings struct {
	// DefaultHopLimit is the hop limit the local mesh is configured with.
	// The assumed-direct heuristic compares incoming hop limits against
	// it, so a wrong value here skews direct/indirect classification.
	DefaultHopLimit uint32
	SelfNode        struct {
		NodeID    meshtastic.NodeID
		LongName  string
		ShortName string
		Latitude  *float64
		Longitude *float64
	}
}

type StoreSettings struct {
	MessageCapacity int
	RestoreMessages int
	ActiveWindow    time.Duration
	RetentionWindow time.Duration
	SweepInterval   time.Duration
	DedupWindow     time.Duration
	StallThreshold  time.Duration
}

type DatabaseSettings struct {
	Enabled  bool
	User     string
	Password string
	Host     string
	DB       string
	SSLMode  string
}

// DSN renders the postgres connection string.
func (d DatabaseSettings) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.DB, d.SSLMode)
}

// Load reads configuration from the given file (or the default search
// path when empty) and the MESHMON_* environment, applies defaults, and
// validates. Validation failures are fatal by design: a misconfigured
// retention policy must not silently eat history.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("meshmon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mesh-monitor")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
			// Defaults plus environment are a complete configuration.
		}
	}

	var cfg Configuration
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToNodeIDHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenaddr", ":8080")
	v.SetDefault("loglevel", "info")

	v.SetDefault("feed.mode", "mqtt")
	v.SetDefault("feed.mqtt.roottopic", "msh")
	v.SetDefault("feed.mqtt.clientid", "mesh-monitor")
	v.SetDefault("feed.mqtt.retryinterval", "1s")
	v.SetDefault("feed.mqtt.maxreconnectinterval", "2m")
	v.SetDefault("feed.broker.listenaddr", ":1883")
	v.SetDefault("feed.broker.roottopic", "msh")

	v.SetDefault("mesh.defaulthoplimit", 3)

	v.SetDefault("store.messagecapacity", 10000)
	v.SetDefault("store.restoremessages", 1000)
	v.SetDefault("store.activewindow", "2h")
	v.SetDefault("store.retentionwindow", "720h") // 30 days
	v.SetDefault("store.sweepinterval", "10m")
	v.SetDefault("store.dedupwindow", "10m")
	v.SetDefault("store.stallthreshold", "5m")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.sslmode", "disable")
}

// Validate rejects configurations the engine cannot run correctly with.
func (c *Configuration) Validate() error {
	switch c.Feed.Mode {
	case "mqtt":
		if c.Feed.MQTT.Broker == "" {
			return errors.New("feed.mqtt.broker is required in mqtt mode")
		}
	case "broker":
		if c.Feed.Broker.ListenAddr == "" {
			return errors.New("feed.broker.listenaddr is required in broker mode")
		}
	default:
		return fmt.Errorf("unknown feed mode %q", c.Feed.Mode)
	}

	if c.Mesh.DefaultHopLimit == 0 || c.Mesh.DefaultHopLimit > 7 {
		return fmt.Errorf("mesh.defaulthoplimit %d out of range 1-7", c.Mesh.DefaultHopLimit)
	}
	if c.Store.MessageCapacity <= 0 {
		return errors.New("store.messagecapacity must be positive")
	}
	if c.Store.ActiveWindow <= 0 {
		return errors.New("store.activewindow must be positive")
	}
	if c.Store.RetentionWindow < c.Store.ActiveWindow {
		return errors.New("store.retentionwindow must be at least store.activewindow")
	}
	if c.Store.SweepInterval <= 0 {
		return errors.New("store.sweepinterval must be positive")
	}
	if (c.Mesh.SelfNode.Latitude == nil) != (c.Mesh.SelfNode.Longitude == nil) {
		return errors.New("mesh.selfnode latitude and longitude must be set together")
	}
	if c.Database.Enabled && (c.Database.Host == "" || c.Database.DB == "") {
		return errors.New("database.host and database.db are required when database.enabled")
	}
	return nil
}

// stringToNodeIDHookFunc decodes "!a4e1b2c3" style strings (or decimal
// node numbers) into meshtastic.NodeID values.
func stringToNodeIDHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(meshtastic.NodeID(0)) {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return meshtastic.NodeID(0), nil
		}
		return meshtastic.ParseNodeID(s)
	}
}
