package models

import "time"

// HopUnknown marks a hop count that has never been derivable from any
// packet observed for the node. It is never fabricated into a real count.
const HopUnknown = -1

// Confidence grades how a connection fact was derived. Observed facts come
// from complete header data; inferred facts from the default-hop-limit
// heuristic. Merges are monotonic: a higher grade is never replaced by a
// lower one.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceInferred
	ConfidenceObserved
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceInferred:
		return "inferred"
	case ConfidenceObserved:
		return "observed"
	default:
		return "none"
	}
}

// MarshalJSON renders the confidence grade as its string form.
func (c Confidence) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// ConnectionFacts describe how a node (or a single packet) reached the
// local receiver.
type ConnectionFacts struct {
	IsDirect   bool       `json:"is_direct"`
	HopCount   int        `json:"hop_count"` // HopUnknown when underivable
	Confidence Confidence `json:"confidence"`
	RSSI       *int32     `json:"rssi,omitempty"`
	SNR        *float32   `json:"snr,omitempty"`
}

// Position is a node location fix.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *int32    `json:"altitude,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceMetrics are the battery/radio telemetry values a node reports.
type DeviceMetrics struct {
	BatteryLevel       *uint32  `json:"battery_level,omitempty"`
	Voltage            *float32 `json:"voltage,omitempty"`
	ChannelUtilization *float32 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float32 `json:"air_util_tx,omitempty"`
}

// EnvironmentMetrics are sensor readings from nodes with environment
// telemetry modules.
type EnvironmentMetrics struct {
	Temperature        *float32 `json:"temperature,omitempty"`
	RelativeHumidity   *float32 `json:"relative_humidity,omitempty"`
	BarometricPressure *float32 `json:"barometric_pressure,omitempty"`
}

// Node is the authoritative record for one mesh node, keyed by its
// normalized identity. ID is immutable after creation; everything else is
// merged from packets as they arrive.
type Node struct {
	ID        string `json:"id"`
	LongName  string `json:"long_name,omitempty"`
	ShortName string `json:"short_name,omitempty"`
	HWModel   string `json:"hw_model,omitempty"`
	Role      string `json:"role,omitempty"`

	Position    *Position           `json:"position,omitempty"`
	Device      *DeviceMetrics      `json:"device_metrics,omitempty"`
	Environment *EnvironmentMetrics `json:"environment_metrics,omitempty"`

	Connection  ConnectionFacts `json:"connection"`
	MinHops     int             `json:"min_hops"` // best hop count ever derived
	PacketCount uint64          `json:"packet_count"`
	DistanceKm  *float64        `json:"distance_km,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Clone returns a copy safe to hand to readers while the store keeps
// mutating the original.
func (n *Node) Clone() *Node {
	c := *n
	if n.Position != nil {
		p := *n.Position
		c.Position = &p
	}
	if n.Device != nil {
		d := *n.Device
		c.Device = &d
	}
	if n.Environment != nil {
		e := *n.Environment
		c.Environment = &e
	}
	if n.DistanceKm != nil {
		km := *n.DistanceKm
		c.DistanceKm = &km
	}
	return &c
}
