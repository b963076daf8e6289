package models

import "time"

// RawPacket is one decoded radio packet as delivered by a feed. Serial or
// MQTT framing has already been stripped by the transport; fields that the
// sending firmware may omit are pointer-typed so absence survives intact.
type RawPacket struct {
	From     string // sender as spelled on the wire ("!a4e1b2c3", decimal, ...)
	To       string // destination node or broadcast
	PacketID uint32
	Channel  uint32
	Gateway  string // node that uplinked the packet, when relayed via MQTT
	RxTime   time.Time
	ViaMQTT  bool

	HopLimit *uint32
	HopStart *uint32
	RxRSSI   *int32
	RxSNR    *float32

	PortNum   int32
	RequestID uint32 // packet this one replies to, zero when unrelated
	Payload   []byte
}

// RawHeader is the immutable header snapshot retained on every Message for
// audit and debugging. It mirrors the packet fields that feed hop inference.
type RawHeader struct {
	PacketID uint32   `json:"packet_id"`
	HopLimit *uint32  `json:"hop_limit,omitempty"`
	HopStart *uint32  `json:"hop_start,omitempty"`
	RxRSSI   *int32   `json:"rx_rssi,omitempty"`
	RxSNR    *float32 `json:"rx_snr,omitempty"`
	ViaMQTT  bool     `json:"via_mqtt"`
	Gateway  string   `json:"gateway,omitempty"`
}

// Header extracts the audit snapshot from a packet.
func (p *RawPacket) Header() RawHeader {
	return RawHeader{
		PacketID: p.PacketID,
		HopLimit: p.HopLimit,
		HopStart: p.HopStart,
		RxRSSI:   p.RxRSSI,
		RxSNR:    p.RxSNR,
		ViaMQTT:  p.ViaMQTT,
		Gateway:  p.Gateway,
	}
}
