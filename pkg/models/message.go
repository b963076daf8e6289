package models

import "time"

// MessageType tags the closed set of message variants the classifier
// produces. Unknown ports map to MessageUnclassified, never to a failure.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessagePosition     MessageType = "position"
	MessageTelemetry    MessageType = "telemetry"
	MessageNodeInfo     MessageType = "nodeinfo"
	MessageRouting      MessageType = "routing"
	MessageUnclassified MessageType = "unclassified"
)

// TextPayload is a user text message.
type TextPayload struct {
	Text string `json:"text"`
}

// PositionPayload is a location report.
type PositionPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  *int32  `json:"altitude,omitempty"`
}

// TelemetryPayload carries whichever metric groups the packet included.
type TelemetryPayload struct {
	Device      *DeviceMetrics      `json:"device,omitempty"`
	Environment *EnvironmentMetrics `json:"environment,omitempty"`
}

// NodeInfoPayload is a node's self-description broadcast.
type NodeInfoPayload struct {
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	HWModel   string `json:"hw_model,omitempty"`
	Role      string `json:"role,omitempty"`
}

// RoutingPayload is a traceroute or route reply. Route entries are
// normalized node identities in traversal order.
type RoutingPayload struct {
	RequestID uint32    `json:"request_id,omitempty"`
	Route     []string  `json:"route,omitempty"`
	RouteBack []string  `json:"route_back,omitempty"`
	SNR       []float32 `json:"snr,omitempty"`
}

// Message is one classified packet. Exactly one payload pointer matching
// Type is set; unclassified messages carry none. Messages are immutable
// once appended to the log.
type Message struct {
	Type       MessageType `json:"type"`
	From       string      `json:"from"` // normalized identity
	To         string      `json:"to"`   // normalized identity or broadcast
	Channel    uint32      `json:"channel"`
	ReceivedAt time.Time   `json:"received_at"`

	Signal ConnectionFacts `json:"signal"`
	Header RawHeader       `json:"header"`

	Text      *TextPayload      `json:"text_payload,omitempty"`
	Position  *PositionPayload  `json:"position_payload,omitempty"`
	Telemetry *TelemetryPayload `json:"telemetry_payload,omitempty"`
	NodeInfo  *NodeInfoPayload  `json:"nodeinfo_payload,omitempty"`
	Routing   *RoutingPayload   `json:"routing_payload,omitempty"`
}
