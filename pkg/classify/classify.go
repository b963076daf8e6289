// Package classify maps decoded radio packets onto the engine's closed set
// of message variants. Classification is a pure function: unknown ports
// become unclassified messages and malformed payloads degrade to the same
// bucket, but a packet is never dropped here.
package classify

import (
	"log/slog"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/mesh-monitor/pkg/meshtastic"
	"github.com/kabili207/mesh-monitor/pkg/models"
)

// Classify builds a typed Message from a decoded packet. Identities are
// normalized so the message always correlates with exactly one node
// record. The per-packet signal facts are filled in later by hop
// inference; only the immutable header snapshot is attached here.
func Classify(p *models.RawPacket) *models.Message {
	msg := &models.Message{
		Type:       models.MessageUnclassified,
		From:       meshtastic.NormalizeID(p.From),
		To:         meshtastic.NormalizeID(p.To),
		Channel:    p.Channel,
		ReceivedAt: p.RxTime,
		Signal:     models.ConnectionFacts{HopCount: models.HopUnknown},
		Header:     p.Header(),
	}

	switch pb.PortNum(p.PortNum) {
	case pb.PortNum_TEXT_MESSAGE_APP:
		msg.Type = models.MessageText
		msg.Text = &models.TextPayload{Text: string(p.Payload)}

	case pb.PortNum_POSITION_APP:
		var pos pb.Position
		if err := proto.Unmarshal(p.Payload, &pos); err != nil {
			slog.Warn("malformed position payload", "from", msg.From, "error", err)
			return msg
		}
		msg.Type = models.MessagePosition
		msg.Position = decodePosition(&pos)

	case pb.PortNum_NODEINFO_APP:
		var user pb.User
		if err := proto.Unmarshal(p.Payload, &user); err != nil {
			slog.Warn("malformed nodeinfo payload", "from", msg.From, "error", err)
			return msg
		}
		msg.Type = models.MessageNodeInfo
		msg.NodeInfo = &models.NodeInfoPayload{
			LongName:  user.GetLongName(),
			ShortName: user.GetShortName(),
			HWModel:   user.GetHwModel().String(),
			Role:      user.GetRole().String(),
		}

	case pb.PortNum_TELEMETRY_APP:
		var tel pb.Telemetry
		if err := proto.Unmarshal(p.Payload, &tel); err != nil {
			slog.Warn("malformed telemetry payload", "from", msg.From, "error", err)
			return msg
		}
		msg.Type = models.MessageTelemetry
		msg.Telemetry = decodeTelemetry(&tel)

	case pb.PortNum_TRACEROUTE_APP, pb.PortNum_ROUTING_APP:
		msg.Type = models.MessageRouting
		msg.Routing = decodeRouting(p)
	}

	return msg
}

func decodePosition(pos *pb.Position) *models.PositionPayload {
	return &models.PositionPayload{
		Latitude:  float64(pos.GetLatitudeI()) / 1e7,
		Longitude: float64(pos.GetLongitudeI()) / 1e7,
		Altitude:  pos.Altitude,
	}
}

// decodeTelemetry copies the metric fields pointer-for-pointer: the proto
// declares them optional, so presence survives and a real zero reading
// (0 degrees, 0% battery) is kept distinct from a field never sent.
func decodeTelemetry(tel *pb.Telemetry) *models.TelemetryPayload {
	out := &models.TelemetryPayload{}
	if dm := tel.GetDeviceMetrics(); dm != nil {
		out.Device = &models.DeviceMetrics{
			BatteryLevel:       dm.BatteryLevel,
			Voltage:            dm.Voltage,
			ChannelUtilization: dm.ChannelUtilization,
			AirUtilTx:          dm.AirUtilTx,
		}
	}
	if em := tel.GetEnvironmentMetrics(); em != nil {
		out.Environment = &models.EnvironmentMetrics{
			Temperature:        em.Temperature,
			RelativeHumidity:   em.RelativeHumidity,
			BarometricPressure: em.BarometricPressure,
		}
	}
	return out
}

func decodeRouting(p *models.RawPacket) *models.RoutingPayload {
	out := &models.RoutingPayload{RequestID: p.RequestID}
	if pb.PortNum(p.PortNum) != pb.PortNum_TRACEROUTE_APP {
		return out
	}
	var disco pb.RouteDiscovery
	if err := proto.Unmarshal(p.Payload, &disco); err != nil {
		slog.Warn("malformed traceroute payload", "from", p.From, "error", err)
		return out
	}
	for _, n := range disco.GetRoute() {
		out.Route = append(out.Route, meshtastic.NodeID(n).String())
	}
	for _, n := range disco.GetRouteBack() {
		out.RouteBack = append(out.RouteBack, meshtastic.NodeID(n).String())
	}
	// Firmware reports SNR scaled by 4; MinInt8 marks an unknown hop.
	for _, s := range disco.GetSnrTowards() {
		out.SNR = append(out.SNR, float32(s)/4)
	}
	return out
}
