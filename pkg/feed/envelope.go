package feed

import (
	"fmt"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/mesh-monitor/pkg/meshtastic"
	"github.com/kabili207/mesh-monitor/pkg/models"
)

// DecodeEnvelope unmarshals a ServiceEnvelope from an MQTT payload and
// flattens it into a RawPacket. Zero-valued optional header fields are
// mapped to absent: hop_start was added to the firmware later and zero
// means the sender never set it, and an exactly-zero RSSI/SNR is the
// firmware's "not measured" marker.
func DecodeEnvelope(payload []byte) (*models.RawPacket, error) {
	var env pb.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshalling service envelope: %w", err)
	}
	pkt := env.GetPacket()
	if pkt == nil {
		return nil, fmt.Errorf("service envelope without packet")
	}

	raw := &models.RawPacket{
		From:     meshtastic.NodeID(pkt.GetFrom()).String(),
		To:       destination(pkt.GetTo()),
		PacketID: pkt.GetId(),
		Channel:  pkt.GetChannel(),
		Gateway:  env.GetGatewayId(),
		ViaMQTT:  pkt.GetViaMqtt(),
		RxTime:   rxTime(pkt.GetRxTime()),
	}

	hopLimit := pkt.GetHopLimit()
	raw.HopLimit = &hopLimit
	if hs := pkt.GetHopStart(); hs != 0 {
		raw.HopStart = &hs
	}
	if rssi := pkt.GetRxRssi(); rssi != 0 {
		raw.RxRSSI = &rssi
	}
	if snr := pkt.GetRxSnr(); snr != 0 {
		raw.RxSNR = &snr
	}

	// Encrypted packets we hold no key for still count as traffic from a
	// real node; they classify as unclassified downstream.
	if data := pkt.GetDecoded(); data != nil {
		raw.PortNum = int32(data.GetPortnum())
		raw.RequestID = data.GetRequestId()
		raw.Payload = data.GetPayload()
	}
	return raw, nil
}

func destination(to uint32) string {
	id := meshtastic.NodeID(to)
	if id.IsBroadcast() {
		return meshtastic.BroadcastAddr
	}
	return id.String()
}

func rxTime(ts uint32) time.Time {
	if ts == 0 {
		return time.Now()
	}
	return time.Unix(int64(ts), 0)
}
