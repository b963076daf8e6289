package meshtastic

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// NodeID is a Meshtastic node number. The canonical textual form is the
// "!" prefix followed by eight lowercase hex digits, e.g. "!a4e1b2c3".
type NodeID uint32

// BroadcastID is the node number used for broadcast destinations.
const BroadcastID NodeID = 0xFFFFFFFF

// BroadcastAddr is the canonical textual form of a broadcast destination.
const BroadcastAddr = "^all"

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// IsBroadcast reports whether the ID addresses every node.
func (n NodeID) IsBroadcast() bool {
	return n == BroadcastID || n == 0
}

// ParseNodeID parses a node identifier in any of the forms seen on the
// wire: "!a4e1b2c3", "a4e1b2c3" (any case), or a decimal node number.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty node ID")
	}
	if s == BroadcastAddr || strings.EqualFold(s, "broadcast") {
		return BroadcastID, nil
	}
	hex := strings.TrimPrefix(s, "!")
	if len(hex) == 8 {
		if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return NodeID(v), nil
		}
	}
	if !strings.HasPrefix(s, "!") {
		if v, err := strconv.ParseUint(s, 10, 32); err == nil {
			return NodeID(v), nil
		}
	}
	return 0, fmt.Errorf("unparsable node ID %q", s)
}

// NormalizeID maps any incidental formatting of a node identifier to one
// canonical key, so packets that spell the same node differently never
// split into duplicate records. It is total: identifiers that cannot be
// parsed are hashed into a "?"-prefixed bucket derived from their CRC32,
// keeping traffic from malformed-but-real senders attributable.
func NormalizeID(s string) string {
	id, err := ParseNodeID(s)
	if err != nil {
		return fmt.Sprintf("?%08x", crc32.ChecksumIEEE([]byte(s)))
	}
	if id.IsBroadcast() {
		return BroadcastAddr
	}
	return id.String()
}
