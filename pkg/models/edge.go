package models

import "time"

// Edge is a directed, directly-observed link between two node identities.
// A→B and B→A are distinct records since mesh links can be asymmetric.
// An edge is refreshed, never duplicated, on repeat observations.
type Edge struct {
	From         string    `json:"from"`
	To           string    `json:"to"`
	RSSI         *int32    `json:"rssi,omitempty"`
	SNR          *float32  `json:"snr,omitempty"`
	HopCount     int       `json:"hop_count"`
	Observations uint64    `json:"observations"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}
