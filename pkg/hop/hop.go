// Package hop derives connection facts from packet headers that may be
// partially absent. The firmware decrements hop_limit at every relay and,
// on recent versions, records the starting value in hop_start; older
// senders and some message types omit hop_start entirely, so part of this
// policy is a documented heuristic rather than a protocol guarantee.
package hop

import (
	"github.com/kabili207/mesh-monitor/pkg/models"
)

// Result is the per-packet inference outcome. The node store decides how
// it merges with prior state; ambiguous packets (ConfidenceNone) never
// override earlier knowledge.
type Result struct {
	IsDirect   bool
	HopCount   int // models.HopUnknown when underivable
	Confidence models.Confidence
}

// Infer classifies a single packet's traversal from its header snapshot.
// defaultHopLimit is the device-configured maximum (typically 3, sometimes
// 7) used by the assumed-direct heuristic when hop_start is absent.
//
//  1. Both fields present: hop count = hop_start − hop_limit, observed.
//     A negative result means a mangled header and yields unknown.
//  2. Only hop_limit present: a value equal to the default maximum means
//     the packet has not been relayed yet, so the sender is assumed
//     direct; a smaller value estimates hops against the assumed start.
//     Both are inferred, not observed.
//  3. Anything else: unknown.
func Infer(hdr models.RawHeader, defaultHopLimit uint32) Result {
	unknown := Result{HopCount: models.HopUnknown, Confidence: models.ConfidenceNone}

	if hdr.HopLimit == nil {
		return unknown
	}
	limit := *hdr.HopLimit

	if hdr.HopStart != nil {
		start := *hdr.HopStart
		if limit > start {
			// Relays must only ever decrement hop_limit.
			return unknown
		}
		count := int(start - limit)
		return Result{
			IsDirect:   count == 0,
			HopCount:   count,
			Confidence: models.ConfidenceObserved,
		}
	}

	switch {
	case limit == defaultHopLimit:
		return Result{IsDirect: true, HopCount: 0, Confidence: models.ConfidenceInferred}
	case limit < defaultHopLimit:
		return Result{
			IsDirect:   false,
			HopCount:   int(defaultHopLimit - limit),
			Confidence: models.ConfidenceInferred,
		}
	default:
		// hop_limit above the configured default: the sender runs a
		// different config and the estimate would be meaningless.
		return unknown
	}
}

// Merge applies the monotonic-confidence rule: the incoming result
// replaces prior facts only when its confidence grade is at least the
// prior grade. Signal values ride along only when the merge applies and
// the packet actually carried them.
func Merge(prior models.ConnectionFacts, in Result, hdr models.RawHeader) models.ConnectionFacts {
	if in.Confidence == models.ConfidenceNone || in.Confidence < prior.Confidence {
		return prior
	}
	out := prior
	out.IsDirect = in.IsDirect
	out.HopCount = in.HopCount
	out.Confidence = in.Confidence
	if hdr.RxRSSI != nil {
		v := *hdr.RxRSSI
		out.RSSI = &v
	}
	if hdr.RxSNR != nil {
		v := *hdr.RxSNR
		out.SNR = &v
	}
	return out
}
