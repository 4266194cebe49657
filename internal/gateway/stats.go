package gateway

import "sync/atomic"

// Stats holds relay counters. All fields are updated atomically.
type Stats struct {
	FramesIn      atomic.Uint64
	FramesOut     atomic.Uint64
	FramesDropped atomic.Uint64
	BytesUp       atomic.Uint64
	BytesDown     atomic.Uint64
	FlowsOpened   atomic.Uint64
	FlowsFailed   atomic.Uint64
	DNSQueries    atomic.Uint64
	DNSFailures   atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64
	BytesUp       uint64
	BytesDown     uint64
	FlowsOpened   uint64
	FlowsFailed   uint64
	DNSQueries    uint64
	DNSFailures   uint64
	ActiveFlows   int
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesIn:      s.FramesIn.Load(),
		FramesOut:     s.FramesOut.Load(),
		FramesDropped: s.FramesDropped.Load(),
		BytesUp:       s.BytesUp.Load(),
		BytesDown:     s.BytesDown.Load(),
		FlowsOpened:   s.FlowsOpened.Load(),
		FlowsFailed:   s.FlowsFailed.Load(),
		DNSQueries:    s.DNSQueries.Load(),
		DNSFailures:   s.DNSFailures.Load(),
	}
}
