package service

import (
	"context"
	"sync"
	"time"

	"proxytun/internal/core"
	"proxytun/internal/gateway"
)

const statsInterval = 30 * time.Second

// TrafficStats is a point-in-time view of a session's relay counters.
type TrafficStats struct {
	gateway.StatsSnapshot
	UpRate    uint64 // bytes/sec over the last interval
	DownRate  uint64 // bytes/sec over the last interval
	Timestamp time.Time
}

// StatsCollector periodically samples relay counters and logs them.
type StatsCollector struct {
	sessionID string
	stats     *gateway.Stats
	active    func() int
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	prev   TrafficStats
	latest TrafficStats
}

// NewStatsCollector creates a collector over stats. active reports the
// number of live flows.
func NewStatsCollector(sessionID string, stats *gateway.Stats, active func() int) *StatsCollector {
	return &StatsCollector{
		sessionID: sessionID,
		stats:     stats,
		active:    active,
		interval:  statsInterval,
		done:      make(chan struct{}),
	}
}

// Start begins periodic collection.
func (sc *StatsCollector) Start(ctx context.Context) {
	ctx, sc.cancel = context.WithCancel(ctx)
	sc.prev = sc.sample(time.Now())
	go sc.loop(ctx)
}

// Stop halts collection and records a final sample.
func (sc *StatsCollector) Stop() {
	if sc.cancel == nil {
		return
	}
	sc.cancel()
	<-sc.done
	sc.collect(time.Now())
}

// Latest returns a fresh sample of the counters together with the rates
// from the last interval.
func (sc *StatsCollector) Latest() TrafficStats {
	now := sc.sample(time.Now())
	sc.mu.RLock()
	now.UpRate, now.DownRate = sc.latest.UpRate, sc.latest.DownRate
	sc.mu.RUnlock()
	return now
}

func (sc *StatsCollector) loop(ctx context.Context) {
	defer close(sc.done)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := sc.collect(now)
			core.Log.Debugf("Stats", "[%s] flows=%d up=%dB/s down=%dB/s in=%d out=%d dropped=%d dns=%d/%d",
				shortID(sc.sessionID), snap.ActiveFlows, snap.UpRate, snap.DownRate,
				snap.FramesIn, snap.FramesOut, snap.FramesDropped, snap.DNSFailures, snap.DNSQueries)
		}
	}
}

func (sc *StatsCollector) sample(now time.Time) TrafficStats {
	snap := sc.stats.Snapshot()
	if sc.active != nil {
		snap.ActiveFlows = sc.active()
	}
	return TrafficStats{StatsSnapshot: snap, Timestamp: now}
}

// collect takes a sample and computes rates against the previous one.
func (sc *StatsCollector) collect(now time.Time) TrafficStats {
	cur := sc.sample(now)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if secs := uint64(cur.Timestamp.Sub(sc.prev.Timestamp) / time.Second); secs > 0 {
		cur.UpRate = rateOf(cur.BytesUp, sc.prev.BytesUp, secs)
		cur.DownRate = rateOf(cur.BytesDown, sc.prev.BytesDown, secs)
	}
	sc.prev = cur
	sc.latest = cur
	return cur
}

func rateOf(cur, prev, secs uint64) uint64 {
	if cur < prev {
		return 0
	}
	return (cur - prev) / secs
}
