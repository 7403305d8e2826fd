package cache

import "go.uber.org/atomic"

// Stats counts store activity.
type Stats struct {
	Hits            *atomic.Int64
	StaleHits       *atomic.Int64
	Misses          *atomic.Int64
	Expirations     *atomic.Int64
	Refreshes       *atomic.Int64
	RefreshFailures *atomic.Int64
}

func newStats() *Stats {
	return &Stats{
		Hits:            atomic.NewInt64(0),
		StaleHits:       atomic.NewInt64(0),
		Misses:          atomic.NewInt64(0),
		Expirations:     atomic.NewInt64(0),
		Refreshes:       atomic.NewInt64(0),
		RefreshFailures: atomic.NewInt64(0),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Entries         int   `json:"entries"`
	Hits            int64 `json:"hits"`
	StaleHits       int64 `json:"stale_hits"`
	Misses          int64 `json:"misses"`
	Expirations     int64 `json:"expirations"`
	Refreshes       int64 `json:"refreshes"`
	RefreshFailures int64 `json:"refresh_failures"`
}

func (s *Stats) snapshot(entries int) StatsSnapshot {
	return StatsSnapshot{
		Entries:         entries,
		Hits:            s.Hits.Load(),
		StaleHits:       s.StaleHits.Load(),
		Misses:          s.Misses.Load(),
		Expirations:     s.Expirations.Load(),
		Refreshes:       s.Refreshes.Load(),
		RefreshFailures: s.RefreshFailures.Load(),
	}
}
