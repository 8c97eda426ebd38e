package engine

import (
	"sync/atomic"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/source"
)

// SourceStats is the read-only view of one source's counters.
type SourceStats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Errors   int64 `json:"errors"`
	Timeouts int64 `json:"timeouts"`
}

// Snapshot is a consistent-enough view of all three sources, taken
// counter by counter.
type Snapshot struct {
	Cache   SourceStats `json:"cache"`
	Archive SourceStats `json:"archive"`
	Live    SourceStats `json:"live"`
}

type counters struct {
	hits     atomic.Int64
	misses   atomic.Int64
	errors   atomic.Int64
	timeouts atomic.Int64
}

func (c *counters) snapshot() SourceStats {
	return SourceStats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Errors:   c.errors.Load(),
		Timeouts: c.timeouts.Load(),
	}
}

// Stats tracks per-source outcomes across the engine's lifetime. A hit is
// a fetch that returned data, a miss one that returned none; failures
// split into timeouts and other errors by kind.
type Stats struct {
	cache   counters
	archive counters
	live    counters
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) forSource(src market.Source) *counters {
	switch src {
	case market.SourceCache:
		return &s.cache
	case market.SourceArchive:
		return &s.archive
	default:
		return &s.live
	}
}

func (s *Stats) hit(src market.Source)  { s.forSource(src).hits.Add(1) }
func (s *Stats) miss(src market.Source) { s.forSource(src).misses.Add(1) }

func (s *Stats) failure(src market.Source, err error) {
	c := s.forSource(src)
	if source.Classify(err) == source.KindTimeout {
		c.timeouts.Add(1)
		return
	}
	c.errors.Add(1)
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Cache:   s.cache.snapshot(),
		Archive: s.archive.snapshot(),
		Live:    s.live.snapshot(),
	}
}
