package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/tradeforge/klinefeed/internal/market"
)

// Segment is a contiguous aligned sub-range the engine plans a fetch for.
// Both bounds are bar open times, inclusive.
type Segment struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Bars returns the number of bars the segment spans at the interval.
func (s Segment) Bars(iv market.Interval) int {
	return market.ExpectedCount(s.Start, s.End, iv)
}

func (s Segment) String() string {
	return fmt.Sprintf("[%s .. %s]",
		s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))
}

// Enforce overrides the router's automatic source choice.
type Enforce string

const (
	EnforceAuto        Enforce = "auto"
	EnforceCacheOnly   Enforce = "cache_only"
	EnforceArchiveOnly Enforce = "archive_only"
	EnforceLiveOnly    Enforce = "live_only"
)

// ParseEnforce accepts the CLI/config tokens for a source override.
func ParseEnforce(s string) (Enforce, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return EnforceAuto, nil
	case "cache", "cache_only":
		return EnforceCacheOnly, nil
	case "archive", "archive_only":
		return EnforceArchiveOnly, nil
	case "live", "live_only":
		return EnforceLiveOnly, nil
	}
	return "", fmt.Errorf("unsupported source override %q", s)
}

func (e Enforce) Valid() bool {
	switch e {
	case EnforceAuto, EnforceCacheOnly, EnforceArchiveOnly, EnforceLiveOnly:
		return true
	}
	return false
}

// Router decides which upstream serves a missing segment. It is a pure
// decision over the segment, the interval, and an injected clock, so the
// same inputs always route the same way.
type Router struct {
	// PublishLag is how far behind the wall clock the archive is assumed
	// to have published its daily files.
	PublishLag time.Duration

	// ChunkSize and MaxChunks bound what a live fetch may be asked for:
	// a segment needing more than MaxChunks requests goes to the archive.
	ChunkSize int
	MaxChunks int
}

// Route picks the upstream for one segment:
//
//  1. Segments that end before the archive publish horizon go to the
//     archive; its files are immutable and free of request budgets.
//  2. Sub-minute spot bars only exist on the live endpoint; the archive
//     does not publish them.
//  3. Segments too large for the live chunk budget go to the archive even
//     when recent; the trailing unpublished bars surface as gaps.
//  4. Everything else is recent and small: live.
func (r Router) Route(seg Segment, iv market.Interval, mkt market.MarketType, now time.Time) market.Source {
	horizon := now.Add(-r.PublishLag)
	if !seg.End.After(horizon) {
		return market.SourceArchive
	}
	if iv == market.Interval1s && mkt == market.MarketSpot {
		return market.SourceLive
	}
	if seg.Bars(iv) > r.MaxChunks*r.ChunkSize {
		return market.SourceArchive
	}
	return market.SourceLive
}

// LiveFits reports whether the live chunk budget can cover the segment.
// The engine consults this before falling back from a failed archive
// fetch: a segment the router would have refused live service stays a gap.
func (r Router) LiveFits(seg Segment, iv market.Interval) bool {
	return seg.Bars(iv) <= r.MaxChunks*r.ChunkSize
}
