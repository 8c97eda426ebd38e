// Package engine implements the failover composition pipeline behind every
// query: align the requested window to the bar grid, probe the cache one
// day at a time, route the missing segments to the bulk archive or the
// live API, fetch them concurrently, merge by source authority, write
// fully-covered days back to the cache, and account for every bar still
// missing. Missing data surfaces as gaps in the result, not as errors;
// only invalid input, total source failure under enforcement, and merge
// invariant violations fail a call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/klinefeed/internal/cache"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/metrics"
	"github.com/tradeforge/klinefeed/internal/source"
)

const (
	// DefaultDeadline bounds a whole Get call, retries and fallbacks
	// included, when the caller does not choose one.
	DefaultDeadline = 60 * time.Second

	// DefaultMaxConcurrent is the sub-range fetch parallelism.
	DefaultMaxConcurrent = 4
)

// ArchiveSource fetches immutable daily archive files for a window.
// A nil-error empty frame means the archive has nothing published there.
type ArchiveSource interface {
	FetchKlines(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.Frame, error)
	FetchFunding(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.FundingFrame, error)
}

// LiveSource pages the exchange REST API for a window.
type LiveSource interface {
	FetchKlines(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.Frame, error)
	FetchFunding(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.FundingFrame, error)
}

// Config wires an Engine. Archive and Live are required; everything else
// has a sensible default.
type Config struct {
	// Provider namespaces cache keys, e.g. "binance".
	Provider string

	// Cache is the day-file store. Nil runs every query straight against
	// the upstreams, as if NoCache were always set.
	Cache *cache.Store

	Archive ArchiveSource
	Live    LiveSource

	// Router decides which upstream serves a missing segment.
	Router source.Router

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry

	// MaxConcurrent caps parallel sub-range fetches.
	MaxConcurrent int

	// OverallDeadline is the per-call budget applied when the query does
	// not carry its own.
	OverallDeadline time.Duration

	// Now is the clock used for routing, completeness and expiry
	// decisions. Tests inject a fixed one.
	Now func() time.Time
}

// Options tune one call. The zero value means: cache on, automatic
// routing, no provenance, default deadline, partial results allowed.
type Options struct {
	// NoCache skips both the cache probe and the write-back, forcing
	// every record to come from an upstream source.
	NoCache bool

	// EnforceSource pins all sub-ranges to one source instead of routing,
	// and disables failover between sources.
	EnforceSource source.Enforce

	// IncludeProvenance keeps per-record source tags on the frame and
	// fills Result.Provenance. Off by default so identical data is
	// byte-identical regardless of where it came from.
	IncludeProvenance bool

	// OverallDeadline bounds this call. Zero means the engine default.
	OverallDeadline time.Duration

	// AllOrNothing turns any incomplete result, whether from missing
	// upstream data or deadline expiry, into an error.
	AllOrNothing bool
}

// Query names one series and window.
type Query struct {
	Symbol   string
	Market   market.MarketType
	Chart    market.ChartType
	Interval market.Interval

	// Start and End bound the window. Start is inclusive; End selects by
	// record open time, so a bar opening exactly at End is included.
	Start time.Time
	End   time.Time

	Options Options
}

// Gap is a run of consecutive expected records no source delivered.
// Bounds are the first and last missing opens, both inclusive.
type Gap struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Missing int       `json:"missing"`
}

// Result is one completed query. Exactly one of Frame and Funding is set,
// matching the query's chart type.
type Result struct {
	Frame   *market.Frame        `json:"frame,omitempty"`
	Funding *market.FundingFrame `json:"funding,omitempty"`

	// Provenance is aligned index-for-index with the frame's records.
	// Nil unless the query asked for it.
	Provenance []market.Source `json:"provenance,omitempty"`

	// Gaps cover the aligned window; a dropped in-progress trailing bar
	// counts here like any other missing bar.
	Gaps []Gap `json:"gaps"`

	// Partial marks a result cut short by deadline expiry or
	// cancellation rather than by missing upstream data.
	Partial bool `json:"partial"`

	// Stats is the engine-lifetime per-source counter snapshot taken as
	// the call completed.
	Stats Snapshot `json:"stats"`
}

// ErrIncomplete is returned for AllOrNothing queries whose result would
// have carried gaps or a partial flag.
var ErrIncomplete = errors.New("incomplete result")

// Engine composes cache, archive, and live sources into one lookup.
// Safe for concurrent use; each call owns its own merge state.
type Engine struct {
	provider      string
	cache         *cache.Store
	archive       ArchiveSource
	live          LiveSource
	router        source.Router
	reg           *metrics.Registry
	stats         *Stats
	maxConcurrent int
	deadline      time.Duration
	now           func() time.Time
}

// New validates the wiring and returns a ready engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Archive == nil {
		return nil, fmt.Errorf("engine: archive source is required")
	}
	if cfg.Live == nil {
		return nil, fmt.Errorf("engine: live source is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = "binance"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.OverallDeadline <= 0 {
		cfg.OverallDeadline = DefaultDeadline
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		provider:      cfg.Provider,
		cache:         cfg.Cache,
		archive:       cfg.Archive,
		live:          cfg.Live,
		router:        cfg.Router,
		reg:           cfg.Metrics,
		stats:         NewStats(),
		maxConcurrent: cfg.MaxConcurrent,
		deadline:      cfg.OverallDeadline,
		now:           cfg.Now,
	}, nil
}

// Stats returns the engine-lifetime per-source counters.
func (e *Engine) Stats() Snapshot { return e.stats.Snapshot() }

// Get runs the full pipeline for one query.
func (e *Engine) Get(ctx context.Context, q Query) (*Result, error) {
	if err := e.normalize(&q); err != nil {
		return nil, err
	}

	// A zero-duration window is a schema-valid empty series; it touches
	// neither the network nor the cache.
	if q.Start.Equal(q.End) {
		return e.emptyResult(q), nil
	}

	deadline := q.Options.OverallDeadline
	if deadline <= 0 {
		deadline = e.deadline
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, deadline)
	defer cancel()

	started := time.Now()
	var (
		res *Result
		err error
	)
	if q.Chart == market.ChartFundingRate {
		res, err = e.getFunding(ctx, q)
	} else {
		res, err = e.getKlines(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	if res.Partial && e.reg != nil {
		e.reg.PartialResults.Inc()
	}
	if e.reg != nil {
		for range res.Gaps {
			e.reg.Gaps.Inc()
		}
	}
	if q.Options.AllOrNothing && (res.Partial || len(res.Gaps) > 0) {
		return nil, fmt.Errorf("%w: %d gaps, partial=%v", ErrIncomplete, len(res.Gaps), res.Partial)
	}

	log.Info().
		Str("symbol", q.Symbol).
		Str("market", q.Market.String()).
		Str("chart", q.Chart.String()).
		Str("interval", q.Interval.String()).
		Time("start", q.Start).
		Time("end", q.End).
		Int("records", resultLen(res)).
		Int("gaps", len(res.Gaps)).
		Bool("partial", res.Partial).
		Dur("elapsed", time.Since(started)).
		Msg("Query completed")
	return res, nil
}

// Prefetch warms the cache for a window without handing back the series.
// It returns the number of records that remain unavailable.
func (e *Engine) Prefetch(ctx context.Context, q Query) (int, error) {
	q.Options.IncludeProvenance = false
	res, err := e.Get(ctx, q)
	if err != nil {
		return 0, err
	}
	missing := 0
	for _, g := range res.Gaps {
		missing += g.Missing
	}
	return missing, nil
}

// normalize trims, defaults, and validates the query in place.
func (e *Engine) normalize(q *Query) error {
	q.Symbol = strings.TrimSpace(q.Symbol)
	if q.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", source.ErrInvalidInput)
	}
	if q.Market == "" {
		q.Market = market.MarketSpot
	}
	if !q.Market.Valid() {
		return fmt.Errorf("%w: unknown market type %q", source.ErrInvalidInput, q.Market)
	}
	if q.Chart == "" {
		q.Chart = market.ChartKlines
	}
	if !q.Chart.Valid() {
		return fmt.Errorf("%w: unknown chart type %q", source.ErrInvalidInput, q.Chart)
	}
	if q.Chart == market.ChartFundingRate {
		if q.Market == market.MarketSpot {
			return fmt.Errorf("%w: funding rates only exist on futures markets", source.ErrInvalidInput)
		}
		if q.Interval == "" {
			q.Interval = market.Interval8h
		}
		if q.Interval != market.Interval8h {
			return fmt.Errorf("%w: funding rates settle on the 8h grid, not %q", source.ErrInvalidInput, q.Interval)
		}
	}
	if !q.Interval.Valid() {
		return fmt.Errorf("%w: unknown interval %q", source.ErrInvalidInput, q.Interval)
	}
	if !q.Interval.Supports(q.Market) {
		return fmt.Errorf("%w: interval %s is not served for %s markets", source.ErrInvalidInput, q.Interval, q.Market)
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return fmt.Errorf("%w: window bounds must be set", source.ErrInvalidInput)
	}
	if q.End.Before(q.Start) {
		return fmt.Errorf("%w: window end %s precedes start %s", source.ErrInvalidInput,
			q.End.UTC().Format(time.RFC3339), q.Start.UTC().Format(time.RFC3339))
	}
	if q.Start.After(e.now().Add(24 * time.Hour)) {
		return fmt.Errorf("%w: window starts in the future", source.ErrInvalidInput)
	}
	if q.Options.EnforceSource == "" {
		q.Options.EnforceSource = source.EnforceAuto
	}
	if !q.Options.EnforceSource.Valid() {
		return fmt.Errorf("%w: unknown source override %q", source.ErrInvalidInput, q.Options.EnforceSource)
	}
	if q.Options.EnforceSource == source.EnforceCacheOnly && (q.Options.NoCache || e.cache == nil) {
		return fmt.Errorf("%w: cache_only enforcement with caching disabled can never return data", source.ErrInvalidInput)
	}
	q.Symbol = q.Market.NormalizeSymbol(q.Symbol)
	q.Start = q.Start.UTC()
	q.End = q.End.UTC()
	return nil
}

func (e *Engine) emptyResult(q Query) *Result {
	res := &Result{Gaps: []Gap{}, Stats: e.stats.Snapshot()}
	if q.Chart == market.ChartFundingRate {
		res.Funding = market.NewFundingFrame(q.Symbol, q.Market, q.Interval)
	} else {
		res.Frame = market.NewFrame(q.Symbol, q.Market, q.Interval)
	}
	if q.Options.IncludeProvenance {
		res.Provenance = []market.Source{}
	}
	return res
}

// useCache reports whether this query reads and writes the day store.
func (e *Engine) useCache(q Query) bool {
	return e.cache != nil && !q.Options.NoCache
}

func (e *Engine) key(q Query) cache.Key {
	return cache.NewKey(e.provider, q.Market, q.Chart, q.Symbol, q.Interval)
}

func resultLen(res *Result) int {
	if res.Frame != nil {
		return res.Frame.Len()
	}
	if res.Funding != nil {
		return res.Funding.Len()
	}
	return 0
}

// cancelledErr reports whether a sub-range failure came from context
// cancellation rather than the source itself.
func cancelledErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
