package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/source"
)

// getKlines runs the pipeline for a kline query: align, probe, dispatch,
// merge, write back, account.
func (e *Engine) getKlines(ctx context.Context, q Query) (*Result, error) {
	iv := q.Interval
	a0, a1 := market.AlignWindow(q.Start, q.End, iv)
	now := e.now()
	plan := planDays(a0, a1, iv)

	merged := market.NewFrame(q.Symbol, q.Market, iv)
	var missing []source.Segment
	if e.useCache(q) {
		var hits []market.Bar
		hits, missing = e.probeKlines(ctx, q, plan)
		merged.Append(hits...)
	} else {
		missing = coalesce(plan, iv)
	}
	if q.Options.EnforceSource == source.EnforceCacheOnly {
		// Whatever the cache could not serve stays missing.
		missing = nil
	}

	partial := false
	for _, r := range e.dispatch(ctx, q, missing, now) {
		if r.err != nil {
			if cancelledErr(r.err) || ctx.Err() != nil {
				partial = true
			}
			log.Warn().
				Str("segment", r.seg.String()).
				Err(r.err).
				Msg("Sub-range failed, leaving gap")
			continue
		}
		merged.Append(r.frame.Bars...)
	}

	merged.Sort()
	merged.Dedup()

	if e.useCache(q) {
		e.writeBackKlines(ctx, q, merged, a0, a1, now)
	}

	gaps := klineGaps(a0, a1, iv, merged.Bars)

	merged.Trim(q.Start, q.End)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", source.ErrInvariant, err)
	}

	res := &Result{Frame: merged, Gaps: gaps, Partial: partial, Stats: e.stats.Snapshot()}
	if q.Options.IncludeProvenance {
		res.Provenance = barSources(merged)
	} else {
		merged.StripSource()
	}
	return res, nil
}

// getFunding mirrors getKlines for funding rates.
func (e *Engine) getFunding(ctx context.Context, q Query) (*Result, error) {
	iv := q.Interval
	a0, a1 := market.AlignWindow(q.Start, q.End, iv)
	now := e.now()
	plan := planDays(a0, a1, iv)

	merged := market.NewFundingFrame(q.Symbol, q.Market, iv)
	var missing []source.Segment
	if e.useCache(q) {
		var hits []market.FundingRecord
		hits, missing = e.probeFunding(ctx, q, plan)
		merged.Append(hits...)
	} else {
		missing = coalesce(plan, iv)
	}
	if q.Options.EnforceSource == source.EnforceCacheOnly {
		missing = nil
	}

	partial := false
	for _, r := range e.dispatch(ctx, q, missing, now) {
		if r.err != nil {
			if cancelledErr(r.err) || ctx.Err() != nil {
				partial = true
			}
			log.Warn().
				Str("segment", r.seg.String()).
				Err(r.err).
				Msg("Sub-range failed, leaving gap")
			continue
		}
		merged.Append(r.funding.Records...)
	}

	merged.Sort()
	merged.Dedup()

	if e.useCache(q) {
		e.writeBackFunding(ctx, q, merged, a0, a1, now)
	}

	gaps := fundingGaps(a0, a1, iv, merged.Records)

	merged.Trim(q.Start, q.End)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", source.ErrInvariant, err)
	}

	res := &Result{Funding: merged, Gaps: gaps, Partial: partial, Stats: e.stats.Snapshot()}
	if q.Options.IncludeProvenance {
		res.Provenance = fundingSources(merged)
	} else {
		merged.StripSource()
	}
	return res, nil
}

// writeBackKlines persists every fully-covered day that upstream sources
// contributed: the day's whole grid lies inside the aligned window, every
// bar is present, and the last bar has closed. Partial boundary days and
// days still in progress are never written.
func (e *Engine) writeBackKlines(ctx context.Context, q Query, merged *market.Frame, a0, a1, now time.Time) {
	iv := q.Interval
	key := e.key(q)

	byDay := make(map[int64][]market.Bar)
	var order []int64
	for _, b := range merged.Bars {
		if b.Source == market.SourceCache {
			continue
		}
		d := market.DayOf(b.OpenTime).UnixMicro()
		if _, ok := byDay[d]; !ok {
			order = append(order, d)
		}
		byDay[d] = append(byDay[d], b)
	}

	for _, dus := range order {
		day := time.UnixMicro(dus).UTC()
		first, last, ok := dayGrid(day, iv)
		if !ok {
			continue
		}
		if first.Before(a0) || last.After(a1) {
			continue
		}
		bars := byDay[dus]
		if len(bars) != market.ExpectedCount(first, last, iv) {
			continue
		}
		if !market.IsBarComplete(last, iv, now) {
			continue
		}
		if err := e.cache.PutBars(ctx, key, day, bars); err != nil {
			log.Warn().
				Str("key", key.String()).
				Time("day", day).
				Err(err).
				Msg("Cache write-back failed")
		}
	}
}

// writeBackFunding persists days whose every settlement slot is covered.
// Slot coverage tolerates stamps drifted inside the slot.
func (e *Engine) writeBackFunding(ctx context.Context, q Query, merged *market.FundingFrame, a0, a1, now time.Time) {
	iv := q.Interval
	key := e.key(q)

	byDay := make(map[int64][]market.FundingRecord)
	var order []int64
	for _, r := range merged.Records {
		if r.Source == market.SourceCache {
			continue
		}
		d := market.DayOf(r.FundingTime).UnixMicro()
		if _, ok := byDay[d]; !ok {
			order = append(order, d)
		}
		byDay[d] = append(byDay[d], r)
	}

	for _, dus := range order {
		day := time.UnixMicro(dus).UTC()
		first, last, ok := dayGrid(day, iv)
		if !ok {
			continue
		}
		if first.Before(a0) || last.After(a1) {
			continue
		}
		recs := byDay[dus]
		if !slotsCovered(first, last, iv, recs) {
			continue
		}
		if err := e.cache.PutFunding(ctx, key, day, recs); err != nil {
			log.Warn().
				Str("key", key.String()).
				Time("day", day).
				Err(err).
				Msg("Cache write-back failed")
		}
	}
}

// barSources lifts per-bar provenance into the index-aligned slice the
// result carries.
func barSources(f *market.Frame) []market.Source {
	out := make([]market.Source, f.Len())
	for i, b := range f.Bars {
		out[i] = b.Source
	}
	return out
}

func fundingSources(f *market.FundingFrame) []market.Source {
	out := make([]market.Source, f.Len())
	for i, r := range f.Records {
		out[i] = r.Source
	}
	return out
}
