package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/metrics"
	"github.com/tradeforge/klinefeed/internal/source"
	"github.com/tradeforge/klinefeed/internal/task"
)

// planDay is one calendar day of the aligned window together with the
// first and last expected bar opens that fall inside it. Days holding no
// expected open (multi-day intervals skip days) are never planned.
type planDay struct {
	day   time.Time
	first time.Time
	last  time.Time
}

// planDays lists the days of [a0, a1] that contain at least one expected
// bar open, with the per-day open range clipped to the window.
func planDays(a0, a1 time.Time, iv market.Interval) []planDay {
	var plan []planDay
	for _, d := range market.DaysCovering(a0, a1) {
		first, last, ok := openRange(d, a0, a1, iv)
		if !ok {
			continue
		}
		plan = append(plan, planDay{day: d, first: first, last: last})
	}
	return plan
}

// openRange returns the first and last expected opens inside day, clipped
// to [a0, a1]. ok is false when the day holds none. a0 is grid-aligned,
// so the expected opens are exactly the interval grid within the window.
func openRange(day, a0, a1 time.Time, iv market.Interval) (first, last time.Time, ok bool) {
	lo := day
	if lo.Before(a0) {
		lo = a0
	}
	hi := market.EndOfDay(day)
	if hi.After(a1) {
		hi = a1
	}
	if hi.Before(lo) {
		return time.Time{}, time.Time{}, false
	}
	first = market.Ceil(lo, iv)
	if first.After(hi) {
		return time.Time{}, time.Time{}, false
	}
	return first, market.Floor(hi, iv), true
}

// dayGrid returns the full-day open range for a day, ignoring the query
// window. Used to decide whether a day is completely covered before it is
// written back.
func dayGrid(day time.Time, iv market.Interval) (first, last time.Time, ok bool) {
	first = market.Ceil(day, iv)
	end := market.EndOfDay(day)
	if first.After(end) {
		return time.Time{}, time.Time{}, false
	}
	last = market.Floor(end, iv)
	if last.Before(first) {
		return time.Time{}, time.Time{}, false
	}
	return first, last, true
}

// coalesce merges plan days into contiguous fetch segments, breaking
// wherever the bar grid does: two days join only when the second picks up
// exactly one interval after the first ends.
func coalesce(days []planDay, iv market.Interval) []source.Segment {
	var segs []source.Segment
	for _, pd := range days {
		if n := len(segs); n > 0 && segs[n-1].End.Add(iv.Duration()).Equal(pd.first) {
			segs[n-1].End = pd.last
			continue
		}
		segs = append(segs, source.Segment{Start: pd.first, End: pd.last})
	}
	return segs
}

// probeKlines reads each planned day from the cache. Hit days contribute
// their bars clipped to the window; miss days coalesce into segments for
// the upstream sources. Cached days always hold the complete day, so a
// hit never leaves a partial deficit behind.
func (e *Engine) probeKlines(ctx context.Context, q Query, plan []planDay) ([]market.Bar, []source.Segment) {
	key := e.key(q)
	var (
		hits    []market.Bar
		missing []planDay
	)
	for _, pd := range plan {
		p, ok := e.cache.Get(ctx, key, pd.day)
		if !ok {
			e.stats.miss(market.SourceCache)
			missing = append(missing, pd)
			continue
		}
		e.stats.hit(market.SourceCache)
		for _, b := range p.Bars {
			if b.OpenTime.Before(pd.first) || b.OpenTime.After(pd.last) {
				continue
			}
			b.Source = market.SourceCache
			hits = append(hits, b)
		}
	}
	if e.reg != nil && len(hits) > 0 {
		e.reg.BarsMerged.WithLabelValues(string(market.SourceCache)).Add(float64(len(hits)))
	}
	return hits, coalesce(missing, q.Interval)
}

// probeFunding is the funding-rate variant of probeKlines. Funding stamps
// may drift off the 8h grid, so hit days contribute every record in the
// day that could belong to a planned slot.
func (e *Engine) probeFunding(ctx context.Context, q Query, plan []planDay) ([]market.FundingRecord, []source.Segment) {
	key := e.key(q)
	iv := q.Interval
	var (
		hits    []market.FundingRecord
		missing []planDay
	)
	for _, pd := range plan {
		p, ok := e.cache.Get(ctx, key, pd.day)
		if !ok {
			e.stats.miss(market.SourceCache)
			missing = append(missing, pd)
			continue
		}
		e.stats.hit(market.SourceCache)
		slotEnd := market.CloseTimeFor(pd.last, iv)
		for _, r := range p.Records {
			if r.FundingTime.Before(pd.first) || r.FundingTime.After(slotEnd) {
				continue
			}
			r.Source = market.SourceCache
			hits = append(hits, r)
		}
	}
	if e.reg != nil && len(hits) > 0 {
		e.reg.BarsMerged.WithLabelValues(string(market.SourceCache)).Add(float64(len(hits)))
	}
	return hits, coalesce(missing, iv)
}

// subResult is the outcome of one sub-range fetch task.
type subResult struct {
	seg     source.Segment
	frame   *market.Frame
	funding *market.FundingFrame
	task    *task.Task
	err     error
}

// dispatch fans the missing segments out over the task group and waits
// for all of them. One segment failing never cancels its siblings; the
// failed range simply stays missing and surfaces in the gap list.
func (e *Engine) dispatch(ctx context.Context, q Query, segs []source.Segment, now time.Time) []*subResult {
	if len(segs) == 0 {
		return nil
	}
	group := task.NewGroup(ctx, e.maxConcurrent)
	defer group.Close()

	results := make([]*subResult, len(segs))
	for i, seg := range segs {
		i, seg := i, seg
		results[i] = &subResult{seg: seg}
		results[i].task = group.Go("fetch "+seg.String(), func(ctx context.Context, t *task.Task) error {
			if e.reg != nil {
				e.reg.ActiveTasks.Inc()
				defer e.reg.ActiveTasks.Dec()
			}
			var err error
			if q.Chart == market.ChartFundingRate {
				results[i].funding, err = e.fetchFundingSegment(ctx, t, q, seg, now)
			} else {
				results[i].frame, err = e.fetchKlineSegment(ctx, t, q, seg, now)
			}
			results[i].err = err
			return err
		})
	}
	group.Wait()

	// A task cancelled before its function ran leaves no error behind;
	// fold the group's verdict in so the caller sees why it is empty.
	for _, r := range results {
		if r.err == nil && r.frame == nil && r.funding == nil {
			if err := r.task.Err(); err != nil {
				r.err = err
			} else {
				r.err = context.Canceled
			}
		}
	}
	return results
}

// pickSource resolves the initial source for a segment, honoring any
// enforcement before consulting the router.
func (e *Engine) pickSource(q Query, seg source.Segment, now time.Time) market.Source {
	switch q.Options.EnforceSource {
	case source.EnforceArchiveOnly:
		return market.SourceArchive
	case source.EnforceLiveOnly:
		return market.SourceLive
	}
	return e.router.Route(seg, q.Interval, q.Market, now)
}

// fallbackFor returns the one-shot alternate source for a failed fetch.
// A live failure re-routes to the archive only when the segment is old
// enough for the archive to have published it; an archive failure
// re-routes to live only when the chunk budget can cover the segment.
func (e *Engine) fallbackFor(from market.Source, q Query, seg source.Segment, now time.Time) (market.Source, bool) {
	switch from {
	case market.SourceLive:
		if seg.Start.Before(now.Add(-e.router.PublishLag)) {
			return market.SourceArchive, true
		}
	case market.SourceArchive:
		if e.router.LiveFits(seg, q.Interval) && q.Interval.Supports(q.Market) {
			return market.SourceLive, true
		}
	}
	return "", false
}

// fetchKlineSegment fetches one segment, trying the routed source first
// and the alternate source once if routing allows it.
func (e *Engine) fetchKlineSegment(ctx context.Context, t *task.Task, q Query, seg source.Segment, now time.Time) (*market.Frame, error) {
	src := e.pickSource(q, seg, now)
	frame, err := e.fetchKlinesVia(ctx, src, q, seg)
	if err == nil {
		return frame, nil
	}
	e.stats.failure(src, err)

	alt, ok := e.fallbackTarget(q, src, seg, now, err)
	if !ok {
		return nil, err
	}
	t.Retrying()
	if e.reg != nil {
		e.reg.TaskRetries.Inc()
	}
	log.Info().
		Str("segment", seg.String()).
		Str("from", string(src)).
		Str("to", string(alt)).
		Err(err).
		Msg("Sub-range failing over to alternate source")
	t.Resume()

	frame, err2 := e.fetchKlinesVia(ctx, alt, q, seg)
	if err2 != nil {
		e.stats.failure(alt, err2)
		return nil, fmt.Errorf("%s fallback after %s failure: %w", alt, src, err2)
	}
	return frame, nil
}

// fetchFundingSegment mirrors fetchKlineSegment for funding rates. The
// upstream window extends to the end of the final settlement slot so
// records with drifted stamps are still captured.
func (e *Engine) fetchFundingSegment(ctx context.Context, t *task.Task, q Query, seg source.Segment, now time.Time) (*market.FundingFrame, error) {
	src := e.pickSource(q, seg, now)
	frame, err := e.fetchFundingVia(ctx, src, q, seg)
	if err == nil {
		return frame, nil
	}
	e.stats.failure(src, err)

	alt, ok := e.fallbackTarget(q, src, seg, now, err)
	if !ok {
		return nil, err
	}
	t.Retrying()
	if e.reg != nil {
		e.reg.TaskRetries.Inc()
	}
	log.Info().
		Str("segment", seg.String()).
		Str("from", string(src)).
		Str("to", string(alt)).
		Err(err).
		Msg("Sub-range failing over to alternate source")
	t.Resume()

	frame, err2 := e.fetchFundingVia(ctx, alt, q, seg)
	if err2 != nil {
		e.stats.failure(alt, err2)
		return nil, fmt.Errorf("%s fallback after %s failure: %w", alt, src, err2)
	}
	return frame, nil
}

// fallbackTarget gates the one-shot failover: never under enforcement,
// never after a cancellation, and only when the alternate source could
// actually serve the segment.
func (e *Engine) fallbackTarget(q Query, from market.Source, seg source.Segment, now time.Time, err error) (market.Source, bool) {
	if q.Options.EnforceSource != source.EnforceAuto {
		return "", false
	}
	if cancelledErr(err) {
		return "", false
	}
	return e.fallbackFor(from, q, seg, now)
}

func (e *Engine) fetchKlinesVia(ctx context.Context, src market.Source, q Query, seg source.Segment) (*market.Frame, error) {
	timer := e.startTimer(src)
	var (
		frame *market.Frame
		err   error
	)
	if src == market.SourceArchive {
		frame, err = e.archive.FetchKlines(ctx, q.Symbol, q.Market, q.Interval, seg.Start, seg.End)
	} else {
		frame, err = e.live.FetchKlines(ctx, q.Symbol, q.Market, q.Interval, seg.Start, seg.End)
	}
	if err != nil {
		timer.stop("error")
		return nil, err
	}
	timer.stop("success")
	if frame.Empty() {
		e.stats.miss(src)
	} else {
		e.stats.hit(src)
	}
	if e.reg != nil && frame.Len() > 0 {
		e.reg.BarsMerged.WithLabelValues(string(src)).Add(float64(frame.Len()))
	}
	return frame, nil
}

func (e *Engine) fetchFundingVia(ctx context.Context, src market.Source, q Query, seg source.Segment) (*market.FundingFrame, error) {
	timer := e.startTimer(src)
	end := market.CloseTimeFor(seg.End, q.Interval)
	var (
		frame *market.FundingFrame
		err   error
	)
	if src == market.SourceArchive {
		frame, err = e.archive.FetchFunding(ctx, q.Symbol, q.Market, q.Interval, seg.Start, end)
	} else {
		frame, err = e.live.FetchFunding(ctx, q.Symbol, q.Market, q.Interval, seg.Start, end)
	}
	if err != nil {
		timer.stop("error")
		return nil, err
	}
	timer.stop("success")
	if frame.Empty() {
		e.stats.miss(src)
	} else {
		e.stats.hit(src)
	}
	if e.reg != nil && frame.Len() > 0 {
		e.reg.BarsMerged.WithLabelValues(string(src)).Add(float64(frame.Len()))
	}
	return frame, nil
}

// nilTimer lets metrics stay optional without nil checks at every stop.
type fetchTimer struct{ inner *metrics.FetchTimer }

func (e *Engine) startTimer(src market.Source) fetchTimer {
	if e.reg == nil {
		return fetchTimer{}
	}
	return fetchTimer{inner: e.reg.StartFetchTimer(string(src))}
}

func (t fetchTimer) stop(result string) {
	if t.inner != nil {
		t.inner.Stop(result)
	}
}
