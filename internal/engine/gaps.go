package engine

import (
	"time"

	"github.com/tradeforge/klinefeed/internal/market"
)

// klineGaps walks the expected open grid of the aligned window against
// the sorted merged bars and emits one Gap per run of absent opens.
// Bars are matched exactly: kline opens are grid-aligned by construction.
func klineGaps(a0, a1 time.Time, iv market.Interval, bars []market.Bar) []Gap {
	step := iv.Duration()
	gaps := []Gap{}
	j := 0
	for t := a0; !t.After(a1); t = t.Add(step) {
		for j < len(bars) && bars[j].OpenTime.Before(t) {
			j++
		}
		if j < len(bars) && bars[j].OpenTime.Equal(t) {
			continue
		}
		appendMissing(&gaps, t, step)
	}
	return gaps
}

// fundingGaps matches each settlement slot with tolerance: any record
// stamped inside [slot, slot+interval) covers the slot, so exchange
// funding-clock drift does not spawn phantom gaps.
func fundingGaps(a0, a1 time.Time, iv market.Interval, recs []market.FundingRecord) []Gap {
	step := iv.Duration()
	gaps := []Gap{}
	j := 0
	for t := a0; !t.After(a1); t = t.Add(step) {
		for j < len(recs) && recs[j].FundingTime.Before(t) {
			j++
		}
		if j < len(recs) && recs[j].FundingTime.Before(t.Add(step)) {
			continue
		}
		appendMissing(&gaps, t, step)
	}
	return gaps
}

// slotsCovered reports whether every settlement slot in [first, last] has
// at least one record. Used to gate funding write-back.
func slotsCovered(first, last time.Time, iv market.Interval, recs []market.FundingRecord) bool {
	return len(fundingGaps(first, last, iv, recs)) == 0
}

// appendMissing extends the trailing gap when the new missing open is
// grid-adjacent to it, otherwise starts a new one.
func appendMissing(gaps *[]Gap, t time.Time, step time.Duration) {
	if n := len(*gaps); n > 0 {
		last := &(*gaps)[n-1]
		if last.End.Add(step).Equal(t) {
			last.End = t
			last.Missing++
			return
		}
	}
	*gaps = append(*gaps, Gap{Start: t, End: t, Missing: 1})
}
