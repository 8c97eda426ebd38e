package market

import (
	"fmt"
	"sort"
	"time"
)

// Frame is an ordered sequence of bars for one symbol and interval.
// After every public operation the bars are strictly ascending by OpenTime
// with no duplicates, all on interval boundaries, all UTC. An empty frame
// still carries its full identity so downstream code can assume structure.
type Frame struct {
	Symbol   string     `json:"symbol"`
	Market   MarketType `json:"market_type"`
	Interval Interval   `json:"interval"`
	Bars     []Bar      `json:"bars"`
}

// NewFrame returns an empty frame carrying the canonical schema identity.
func NewFrame(symbol string, m MarketType, iv Interval) *Frame {
	return &Frame{Symbol: symbol, Market: m, Interval: iv, Bars: []Bar{}}
}

func (f *Frame) Len() int    { return len(f.Bars) }
func (f *Frame) Empty() bool { return len(f.Bars) == 0 }

// First returns the earliest bar, if any.
func (f *Frame) First() (Bar, bool) {
	if len(f.Bars) == 0 {
		return Bar{}, false
	}
	return f.Bars[0], true
}

// Last returns the latest bar, if any.
func (f *Frame) Last() (Bar, bool) {
	if len(f.Bars) == 0 {
		return Bar{}, false
	}
	return f.Bars[len(f.Bars)-1], true
}

// Sort orders bars ascending by OpenTime. Ties keep their relative order so
// that merge priority decided upstream survives the sort.
func (f *Frame) Sort() {
	sort.SliceStable(f.Bars, func(i, j int) bool {
		return f.Bars[i].OpenTime.Before(f.Bars[j].OpenTime)
	})
}

// Trim keeps only bars whose OpenTime lies within [t0, t1], both inclusive.
// A bar whose close falls inside the window but whose open precedes it is
// excluded: membership is decided by open time alone.
func (f *Frame) Trim(t0, t1 time.Time) {
	out := f.Bars[:0]
	for _, b := range f.Bars {
		if b.OpenTime.Before(t0) || b.OpenTime.After(t1) {
			continue
		}
		out = append(out, b)
	}
	f.Bars = out
}

// Dedup collapses bars sharing an OpenTime, keeping the highest-authority
// source and, on equal authority, the earliest occurrence. The frame must
// already be sorted.
func (f *Frame) Dedup() {
	if len(f.Bars) < 2 {
		return
	}
	out := f.Bars[:1]
	for _, b := range f.Bars[1:] {
		last := &out[len(out)-1]
		if !b.OpenTime.Equal(last.OpenTime) {
			out = append(out, b)
			continue
		}
		if b.Source.Authority() > last.Source.Authority() {
			*last = b
		}
	}
	f.Bars = out
}

// Validate enforces the frame invariants: strictly ascending unique opens,
// every open on an interval boundary, every close exactly
// open + interval - 1µs, and consecutive opens separated by a whole number
// of intervals. Gaps are legal here; exact contiguity of complete regions
// is the orchestrator's completeness accounting.
func (f *Frame) Validate() error {
	step := f.Interval.Micros()
	if step == 0 {
		return fmt.Errorf("frame %s: invalid interval %q", f.Symbol, f.Interval)
	}
	var prev int64
	for i, b := range f.Bars {
		if b.OpenTime.IsZero() {
			return fmt.Errorf("frame %s: bar %d has zero open time", f.Symbol, i)
		}
		us := b.OpenTime.UnixMicro()
		if us%step != 0 {
			return fmt.Errorf("frame %s: bar %d open %s not aligned to %s",
				f.Symbol, i, b.OpenTime.UTC().Format(time.RFC3339Nano), f.Interval)
		}
		if want := CloseTimeFor(b.OpenTime, f.Interval); !b.CloseTime.Equal(want) {
			return fmt.Errorf("frame %s: bar %d close %s, want %s",
				f.Symbol, i, b.CloseTime.UTC().Format(time.RFC3339Nano),
				want.Format(time.RFC3339Nano))
		}
		if i > 0 {
			delta := us - prev
			if delta <= 0 {
				return fmt.Errorf("frame %s: bars %d..%d not strictly ascending", f.Symbol, i-1, i)
			}
			if delta%step != 0 {
				return fmt.Errorf("frame %s: bars %d..%d spaced %dus, not a multiple of %s",
					f.Symbol, i-1, i, delta, f.Interval)
			}
		}
		prev = us
	}
	return nil
}

// TagSource stamps every bar's provenance field.
func (f *Frame) TagSource(src Source) {
	for i := range f.Bars {
		f.Bars[i].Source = src
	}
}

// StripSource clears provenance tags, used when the caller did not ask for
// them so output stays byte-identical regardless of fetch history.
func (f *Frame) StripSource() {
	for i := range f.Bars {
		f.Bars[i].Source = ""
	}
}

// Append adds bars without re-sorting; callers batch appends and Sort once.
func (f *Frame) Append(bars ...Bar) {
	f.Bars = append(f.Bars, bars...)
}

// FundingFrame is the funding-rate variant of Frame, keyed by FundingTime.
// Funding stamps are controlled by the exchange's funding clock, so only
// ordering and uniqueness are enforced here, not boundary alignment.
type FundingFrame struct {
	Symbol   string          `json:"symbol"`
	Market   MarketType      `json:"market_type"`
	Interval Interval        `json:"interval"`
	Records  []FundingRecord `json:"records"`
}

// NewFundingFrame returns an empty funding frame with schema identity.
func NewFundingFrame(symbol string, m MarketType, iv Interval) *FundingFrame {
	return &FundingFrame{Symbol: symbol, Market: m, Interval: iv, Records: []FundingRecord{}}
}

func (f *FundingFrame) Len() int    { return len(f.Records) }
func (f *FundingFrame) Empty() bool { return len(f.Records) == 0 }

func (f *FundingFrame) Sort() {
	sort.SliceStable(f.Records, func(i, j int) bool {
		return f.Records[i].FundingTime.Before(f.Records[j].FundingTime)
	})
}

func (f *FundingFrame) Trim(t0, t1 time.Time) {
	out := f.Records[:0]
	for _, r := range f.Records {
		if r.FundingTime.Before(t0) || r.FundingTime.After(t1) {
			continue
		}
		out = append(out, r)
	}
	f.Records = out
}

func (f *FundingFrame) Dedup() {
	if len(f.Records) < 2 {
		return
	}
	out := f.Records[:1]
	for _, r := range f.Records[1:] {
		last := &out[len(out)-1]
		if !r.FundingTime.Equal(last.FundingTime) {
			out = append(out, r)
			continue
		}
		if r.Source.Authority() > last.Source.Authority() {
			*last = r
		}
	}
	f.Records = out
}

// Validate enforces strictly ascending unique funding times in UTC.
func (f *FundingFrame) Validate() error {
	var prev time.Time
	for i, r := range f.Records {
		if r.FundingTime.IsZero() {
			return fmt.Errorf("funding frame %s: record %d has zero funding time", f.Symbol, i)
		}
		if i > 0 && !r.FundingTime.After(prev) {
			return fmt.Errorf("funding frame %s: records %d..%d not strictly ascending", f.Symbol, i-1, i)
		}
		prev = r.FundingTime
	}
	return nil
}

func (f *FundingFrame) TagSource(src Source) {
	for i := range f.Records {
		f.Records[i].Source = src
	}
}

func (f *FundingFrame) StripSource() {
	for i := range f.Records {
		f.Records[i].Source = ""
	}
}

func (f *FundingFrame) Append(recs ...FundingRecord) {
	f.Records = append(f.Records, recs...)
}
