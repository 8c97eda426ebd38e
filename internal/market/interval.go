// Package market defines the canonical data model shared by every other
// package: intervals, market and chart types, bar and funding records, and
// the frame container with its validation rules. All time arithmetic is done
// in UTC at microsecond precision.
package market

import (
	"fmt"
	"time"
)

// Interval is a supported bar duration. Values mirror the exchange's
// interval tokens so they can be used directly in URLs and cache paths.
type Interval string

const (
	Interval1s  Interval = "1s"
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// intervalMicros maps each interval to its fixed duration in microseconds.
// 1M uses the 30-day convention so that boundary arithmetic stays modular.
var intervalMicros = map[Interval]int64{
	Interval1s:  1_000_000,
	Interval1m:  60 * 1_000_000,
	Interval3m:  3 * 60 * 1_000_000,
	Interval5m:  5 * 60 * 1_000_000,
	Interval15m: 15 * 60 * 1_000_000,
	Interval30m: 30 * 60 * 1_000_000,
	Interval1h:  3600 * 1_000_000,
	Interval2h:  2 * 3600 * 1_000_000,
	Interval4h:  4 * 3600 * 1_000_000,
	Interval6h:  6 * 3600 * 1_000_000,
	Interval8h:  8 * 3600 * 1_000_000,
	Interval12h: 12 * 3600 * 1_000_000,
	Interval1d:  86400 * 1_000_000,
	Interval3d:  3 * 86400 * 1_000_000,
	Interval1w:  7 * 86400 * 1_000_000,
	Interval1M:  30 * 86400 * 1_000_000,
}

// Intervals returns all supported intervals in ascending duration order.
func Intervals() []Interval {
	return []Interval{
		Interval1s, Interval1m, Interval3m, Interval5m, Interval15m,
		Interval30m, Interval1h, Interval2h, Interval4h, Interval6h,
		Interval8h, Interval12h, Interval1d, Interval3d, Interval1w,
		Interval1M,
	}
}

// ParseInterval validates a raw interval token.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Valid reports whether the interval is one of the supported values.
func (iv Interval) Valid() bool {
	_, ok := intervalMicros[iv]
	return ok
}

// Micros returns the interval duration in microseconds.
func (iv Interval) Micros() int64 {
	return intervalMicros[iv]
}

// Duration returns the interval as a time.Duration.
func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.Micros()) * time.Microsecond
}

func (iv Interval) String() string { return string(iv) }

// Supports reports whether the given market type serves this interval.
// Sub-minute bars exist only on the spot endpoints.
func (iv Interval) Supports(market MarketType) bool {
	if iv == Interval1s {
		return market == MarketSpot
	}
	return iv.Valid()
}

// Floor returns the largest interval boundary at or before t.
func Floor(t time.Time, iv Interval) time.Time {
	us := t.UnixMicro()
	step := iv.Micros()
	return time.UnixMicro(us - us%step).UTC()
}

// Ceil returns the smallest interval boundary at or after t. A time already
// on a boundary is returned unchanged.
func Ceil(t time.Time, iv Interval) time.Time {
	us := t.UnixMicro()
	step := iv.Micros()
	if rem := us % step; rem != 0 {
		us += step - rem
	}
	return time.UnixMicro(us).UTC()
}

// AlignWindow maps a user window onto bar boundaries. Both bounds floor to
// their containing bar; a window narrower than one interval still spans two
// bars so that at least the containing bar is fetched. The returned a1 is
// the open time of the LAST expected bar, inclusive, not an exclusive end.
func AlignWindow(t0, t1 time.Time, iv Interval) (time.Time, time.Time) {
	a0 := Floor(t0, iv)
	a1 := Floor(t1, iv)
	if !a1.After(a0) {
		a1 = a0.Add(iv.Duration())
	}
	return a0, a1
}

// ExpectedCount returns the number of bars an aligned, gapless window
// [a0, a1] contains, both bounds inclusive.
func ExpectedCount(a0, a1 time.Time, iv Interval) int {
	if a1.Before(a0) {
		return 0
	}
	return int((a1.UnixMicro()-a0.UnixMicro())/iv.Micros()) + 1
}

// IsBarComplete reports whether a bar opened at open has fully closed by
// now, i.e. now >= open + interval.
func IsBarComplete(open time.Time, iv Interval, now time.Time) bool {
	return !now.Before(open.Add(iv.Duration()))
}

// Precision is the timestamp unit used by an external representation.
type Precision int

const (
	PrecisionMilli Precision = iota
	PrecisionMicro
)

func (p Precision) String() string {
	if p == PrecisionMicro {
		return "us"
	}
	return "ms"
}

// ParsePrecision parses the output precision configuration token.
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "ms", "milliseconds":
		return PrecisionMilli, nil
	case "us", "microseconds":
		return PrecisionMicro, nil
	}
	return PrecisionMilli, fmt.Errorf("unsupported precision %q", s)
}

// DetectPrecision classifies a raw epoch stamp by digit count: 13-digit
// values are milliseconds, 16-digit values are microseconds. The archive
// switched units at a historical cutover, so both appear in the wild.
func DetectPrecision(raw int64) Precision {
	if raw >= 1_000_000_000_000_000 {
		return PrecisionMicro
	}
	return PrecisionMilli
}

// StampToTime converts a raw epoch stamp of either supported precision to
// a canonical UTC instant.
func StampToTime(raw int64) time.Time {
	if DetectPrecision(raw) == PrecisionMicro {
		return time.UnixMicro(raw).UTC()
	}
	return time.UnixMilli(raw).UTC()
}

// Render emits t at the precision p as a raw epoch integer. This is the
// single point where the canonical internal microseconds leave the system.
func (p Precision) Render(t time.Time) int64 {
	if p == PrecisionMicro {
		return t.UnixMicro()
	}
	return t.UnixMilli()
}

// DayOf returns the UTC midnight of the calendar day containing t.
func DayOf(t time.Time) time.Time {
	return Floor(t, Interval1d)
}

// NextDay returns the UTC midnight following day.
func NextDay(day time.Time) time.Time {
	return day.Add(24 * time.Hour)
}

// EndOfDay returns the last representable microsecond of the calendar day.
func EndOfDay(day time.Time) time.Time {
	return NextDay(DayOf(day)).Add(-time.Microsecond)
}

// DaysCovering enumerates the UTC midnights of every calendar day that
// overlaps [t0, t1], in order.
func DaysCovering(t0, t1 time.Time) []time.Time {
	if t1.Before(t0) {
		return nil
	}
	var days []time.Time
	for d := DayOf(t0); !d.After(t1); d = NextDay(d) {
		days = append(days, d)
	}
	return days
}
