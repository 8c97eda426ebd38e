package archive

import (
	"fmt"
	"time"

	"github.com/tradeforge/klinefeed/internal/market"
)

// marketSegment returns the path segment the bulk host uses for a market.
func marketSegment(mt market.MarketType) string {
	switch mt {
	case market.MarketFuturesUSDT:
		return "futures/um"
	case market.MarketFuturesCoin:
		return "futures/cm"
	default:
		return "spot"
	}
}

// KlineURL builds the daily kline file URL:
//
//	<base>/data/<segment>/daily/klines/<SYMBOL>/<iv>/<SYMBOL>-<iv>-<date>.zip
func KlineURL(base string, mt market.MarketType, symbol string, iv market.Interval, day time.Time) string {
	sym := mt.NormalizeSymbol(symbol)
	date := day.UTC().Format("2006-01-02")
	return fmt.Sprintf("%s/data/%s/daily/klines/%s/%s/%s-%s-%s.zip",
		base, marketSegment(mt), sym, iv, sym, iv, date)
}

// FundingURL builds the monthly funding-rate file URL:
//
//	<base>/data/<segment>/monthly/fundingRate/<SYMBOL>/<SYMBOL>-fundingRate-<YYYY-MM>.zip
//
// Funding only exists for the futures markets.
func FundingURL(base string, mt market.MarketType, symbol string, month time.Time) string {
	sym := mt.NormalizeSymbol(symbol)
	return fmt.Sprintf("%s/data/%s/monthly/fundingRate/%s/%s-fundingRate-%s.zip",
		base, marketSegment(mt), sym, sym, MonthName(month))
}

// ChecksumURL addresses the optional sha256 sidecar of any archive file.
func ChecksumURL(fileURL string) string {
	return fileURL + ".CHECKSUM"
}

// MonthName formats a month start for funding file names.
func MonthName(month time.Time) string {
	return month.UTC().Format("2006-01")
}

// MonthOf returns the UTC start of the calendar month containing t.
func MonthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthsCovering enumerates the starts of every calendar month overlapping
// [t0, t1], in order.
func MonthsCovering(t0, t1 time.Time) []time.Time {
	if t1.Before(t0) {
		return nil
	}
	var months []time.Time
	for m := MonthOf(t0); !m.After(t1); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months
}
