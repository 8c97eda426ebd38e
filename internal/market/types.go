package market

import (
	"fmt"
	"strings"
	"time"
)

// MarketType selects the endpoint family and symbol normalization rules.
type MarketType string

const (
	MarketSpot        MarketType = "spot"
	MarketFuturesUSDT MarketType = "futures_usdt"
	MarketFuturesCoin MarketType = "futures_coin"
)

// ParseMarketType accepts the configuration tokens for a market type.
func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(s) {
	case "spot":
		return MarketSpot, nil
	case "futures_usdt", "um", "usdt":
		return MarketFuturesUSDT, nil
	case "futures_coin", "cm", "coin":
		return MarketFuturesCoin, nil
	}
	return "", fmt.Errorf("unsupported market type %q", s)
}

func (m MarketType) Valid() bool {
	switch m {
	case MarketSpot, MarketFuturesUSDT, MarketFuturesCoin:
		return true
	}
	return false
}

func (m MarketType) String() string { return string(m) }

// NormalizeSymbol upper-cases the symbol and applies the market's naming
// convention. Coin-margined perpetuals carry a _PERP suffix upstream.
func (m MarketType) NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if m == MarketFuturesCoin && !strings.Contains(s, "_") {
		s += "_PERP"
	}
	return s
}

// ChartType selects the record schema a query produces.
type ChartType string

const (
	ChartKlines      ChartType = "klines"
	ChartFundingRate ChartType = "funding_rate"
)

func ParseChartType(s string) (ChartType, error) {
	switch strings.ToLower(s) {
	case "klines", "kline":
		return ChartKlines, nil
	case "funding_rate", "funding", "fundingrate":
		return ChartFundingRate, nil
	}
	return "", fmt.Errorf("unsupported chart type %q", s)
}

func (c ChartType) Valid() bool {
	return c == ChartKlines || c == ChartFundingRate
}

func (c ChartType) String() string { return string(c) }

// Source tags where a record was obtained.
type Source string

const (
	SourceCache   Source = "cache"
	SourceArchive Source = "archive"
	SourceLive    Source = "live"
)

// Authority ranks sources for merge collisions. Cache reflects previously
// validated data, the archive is immutable, live may include in-progress
// bars; higher wins.
func (s Source) Authority() int {
	switch s {
	case SourceCache:
		return 3
	case SourceArchive:
		return 2
	case SourceLive:
		return 1
	default:
		return 0
	}
}

func (s Source) String() string { return string(s) }

// Bar is the canonical OHLCV record. OpenTime is the primary key, always a
// UTC instant on an interval boundary; CloseTime is derived, never parsed.
type Bar struct {
	OpenTime            time.Time `json:"open_time"`
	CloseTime           time.Time `json:"close_time"`
	Open                float64   `json:"open"`
	High                float64   `json:"high"`
	Low                 float64   `json:"low"`
	Close               float64   `json:"close"`
	Volume              float64   `json:"volume"`
	QuoteVolume         float64   `json:"quote_volume"`
	TakerBuyVolume      float64   `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64   `json:"taker_buy_quote_volume"`
	Trades              uint64    `json:"trades"`
	Source              Source    `json:"_data_source,omitempty"`
}

// WithCloseTime returns the bar with CloseTime recomputed as
// open + interval - 1µs, the canonical close regardless of what any
// upstream payload claimed.
func (b Bar) WithCloseTime(iv Interval) Bar {
	b.CloseTime = CloseTimeFor(b.OpenTime, iv)
	return b
}

// CloseTimeFor derives the canonical close instant for a bar open.
func CloseTimeFor(open time.Time, iv Interval) time.Time {
	return open.Add(iv.Duration() - time.Microsecond)
}

// FundingRecord is the funding-rate schema, keyed by FundingTime. MarkPrice
// is zero when the source does not publish it (the bulk archive does not).
type FundingRecord struct {
	FundingTime time.Time `json:"funding_time"`
	FundingRate float64   `json:"funding_rate"`
	MarkPrice   float64   `json:"mark_price,omitempty"`
	Symbol      string    `json:"symbol"`
	Source      Source    `json:"_data_source,omitempty"`
}
