package market

import (
	"fmt"
	"strconv"
	"strings"
)

// KlineColumns is the canonical column order for bar records, shared by the
// cache codec, the CSV parsers, and export rendering.
var KlineColumns = []string{
	"open_time", "open", "high", "low", "close", "volume", "close_time",
	"quote_volume", "trades", "taker_buy_volume", "taker_buy_quote_volume",
}

// FundingColumns is the canonical column order for funding records.
var FundingColumns = []string{"funding_time", "funding_rate", "mark_price"}

// columnAliases maps foreign header names onto canonical columns. The
// archive renamed several columns over the years; all spellings parse.
var columnAliases = map[string]string{
	"open_time":                    "open_time",
	"open":                         "open",
	"high":                         "high",
	"low":                          "low",
	"close":                        "close",
	"volume":                       "volume",
	"close_time":                   "close_time",
	"quote_volume":                 "quote_volume",
	"quote_asset_volume":           "quote_volume",
	"count":                        "trades",
	"trades":                       "trades",
	"number_of_trades":             "trades",
	"taker_buy_volume":             "taker_buy_volume",
	"taker_buy_base_asset_volume":  "taker_buy_volume",
	"taker_buy_quote_volume":       "taker_buy_quote_volume",
	"taker_buy_quote_asset_volume": "taker_buy_quote_volume",
	"ignore":                       "ignore",
	"calc_time":                    "funding_time",
	"funding_time":                 "funding_time",
	"last_funding_rate":            "funding_rate",
	"funding_rate":                 "funding_rate",
	"funding_interval_hours":       "funding_interval_hours",
	"mark_price":                   "mark_price",
}

// CanonicalColumn resolves a foreign column name.
func CanonicalColumn(name string) (string, bool) {
	c, ok := columnAliases[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// IsHeaderRow reports whether a CSV row is a column header rather than
// data. Newer archive files carry headers, older ones do not; the first
// field of a data row is always a numeric timestamp.
func IsHeaderRow(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	return err != nil
}

// ColumnIndex builds a canonical-column → field-position map from a header
// row. Unknown columns are ignored; duplicates keep the first position.
func ColumnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		c, ok := CanonicalColumn(name)
		if !ok {
			continue
		}
		if _, dup := idx[c]; !dup {
			idx[c] = i
		}
	}
	return idx
}

// defaultKlineIndex is the positional layout of headerless archive rows.
var defaultKlineIndex = map[string]int{
	"open_time": 0, "open": 1, "high": 2, "low": 3, "close": 4, "volume": 5,
	"close_time": 6, "quote_volume": 7, "trades": 8,
	"taker_buy_volume": 9, "taker_buy_quote_volume": 10,
}

// defaultFundingIndex is the positional layout of headerless funding rows.
var defaultFundingIndex = map[string]int{
	"funding_time": 0, "funding_interval_hours": 1, "funding_rate": 2,
}

// DefaultKlineIndex returns the positional column map for headerless rows.
func DefaultKlineIndex() map[string]int { return defaultKlineIndex }

// DefaultFundingIndex returns the positional funding column map.
func DefaultFundingIndex() map[string]int { return defaultFundingIndex }

// ParseKlineCSV converts one archive CSV row into a canonical Bar. The
// open stamp's precision is auto-detected; the close time is recomputed
// from the interval rather than trusted.
func ParseKlineCSV(fields []string, idx map[string]int, iv Interval) (Bar, error) {
	get := func(col string) (string, error) {
		i, ok := idx[col]
		if !ok || i >= len(fields) {
			return "", fmt.Errorf("row missing column %q", col)
		}
		return strings.TrimSpace(fields[i]), nil
	}

	rawOpen, err := get("open_time")
	if err != nil {
		return Bar{}, err
	}
	stamp, err := strconv.ParseInt(rawOpen, 10, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("bad open_time %q: %w", rawOpen, err)
	}

	b := Bar{OpenTime: StampToTime(stamp)}
	for col, dst := range map[string]*float64{
		"open": &b.Open, "high": &b.High, "low": &b.Low, "close": &b.Close,
		"volume": &b.Volume, "quote_volume": &b.QuoteVolume,
		"taker_buy_volume": &b.TakerBuyVolume,
		"taker_buy_quote_volume": &b.TakerBuyQuoteVolume,
	} {
		s, err := get(col)
		if err != nil {
			return Bar{}, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("bad %s %q: %w", col, s, err)
		}
		*dst = v
	}

	if s, err := get("trades"); err == nil && s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("bad trades %q: %w", s, err)
		}
		b.Trades = n
	}

	return b.WithCloseTime(iv), nil
}

// ParseFundingCSV converts one monthly funding archive row into a
// FundingRecord. The archive publishes no mark price.
func ParseFundingCSV(fields []string, idx map[string]int, symbol string) (FundingRecord, error) {
	get := func(col string) (string, error) {
		i, ok := idx[col]
		if !ok || i >= len(fields) {
			return "", fmt.Errorf("row missing column %q", col)
		}
		return strings.TrimSpace(fields[i]), nil
	}

	rawTime, err := get("funding_time")
	if err != nil {
		return FundingRecord{}, err
	}
	stamp, err := strconv.ParseInt(rawTime, 10, 64)
	if err != nil {
		return FundingRecord{}, fmt.Errorf("bad funding time %q: %w", rawTime, err)
	}
	rawRate, err := get("funding_rate")
	if err != nil {
		return FundingRecord{}, err
	}
	rate, err := strconv.ParseFloat(rawRate, 64)
	if err != nil {
		return FundingRecord{}, fmt.Errorf("bad funding rate %q: %w", rawRate, err)
	}

	return FundingRecord{
		FundingTime: StampToTime(stamp),
		FundingRate: rate,
		Symbol:      symbol,
	}, nil
}

// ParseKlineArray converts one element of the live endpoint's
// array-of-arrays payload into a canonical Bar. Numbers arrive as JSON
// numbers for timestamps and counts but as strings for decimals.
func ParseKlineArray(raw []any, iv Interval) (Bar, error) {
	if len(raw) < 11 {
		return Bar{}, fmt.Errorf("kline array has %d fields, want 11+", len(raw))
	}

	stamp, err := jsonInt(raw[0])
	if err != nil {
		return Bar{}, fmt.Errorf("bad open_time: %w", err)
	}
	b := Bar{OpenTime: StampToTime(stamp)}

	for i, dst := range map[int]*float64{
		1: &b.Open, 2: &b.High, 3: &b.Low, 4: &b.Close, 5: &b.Volume,
		7: &b.QuoteVolume, 9: &b.TakerBuyVolume, 10: &b.TakerBuyQuoteVolume,
	} {
		v, err := jsonFloat(raw[i])
		if err != nil {
			return Bar{}, fmt.Errorf("bad field %d: %w", i, err)
		}
		*dst = v
	}

	trades, err := jsonInt(raw[8])
	if err != nil {
		return Bar{}, fmt.Errorf("bad trades: %w", err)
	}
	if trades < 0 {
		return Bar{}, fmt.Errorf("negative trade count %d", trades)
	}
	b.Trades = uint64(trades)

	return b.WithCloseTime(iv), nil
}

func jsonFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		if x == "" {
			return 0, nil
		}
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func jsonInt(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
