package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tradeforge/klinefeed/internal/market"
)

// ErrCorrupt marks a day file that failed structural or digest checks.
// The store treats it as a miss after invalidating the entry.
var ErrCorrupt = errors.New("corrupt cache entry")

// File layout: magic, uint32 little-endian header length, JSON header,
// fixed-width little-endian column blocks in canonical column order, and a
// trailing SHA-256 over everything before it. Timestamps are stored as
// microseconds, decimals as float64 bits, counts as uint64.
const (
	magic      = "KLF1"
	digestSize = sha256.Size
	cellSize   = 8
)

// Header is the self-describing prefix of a day file.
type Header struct {
	Schema   string `json:"schema"`
	Symbol   string `json:"symbol"`
	Market   string `json:"market_type"`
	Interval string `json:"interval"`
	Day      string `json:"day"`
	Rows     int    `json:"rows"`
}

// Payload is the decoded content of one day file. Exactly one of Bars and
// Records is populated, matching Header.Schema.
type Payload struct {
	Header  Header
	Bars    []market.Bar
	Records []market.FundingRecord
}

// EncodeKlines serializes one calendar day of bars. Bars must be sorted
// ascending and every open must fall inside the day.
func EncodeKlines(key Key, day time.Time, bars []market.Bar) ([]byte, error) {
	if err := checkDayBounds(day, len(bars), func(i int) time.Time { return bars[i].OpenTime }); err != nil {
		return nil, err
	}

	hdr := Header{
		Schema:   string(market.ChartKlines),
		Symbol:   key.Symbol,
		Market:   string(key.Market),
		Interval: string(key.Interval),
		Day:      DayName(day),
		Rows:     len(bars),
	}

	cols := make([][]uint64, len(market.KlineColumns))
	for i := range cols {
		cols[i] = make([]uint64, len(bars))
	}
	for r, b := range bars {
		for c, name := range market.KlineColumns {
			cols[c][r] = klineCell(b, name)
		}
	}
	return assemble(hdr, cols)
}

// EncodeFunding serializes one calendar day of funding records.
func EncodeFunding(key Key, day time.Time, recs []market.FundingRecord) ([]byte, error) {
	if err := checkDayBounds(day, len(recs), func(i int) time.Time { return recs[i].FundingTime }); err != nil {
		return nil, err
	}

	hdr := Header{
		Schema:   string(market.ChartFundingRate),
		Symbol:   key.Symbol,
		Market:   string(key.Market),
		Interval: string(key.Interval),
		Day:      DayName(day),
		Rows:     len(recs),
	}

	cols := make([][]uint64, len(market.FundingColumns))
	for i := range cols {
		cols[i] = make([]uint64, len(recs))
	}
	for r, rec := range recs {
		cols[0][r] = uint64(rec.FundingTime.UnixMicro())
		cols[1][r] = math.Float64bits(rec.FundingRate)
		cols[2][r] = math.Float64bits(rec.MarkPrice)
	}
	return assemble(hdr, cols)
}

// Decode parses and verifies a day file. Any structural defect or digest
// mismatch returns an error wrapping ErrCorrupt.
func Decode(data []byte) (*Payload, error) {
	if len(data) < len(magic)+4+digestSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrCorrupt, len(data))
	}
	if string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, data[:len(magic)])
	}

	body, trailer := data[:len(data)-digestSize], data[len(data)-digestSize:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	hdrLen := int(binary.LittleEndian.Uint32(data[len(magic):]))
	hdrStart := len(magic) + 4
	if hdrLen <= 0 || hdrStart+hdrLen > len(body) {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrCorrupt, hdrLen)
	}

	var hdr Header
	if err := json.Unmarshal(body[hdrStart:hdrStart+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if hdr.Rows < 0 {
		return nil, fmt.Errorf("%w: negative row count %d", ErrCorrupt, hdr.Rows)
	}

	var colNames []string
	switch hdr.Schema {
	case string(market.ChartKlines):
		colNames = market.KlineColumns
	case string(market.ChartFundingRate):
		colNames = market.FundingColumns
	default:
		return nil, fmt.Errorf("%w: unknown schema %q", ErrCorrupt, hdr.Schema)
	}

	blocks := body[hdrStart+hdrLen:]
	want := hdr.Rows * cellSize * len(colNames)
	if len(blocks) != want {
		return nil, fmt.Errorf("%w: %d column bytes, want %d", ErrCorrupt, len(blocks), want)
	}

	cell := func(col, row int) uint64 {
		off := (col*hdr.Rows + row) * cellSize
		return binary.LittleEndian.Uint64(blocks[off : off+cellSize])
	}

	p := &Payload{Header: hdr}
	if hdr.Schema == string(market.ChartKlines) {
		p.Bars = make([]market.Bar, hdr.Rows)
		for r := range p.Bars {
			b := &p.Bars[r]
			for c, name := range colNames {
				setKlineCell(b, name, cell(c, r))
			}
		}
	} else {
		p.Records = make([]market.FundingRecord, hdr.Rows)
		for r := range p.Records {
			p.Records[r] = market.FundingRecord{
				FundingTime: time.UnixMicro(int64(cell(0, r))).UTC(),
				FundingRate: math.Float64frombits(cell(1, r)),
				MarkPrice:   math.Float64frombits(cell(2, r)),
				Symbol:      hdr.Symbol,
			}
		}
	}
	return p, nil
}

// Digest returns the hex digest a file's trailer should carry, as stored
// in the metadata entry for cross-checking.
func Digest(data []byte) string {
	if len(data) < digestSize {
		return ""
	}
	return hex.EncodeToString(data[len(data)-digestSize:])
}

// DayName formats a UTC midnight as the calendar date used in file names
// and metadata.
func DayName(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}

// ParseDayName parses a calendar date back to its UTC midnight.
func ParseDayName(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

func assemble(hdr Header, cols [][]uint64) ([]byte, error) {
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}

	size := len(magic) + 4 + len(hdrJSON) + hdr.Rows*cellSize*len(cols) + digestSize
	buf := make([]byte, 0, size)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(hdrJSON)))
	buf = append(buf, hdrJSON...)
	for _, col := range cols {
		for _, v := range col {
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
	}
	sum := sha256.Sum256(buf)
	return append(buf, sum[:]...), nil
}

func checkDayBounds(day time.Time, n int, stamp func(int) time.Time) error {
	start, end := market.DayOf(day), market.NextDay(market.DayOf(day))
	var prev time.Time
	for i := 0; i < n; i++ {
		t := stamp(i)
		if t.Before(start) || !t.Before(end) {
			return fmt.Errorf("record %d stamp %s outside day %s",
				i, t.UTC().Format(time.RFC3339), DayName(day))
		}
		if i > 0 && !t.After(prev) {
			return fmt.Errorf("records %d..%d not strictly ascending", i-1, i)
		}
		prev = t
	}
	return nil
}

func klineCell(b market.Bar, col string) uint64 {
	switch col {
	case "open_time":
		return uint64(b.OpenTime.UnixMicro())
	case "close_time":
		return uint64(b.CloseTime.UnixMicro())
	case "open":
		return math.Float64bits(b.Open)
	case "high":
		return math.Float64bits(b.High)
	case "low":
		return math.Float64bits(b.Low)
	case "close":
		return math.Float64bits(b.Close)
	case "volume":
		return math.Float64bits(b.Volume)
	case "quote_volume":
		return math.Float64bits(b.QuoteVolume)
	case "taker_buy_volume":
		return math.Float64bits(b.TakerBuyVolume)
	case "taker_buy_quote_volume":
		return math.Float64bits(b.TakerBuyQuoteVolume)
	case "trades":
		return b.Trades
	}
	return 0
}

func setKlineCell(b *market.Bar, col string, v uint64) {
	switch col {
	case "open_time":
		b.OpenTime = time.UnixMicro(int64(v)).UTC()
	case "close_time":
		b.CloseTime = time.UnixMicro(int64(v)).UTC()
	case "open":
		b.Open = math.Float64frombits(v)
	case "high":
		b.High = math.Float64frombits(v)
	case "low":
		b.Low = math.Float64frombits(v)
	case "close":
		b.Close = math.Float64frombits(v)
	case "volume":
		b.Volume = math.Float64frombits(v)
	case "quote_volume":
		b.QuoteVolume = math.Float64frombits(v)
	case "taker_buy_volume":
		b.TakerBuyVolume = math.Float64frombits(v)
	case "taker_buy_quote_volume":
		b.TakerBuyQuoteVolume = math.Float64frombits(v)
	case "trades":
		b.Trades = v
	}
}
