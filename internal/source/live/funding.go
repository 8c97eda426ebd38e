package live

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/source"
)

// fundingPayload mirrors one element of the funding endpoint's response.
// Rates and prices arrive as strings; markPrice may be absent or empty.
type fundingPayload struct {
	Symbol      string `json:"symbol"`
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
	MarkPrice   string `json:"markPrice"`
}

// FetchFunding retrieves funding records for [t0, t1]. The endpoint pages
// forward on funding time, so requests run sequentially on a cursor until
// a short page signals the end of the window.
func (f *Fetcher) FetchFunding(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.FundingFrame, error) {
	sym := mt.NormalizeSymbol(symbol)
	frame := market.NewFundingFrame(sym, mt, iv)

	if mt == market.MarketSpot {
		return nil, source.NewError(market.SourceLive, source.KindInvalidInput,
			"funding rates require a futures market", source.ErrInvalidInput)
	}
	if t1.Before(t0) {
		return frame, nil
	}

	cursor := t0.UnixMilli()
	endMS := t1.UnixMilli()
	pages := 0

	for cursor <= endMS {
		if pages >= f.maxChunks {
			return nil, source.NewError(market.SourceLive, source.KindInvalidInput,
				fmt.Sprintf("funding window for %s needs more than %d pages", sym, f.maxChunks),
				source.ErrRangeTooLarge)
		}
		pages++

		var payload []fundingPayload
		rawURL := f.client.fundingURL(mt, sym, cursor, endMS, f.chunkSize)
		if err := f.client.getJSON(ctx, rawURL, &payload); err != nil {
			return nil, wrapLive(err, fmt.Sprintf("live funding page %d for %s failed", pages, sym))
		}

		for _, p := range payload {
			rec, err := parseFundingPayload(p, sym)
			if err != nil {
				return nil, source.NewError(market.SourceLive, source.KindInvalidInput,
					fmt.Sprintf("funding payload for %s", sym), err)
			}
			frame.Append(rec)
		}

		if len(payload) < f.chunkSize {
			break
		}
		cursor = payload[len(payload)-1].FundingTime + 1
	}

	frame.Sort()
	frame.Dedup()
	frame.Trim(t0, t1)
	frame.TagSource(market.SourceLive)

	log.Debug().Str("symbol", sym).Int("pages", pages).
		Int("records", frame.Len()).Msg("Live funding fetch finished")
	return frame, nil
}

func parseFundingPayload(p fundingPayload, sym string) (market.FundingRecord, error) {
	if p.FundingTime <= 0 {
		return market.FundingRecord{}, fmt.Errorf("bad funding time %d", p.FundingTime)
	}
	rate, err := strconv.ParseFloat(p.FundingRate, 64)
	if err != nil {
		return market.FundingRecord{}, fmt.Errorf("bad funding rate %q: %w", p.FundingRate, err)
	}

	rec := market.FundingRecord{
		FundingTime: market.StampToTime(p.FundingTime),
		FundingRate: rate,
		Symbol:      sym,
	}
	if p.MarkPrice != "" {
		mark, err := strconv.ParseFloat(p.MarkPrice, 64)
		if err != nil {
			return market.FundingRecord{}, fmt.Errorf("bad mark price %q: %w", p.MarkPrice, err)
		}
		rec.MarkPrice = mark
	}
	return rec, nil
}
