package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/source"
)

// FetcherConfig tunes chunking and dispatch.
type FetcherConfig struct {
	ChunkSize     int
	MaxChunks     int
	MaxConcurrent int
	// Now overrides the clock used to drop the in-progress bar, for tests.
	Now func() time.Time
}

// Fetcher retrieves windows from the live REST endpoints.
type Fetcher struct {
	client        *Client
	chunkSize     int
	maxChunks     int
	maxConcurrent int
	now           func() time.Time
}

// NewFetcher creates a live fetcher over the given client.
func NewFetcher(client *Client, cfg FetcherConfig) *Fetcher {
	f := &Fetcher{
		client:        client,
		chunkSize:     cfg.ChunkSize,
		maxChunks:     cfg.MaxChunks,
		maxConcurrent: cfg.MaxConcurrent,
		now:           cfg.Now,
	}
	if f.chunkSize <= 0 {
		f.chunkSize = 1000
	}
	if f.maxChunks <= 0 {
		f.maxChunks = 10
	}
	if f.maxConcurrent <= 0 {
		f.maxConcurrent = 1
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// FetchKlines retrieves [t0, t1] in concurrent chunks, sorted, trimmed,
// and with any still-open final bar dropped. A window over the chunk
// budget fails with ErrRangeTooLarge instead of hammering the endpoint.
func (f *Fetcher) FetchKlines(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.Frame, error) {
	sym := mt.NormalizeSymbol(symbol)
	frame := market.NewFrame(sym, mt, iv)

	if !iv.Supports(mt) {
		return nil, source.NewError(market.SourceLive, source.KindInvalidInput,
			fmt.Sprintf("interval %s is not served for %s", iv, mt), source.ErrInvalidInput)
	}
	if t1.Before(t0) {
		return frame, nil
	}

	a0, a1 := market.Floor(t0, iv), market.Floor(t1, iv)
	chunks, err := PlanChunks(a0, a1, iv, f.chunkSize, f.maxChunks)
	if err != nil {
		return nil, source.NewError(market.SourceLive, source.Classify(err),
			fmt.Sprintf("cannot plan %s/%s window", sym, iv), err)
	}
	if len(chunks) == 0 {
		return frame, nil
	}

	type chunkResult struct {
		bars []market.Bar
		err  error
	}
	results := make([]chunkResult, len(chunks))

	sem := make(chan struct{}, f.maxConcurrent)
	var wg sync.WaitGroup
	for i, ch := range chunks {
		wg.Add(1)
		go func(i int, ch Chunk) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}
			bars, err := f.requestChunk(ctx, sym, mt, iv, ch)
			results[i] = chunkResult{bars: bars, err: err}
		}(i, ch)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			return nil, wrapLive(r.err, fmt.Sprintf("live chunk %d/%d for %s/%s failed",
				i+1, len(chunks), sym, iv))
		}
		frame.Append(r.bars...)
	}

	frame.Sort()
	frame.Trim(t0, t1)
	f.dropInProgress(frame)
	frame.TagSource(market.SourceLive)

	log.Debug().Str("symbol", sym).Str("interval", string(iv)).
		Int("chunks", len(chunks)).Int("bars", frame.Len()).
		Msg("Live kline fetch finished")
	return frame, nil
}

// requestChunk asks for exactly the chunk's expected bars. Wire stamps
// are milliseconds and the endpoint filters on open time, both bounds
// inclusive.
func (f *Fetcher) requestChunk(ctx context.Context, sym string, mt market.MarketType, iv market.Interval, ch Chunk) ([]market.Bar, error) {
	rawURL := f.client.klineURL(mt, sym, iv, ch.Start.UnixMilli(), ch.End.UnixMilli(), ch.Count)

	var payload [][]any
	if err := f.client.getJSON(ctx, rawURL, &payload); err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(payload))
	for i, raw := range payload {
		b, err := market.ParseKlineArray(raw, iv)
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// dropInProgress removes trailing bars that have not closed yet. The
// endpoint includes the currently forming bar when the window reaches
// the present.
func (f *Fetcher) dropInProgress(frame *market.Frame) {
	now := f.now()
	for frame.Len() > 0 {
		last := frame.Bars[frame.Len()-1]
		if market.IsBarComplete(last.OpenTime, frame.Interval, now) {
			return
		}
		frame.Bars = frame.Bars[:frame.Len()-1]
		log.Debug().Time("open", last.OpenTime).Str("interval", string(frame.Interval)).
			Msg("Dropped in-progress bar")
	}
}

// wrapLive coerces any chunk failure into a live SourceError, keeping an
// already-typed error's kind and status.
func wrapLive(err error, msg string) error {
	var se *source.SourceError
	if errors.As(err, &se) && se.Source == market.SourceLive {
		return se
	}
	return source.NewError(market.SourceLive, source.Classify(err), msg, err)
}
