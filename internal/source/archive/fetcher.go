// Package archive fetches historical days from the bulk file host: daily
// kline ZIPs and monthly funding ZIPs, downloaded concurrently, checksum
// verified when the host publishes a sidecar, and parsed through the
// canonical schema. A file the host has not published yet is an empty
// segment, never an error.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/klinefeed/infra/breakers"
	"github.com/tradeforge/klinefeed/internal/infrastructure/httpclient"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/net/ratelimit"
	"github.com/tradeforge/klinefeed/internal/source"
)

// Config assembles a Fetcher from the shared transport pieces.
type Config struct {
	BaseURL       string
	MaxConcurrent int
	Pool          *httpclient.Pool
	Limiter       *ratelimit.Limiter
	Breakers      *breakers.Set
}

// Fetcher downloads and parses archive files for one bulk host.
type Fetcher struct {
	base          string
	maxConcurrent int
	pool          *httpclient.Pool
	limiter       *ratelimit.Limiter
	breakers      *breakers.Set
}

// New creates a Fetcher. MaxConcurrent below one downloads serially.
func New(cfg Config) *Fetcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Fetcher{
		base:          cfg.BaseURL,
		maxConcurrent: cfg.MaxConcurrent,
		pool:          cfg.Pool,
		limiter:       cfg.Limiter,
		breakers:      cfg.Breakers,
	}
}

// FetchKlines downloads every daily file overlapping [t0, t1], parses and
// concatenates the rows, and returns them sorted and trimmed to the
// window. Any day failing after retries fails the whole call so the
// caller can fall back or record a gap; partial data is never returned
// alongside a nil error for a failed day.
func (f *Fetcher) FetchKlines(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.Frame, error) {
	sym := mt.NormalizeSymbol(symbol)
	frame := market.NewFrame(sym, mt, iv)

	days := market.DaysCovering(t0, t1)
	if len(days) == 0 {
		return frame, nil
	}

	type dayResult struct {
		bars []market.Bar
		err  error
	}
	results := make([]dayResult, len(days))

	sem := make(chan struct{}, f.maxConcurrent)
	var wg sync.WaitGroup
	for i, day := range days {
		wg.Add(1)
		go func(i int, day time.Time) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}
			bars, err := f.fetchKlineDay(ctx, sym, mt, iv, day)
			results[i] = dayResult{bars: bars, err: err}
		}(i, day)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			return nil, source.NewError(market.SourceArchive, source.Classify(r.err),
				fmt.Sprintf("archive day %s %s/%s failed", days[i].Format("2006-01-02"), sym, iv), r.err)
		}
		frame.Append(r.bars...)
	}

	frame.Sort()
	frame.Trim(t0, t1)
	frame.TagSource(market.SourceArchive)

	log.Debug().Str("symbol", sym).Str("interval", string(iv)).
		Int("days", len(days)).Int("bars", frame.Len()).
		Msg("Archive kline fetch finished")
	return frame, nil
}

// FetchFunding downloads every monthly funding file overlapping [t0, t1].
// The monthly layout means boundary months carry extra records; they are
// trimmed here.
func (f *Fetcher) FetchFunding(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) (*market.FundingFrame, error) {
	sym := mt.NormalizeSymbol(symbol)
	frame := market.NewFundingFrame(sym, mt, iv)

	months := MonthsCovering(t0, t1)
	if len(months) == 0 {
		return frame, nil
	}

	type monthResult struct {
		recs []market.FundingRecord
		err  error
	}
	results := make([]monthResult, len(months))

	sem := make(chan struct{}, f.maxConcurrent)
	var wg sync.WaitGroup
	for i, month := range months {
		wg.Add(1)
		go func(i int, month time.Time) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}
			recs, err := f.fetchFundingMonth(ctx, sym, mt, month)
			results[i] = monthResult{recs: recs, err: err}
		}(i, month)
	}
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			return nil, source.NewError(market.SourceArchive, source.Classify(r.err),
				fmt.Sprintf("archive funding month %s %s failed", MonthName(months[i]), sym), r.err)
		}
		frame.Append(r.recs...)
	}

	frame.Sort()
	frame.Trim(t0, t1)
	frame.TagSource(market.SourceArchive)

	log.Debug().Str("symbol", sym).Int("months", len(months)).
		Int("records", frame.Len()).Msg("Archive funding fetch finished")
	return frame, nil
}

func (f *Fetcher) fetchKlineDay(ctx context.Context, sym string, mt market.MarketType, iv market.Interval, day time.Time) ([]market.Bar, error) {
	fileURL := KlineURL(f.base, mt, sym, iv, day)
	data, found, err := f.download(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	if !found {
		log.Debug().Str("url", fileURL).Msg("Archive file not published")
		return nil, nil
	}
	if err := f.verifySidecar(ctx, fileURL, data); err != nil {
		return nil, err
	}
	return ExtractKlines(data, iv)
}

func (f *Fetcher) fetchFundingMonth(ctx context.Context, sym string, mt market.MarketType, month time.Time) ([]market.FundingRecord, error) {
	fileURL := FundingURL(f.base, mt, sym, month)
	data, found, err := f.download(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	if !found {
		log.Debug().Str("url", fileURL).Msg("Archive funding file not published")
		return nil, nil
	}
	if err := f.verifySidecar(ctx, fileURL, data); err != nil {
		return nil, err
	}
	return ExtractFunding(data, sym)
}

// verifySidecar fetches the optional .CHECKSUM and verifies the payload
// against it. A missing or unreachable sidecar skips verification; a
// present sidecar that disagrees fails the file.
func (f *Fetcher) verifySidecar(ctx context.Context, fileURL string, data []byte) error {
	sidecar, found, err := f.download(ctx, ChecksumURL(fileURL))
	if err != nil || !found {
		if err != nil {
			log.Debug().Err(err).Str("url", fileURL).Msg("Checksum sidecar unreachable, skipping verification")
		}
		return nil
	}
	if err := VerifyChecksum(data, sidecar); err != nil {
		return fmt.Errorf("%s: %w", fileURL, err)
	}
	return nil
}

type fetched struct {
	data  []byte
	found bool
}

// download GETs one URL through the limiter, breaker, and retrying pool.
// A 404 reports found=false with no error.
func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false, err
	}
	host := u.Host

	if err := f.limiter.Wait(ctx, host); err != nil {
		return nil, false, err
	}

	out, err := f.breakers.Execute(host, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.pool.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			io.Copy(io.Discard, resp.Body)
			return fetched{found: false}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP %s for %s", resp.Status, rawURL)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return fetched{data: data, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := out.(fetched)
	return r.data, r.found, nil
}
