package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/klinefeed/infra/breakers"
	"github.com/tradeforge/klinefeed/internal/infrastructure/httpclient"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/net/ratelimit"
	"github.com/tradeforge/klinefeed/internal/source"
)

func newTestFetcher(srvURL string, cfg FetcherConfig) *Fetcher {
	client := NewClient(ClientConfig{
		SpotBaseURL:        srvURL,
		FuturesUSDTBaseURL: srvURL,
		FuturesCoinBaseURL: srvURL,
		Pool: httpclient.New(httpclient.Config{
			MaxConcurrency: 4,
			RequestTimeout: 5 * time.Second,
			MaxRetries:     2,
			BackoffBase:    time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
		}),
		Limiter:  ratelimit.NewLimiter(1000, 1000),
		Breakers: breakers.NewSet(),
	})
	return NewFetcher(client, cfg)
}

// klineServer answers chunk requests by generating bars for the asked
// range, recording each request's query.
func klineServer(t *testing.T, iv market.Interval) (*httptest.Server, *[]map[string]string) {
	t.Helper()
	var mu sync.Mutex
	var seen []map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		seen = append(seen, map[string]string{
			"path":      r.URL.Path,
			"symbol":    q.Get("symbol"),
			"interval":  q.Get("interval"),
			"startTime": q.Get("startTime"),
			"endTime":   q.Get("endTime"),
			"limit":     q.Get("limit"),
		})
		mu.Unlock()

		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		step := iv.Micros() / 1000

		var out [][]any
		for ts := start; ts <= end && len(out) < limit; ts += step {
			out = append(out, []any{
				ts, "100", "110", "95", "105", "12.5",
				ts + step - 1, "1300.5", 42, "6.1", "640.2", "0",
			})
		}
		json.NewEncoder(w).Encode(out)
	}))
	return srv, &seen
}

func TestFetchKlinesSingleChunk(t *testing.T) {
	srv, seen := klineServer(t, market.Interval1h)
	defer srv.Close()

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	now := day.Add(48 * time.Hour)
	f := newTestFetcher(srv.URL, FetcherConfig{
		ChunkSize: 1000, MaxChunks: 10, MaxConcurrent: 2,
		Now: func() time.Time { return now },
	})

	frame, err := f.FetchKlines(context.Background(), "btcusdt", market.MarketSpot,
		market.Interval1h, day, day.Add(23*time.Hour))
	require.NoError(t, err)

	require.Equal(t, 24, frame.Len())
	assert.Equal(t, market.SourceLive, frame.Bars[0].Source)
	assert.NoError(t, frame.Validate())

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "/api/v3/klines", req["path"])
	assert.Equal(t, "BTCUSDT", req["symbol"])
	assert.Equal(t, "1h", req["interval"])
	assert.Equal(t, strconv.FormatInt(day.UnixMilli(), 10), req["startTime"])
	assert.Equal(t, strconv.FormatInt(day.Add(23*time.Hour).UnixMilli(), 10), req["endTime"])
	assert.Equal(t, "24", req["limit"])
}

func TestFetchKlinesMultipleChunks(t *testing.T) {
	srv, seen := klineServer(t, market.Interval1h)
	defer srv.Close()

	start := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	now := start.Add(14 * 24 * time.Hour)
	f := newTestFetcher(srv.URL, FetcherConfig{
		ChunkSize: 24, MaxChunks: 10, MaxConcurrent: 3,
		Now: func() time.Time { return now },
	})

	// 30 hourly bars across a 24-bar chunk boundary.
	frame, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval1h, start, start.Add(29*time.Hour))
	require.NoError(t, err)

	require.Equal(t, 30, frame.Len())
	require.NoError(t, frame.Validate())
	first, _ := frame.First()
	last, _ := frame.Last()
	assert.True(t, first.OpenTime.Equal(start))
	assert.True(t, last.OpenTime.Equal(start.Add(29*time.Hour)))
	assert.Len(t, *seen, 2, "30 bars at chunk size 24 is two requests")
}

func TestFetchKlinesFuturesPath(t *testing.T) {
	srv, seen := klineServer(t, market.Interval1h)
	defer srv.Close()

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	f := newTestFetcher(srv.URL, FetcherConfig{
		Now: func() time.Time { return day.Add(48 * time.Hour) },
	})

	_, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketFuturesUSDT,
		market.Interval1h, day, day.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, "/fapi/v1/klines", (*seen)[0]["path"])
}

func TestFetchKlinesDropsInProgressBar(t *testing.T) {
	srv, _ := klineServer(t, market.Interval1h)
	defer srv.Close()

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	// 10:30: the 10:00 bar is still forming.
	now := day.Add(10*time.Hour + 30*time.Minute)
	f := newTestFetcher(srv.URL, FetcherConfig{
		Now: func() time.Time { return now },
	})

	frame, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval1h, day, day.Add(10*time.Hour))
	require.NoError(t, err)

	require.Equal(t, 10, frame.Len(), "the in-progress 10:00 bar must be dropped")
	last, _ := frame.Last()
	assert.True(t, last.OpenTime.Equal(day.Add(9*time.Hour)))
}

func TestFetchKlinesRangeTooLarge(t *testing.T) {
	srv, seen := klineServer(t, market.Interval1m)
	defer srv.Close()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f := newTestFetcher(srv.URL, FetcherConfig{ChunkSize: 1000, MaxChunks: 10})

	_, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval1m, start, start.Add(20000*time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrRangeTooLarge)
	assert.Empty(t, *seen, "an over-budget window must not touch the endpoint")
}

func TestFetchKlinesSecondIntervalSpotOnly(t *testing.T) {
	srv, _ := klineServer(t, market.Interval1s)
	defer srv.Close()

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	f := newTestFetcher(srv.URL, FetcherConfig{})

	_, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketFuturesUSDT,
		market.Interval1s, day, day.Add(time.Minute))
	require.Error(t, err)

	var se *source.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, source.KindInvalidInput, se.Kind)
}

func TestFetchKlinesHonorsRetryAfter(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()

		if first {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		json.NewEncoder(w).Encode([][]any{{
			start, "100", "110", "95", "105", "12.5",
			start + 3599999, "1300.5", 42, "6.1", "640.2", "0",
		}})
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL, FetcherConfig{
		Now: func() time.Time { return day.Add(48 * time.Hour) },
	})

	began := time.Now()
	frame, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval1h, day, day)
	require.NoError(t, err)
	assert.Equal(t, 1, frame.Len())
	assert.GreaterOrEqual(t, time.Since(began), time.Second,
		"the Retry-After pause must be served before retrying")
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestFetchKlinesServerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	f := newTestFetcher(srv.URL, FetcherConfig{})

	_, err := f.FetchKlines(context.Background(), "NOPEUSDT", market.MarketSpot,
		market.Interval1h, day, day)
	require.Error(t, err)

	var se *source.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, source.KindInvalidInput, se.Kind)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.False(t, se.Temporary)
}

func TestFetchFundingPagination(t *testing.T) {
	base := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var starts []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/fundingRate", r.URL.Path)
		q := r.URL.Query()
		mu.Lock()
		starts = append(starts, q.Get("startTime"))
		page := len(starts)
		mu.Unlock()

		if page == 1 {
			// Full page: exactly limit records, so the fetcher pages on.
			json.NewEncoder(w).Encode([]map[string]any{
				{"symbol": "BTCUSDT", "fundingTime": base.UnixMilli(),
					"fundingRate": "0.00010000", "markPrice": "65000.50"},
				{"symbol": "BTCUSDT", "fundingTime": base.Add(8 * time.Hour).UnixMilli(),
					"fundingRate": "0.00020000", "markPrice": "65100.00"},
			})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"symbol": "BTCUSDT", "fundingTime": base.Add(16 * time.Hour).UnixMilli(),
				"fundingRate": "-0.00005000"},
		})
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL, FetcherConfig{ChunkSize: 2, MaxChunks: 10})
	frame, err := f.FetchFunding(context.Background(), "BTCUSDT", market.MarketFuturesUSDT,
		market.Interval8h, base, base.Add(23*time.Hour))
	require.NoError(t, err)

	require.Equal(t, 3, frame.Len())
	assert.Equal(t, 0.0001, frame.Records[0].FundingRate)
	assert.Equal(t, 65000.50, frame.Records[0].MarkPrice)
	assert.Equal(t, -0.00005, frame.Records[2].FundingRate)
	assert.Zero(t, frame.Records[2].MarkPrice)
	assert.Equal(t, market.SourceLive, frame.Records[0].Source)

	require.Len(t, starts, 2)
	wantCursor := base.Add(8*time.Hour).UnixMilli() + 1
	assert.Equal(t, strconv.FormatInt(wantCursor, 10), starts[1],
		"second page must start one ms after the last seen funding time")
}

func TestFetchFundingSpotRejected(t *testing.T) {
	f := newTestFetcher("http://unused.invalid", FetcherConfig{})
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	_, err := f.FetchFunding(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval8h, day, day.Add(time.Hour))
	require.Error(t, err)

	var se *source.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, source.KindInvalidInput, se.Kind)
}
