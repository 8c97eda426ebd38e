package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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

func newTestFetcher(baseURL string) *Fetcher {
	return New(Config{
		BaseURL:       baseURL,
		MaxConcurrent: 4,
		Pool: httpclient.New(httpclient.Config{
			MaxConcurrency: 4,
			RequestTimeout: 5 * time.Second,
			MaxRetries:     1,
			BackoffBase:    time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
		}),
		Limiter:  ratelimit.NewLimiter(1000, 1000),
		Breakers: breakers.NewSet(),
	})
}

// hourRows renders n hourly kline CSV rows starting at the day's open,
// millisecond stamps.
func hourRows(day time.Time, n int) []string {
	rows := make([]string, n)
	for i := range rows {
		open := day.Add(time.Duration(i) * time.Hour)
		rows[i] = fmt.Sprintf("%d,100,110,95,105,12.5,%d,1300.5,42,6.1,640.2",
			open.UnixMilli(), open.Add(time.Hour).UnixMilli()-1)
	}
	return rows
}

func TestFetchKlinesAcrossDays(t *testing.T) {
	day1 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/spot/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip":
			w.Write(zipCSV(t, "d1.csv", hourRows(day1, 24)...))
		case "/data/spot/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-16.zip":
			w.Write(zipCSV(t, "d2.csv", hourRows(day2, 24)...))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL)
	frame, err := f.FetchKlines(context.Background(), "btcusdt", market.MarketSpot,
		market.Interval1h, day1.Add(6*time.Hour), day2.Add(17*time.Hour))
	require.NoError(t, err)

	// 18 bars on the 15th (06:00..23:00) plus 18 on the 16th (00:00..17:00).
	require.Equal(t, 36, frame.Len())
	first, _ := frame.First()
	last, _ := frame.Last()
	assert.True(t, first.OpenTime.Equal(day1.Add(6*time.Hour)), "rows before the window are trimmed")
	assert.True(t, last.OpenTime.Equal(day2.Add(17*time.Hour)))
	assert.Equal(t, market.SourceArchive, first.Source)
	assert.NoError(t, frame.Validate())
}

func TestFetchKlinesMissingDayIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	frame, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval1h, day, day.Add(23*time.Hour))

	require.NoError(t, err, "an unpublished file is an empty segment, not a failure")
	assert.True(t, frame.Empty())
}

func TestFetchKlinesServerErrorFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	_, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval1h, day, day.Add(time.Hour))

	require.Error(t, err)
	var se *source.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, market.SourceArchive, se.Source)
	assert.True(t, se.Temporary)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "5xx must be retried before failing")
}

func TestFetchKlinesChecksumVerified(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	good := zipCSV(t, "d.csv", hourRows(day, 2)...)
	sum := sha256.Sum256(good)

	t.Run("matching sidecar passes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/data/spot/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip":
				w.Write(good)
			case r.URL.Path == "/data/spot/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip.CHECKSUM":
				fmt.Fprintf(w, "%s  BTCUSDT-1h-2024-03-15.zip\n", hex.EncodeToString(sum[:]))
			default:
				http.NotFound(w, r)
			}
		}))
		defer srv.Close()

		frame, err := newTestFetcher(srv.URL).FetchKlines(context.Background(), "BTCUSDT",
			market.MarketSpot, market.Interval1h, day, day.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, frame.Len())
	})

	t.Run("mismatching sidecar discards the file", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/data/spot/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip":
				w.Write(good)
			case r.URL.Path == "/data/spot/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip.CHECKSUM":
				fmt.Fprintf(w, "%064d  BTCUSDT-1h-2024-03-15.zip\n", 0)
			default:
				http.NotFound(w, r)
			}
		}))
		defer srv.Close()

		_, err := newTestFetcher(srv.URL).FetchKlines(context.Background(), "BTCUSDT",
			market.MarketSpot, market.Interval1h, day, day.Add(time.Hour))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "archive")
	})
}

func TestFetchFundingMonthly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/futures/um/monthly/fundingRate/BTCUSDT/BTCUSDT-fundingRate-2024-02.zip":
			hits.Add(1)
			w.Write(zipCSV(t, "feb.csv",
				"calc_time,funding_interval_hours,last_funding_rate",
				"1709164800000,8,0.00010000", // 2024-02-29 00:00
				"1709193600000,8,0.00020000", // 2024-02-29 08:00
			))
		case "/data/futures/um/monthly/fundingRate/BTCUSDT/BTCUSDT-fundingRate-2024-03.zip":
			hits.Add(1)
			w.Write(zipCSV(t, "mar.csv",
				"calc_time,funding_interval_hours,last_funding_rate",
				"1709251200000,8,0.00030000", // 2024-03-01 00:00
			))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL)
	frame, err := f.FetchFunding(context.Background(), "BTCUSDT", market.MarketFuturesUSDT,
		market.Interval8h,
		time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load(), "one download per overlapping month")
	require.Equal(t, 3, frame.Len())
	assert.Equal(t, 0.0001, frame.Records[0].FundingRate)
	assert.Equal(t, 0.0003, frame.Records[2].FundingRate)
	assert.Equal(t, market.SourceArchive, frame.Records[0].Source)
	assert.NoError(t, frame.Validate())
}

func TestFetchKlinesZeroWindow(t *testing.T) {
	f := newTestFetcher("http://unused.invalid")
	day := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	frame, err := f.FetchKlines(context.Background(), "BTCUSDT", market.MarketSpot,
		market.Interval1h, day, day.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, frame.Empty(), "an inverted window downloads nothing")
}
