package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/klinefeed/internal/market"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func testFrame(n int) *market.Frame {
	f := market.NewFrame("BTCUSDT", market.MarketSpot, market.Interval1h)
	open := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		b := market.Bar{
			OpenTime:            open,
			Open:                100 + float64(i),
			High:                101 + float64(i),
			Low:                 99 + float64(i),
			Close:               100.5 + float64(i),
			Volume:              10,
			QuoteVolume:         1000,
			TakerBuyVolume:      5,
			TakerBuyQuoteVolume: 500,
			Trades:              uint64(40 + i),
		}
		f.Bars = append(f.Bars, b.WithCloseTime(market.Interval1h))
		open = open.Add(time.Hour)
	}
	return f
}

func TestBarsUpsertFrameWritesAllRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBarsRepo(db, 5*time.Second)
	f := testFrame(3)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO klines")
	for _, b := range f.Bars {
		prep.ExpectExec().
			WithArgs("BTCUSDT", "spot", "1h",
				b.OpenTime, b.CloseTime,
				b.Open, b.High, b.Low, b.Close,
				b.Volume, b.QuoteVolume, b.TakerBuyVolume, b.TakerBuyQuoteVolume,
				int64(b.Trades)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	written, err := repo.UpsertFrame(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(3), written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBarsUpsertFrameEmptyIsNoOp(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBarsRepo(db, 5*time.Second)

	written, err := repo.UpsertFrame(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, written)

	written, err = repo.UpsertFrame(context.Background(), market.NewFrame("BTCUSDT", market.MarketSpot, market.Interval1h))
	require.NoError(t, err)
	assert.Zero(t, written)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBarsUpsertFrameRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBarsRepo(db, 5*time.Second)
	f := testFrame(2)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO klines")
	prep.ExpectExec().WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	_, err := repo.UpsertFrame(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert kline")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBarsWindowScansRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBarsRepo(db, 5*time.Second)

	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	open := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)

	cols := []string{"open_time", "close_time", "open", "high", "low", "close",
		"volume", "quote_volume", "taker_buy_volume", "taker_buy_quote_volume", "trades"}
	rows := sqlmock.NewRows(cols).
		AddRow(open, market.CloseTimeFor(open, market.Interval1h),
			100.0, 101.0, 99.0, 100.5, 10.0, 1000.0, 5.0, 500.0, int64(42))

	mock.ExpectQuery("SELECT open_time, close_time").
		WithArgs("BTCUSDT", "spot", "1h", t0, t1).
		WillReturnRows(rows)

	bars, err := repo.Window(context.Background(), "BTCUSDT", market.MarketSpot, market.Interval1h, t0, t1)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, open, bars[0].OpenTime)
	assert.Equal(t, time.UTC, bars[0].OpenTime.Location())
	assert.Equal(t, 100.5, bars[0].Close)
	assert.Equal(t, uint64(42), bars[0].Trades)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBarsCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBarsRepo(db, 5*time.Second)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("BTCUSDT", "spot", "1h").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(168)))

	count, err := repo.Count(context.Background(), "BTCUSDT", market.MarketSpot, market.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, int64(168), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBarsLatest(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBarsRepo(db, 5*time.Second)
	latest := time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT open_time").
		WithArgs("BTCUSDT", "spot", "1h").
		WillReturnRows(sqlmock.NewRows([]string{"open_time"}).AddRow(latest))

	got, ok, err := repo.Latest(context.Background(), "BTCUSDT", market.MarketSpot, market.Interval1h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, latest, got)
}

func TestBarsLatestEmptySeries(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBarsRepo(db, 5*time.Second)

	mock.ExpectQuery("SELECT open_time").
		WithArgs("ETHUSDT", "spot", "1h").
		WillReturnRows(sqlmock.NewRows([]string{"open_time"}))

	_, ok, err := repo.Latest(context.Background(), "ETHUSDT", market.MarketSpot, market.Interval1h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureSchemaAppliesDDL(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS klines").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := EnsureSchema(context.Background(), db)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
