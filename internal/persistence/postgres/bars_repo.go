package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/persistence"
)

// barsRepo implements BarsRepo for PostgreSQL
type barsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBarsRepo creates a new PostgreSQL kline repository
func NewBarsRepo(db *sqlx.DB, timeout time.Duration) persistence.BarsRepo {
	return &barsRepo{
		db:      db,
		timeout: timeout,
	}
}

const upsertKlineSQL = `
	INSERT INTO klines (symbol, market_type, interval, open_time, close_time,
		open, high, low, close, volume, quote_volume,
		taker_buy_volume, taker_buy_quote_volume, trades)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (symbol, market_type, interval, open_time) DO UPDATE SET
		close_time = EXCLUDED.close_time,
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		quote_volume = EXCLUDED.quote_volume,
		taker_buy_volume = EXCLUDED.taker_buy_volume,
		taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume,
		trades = EXCLUDED.trades`

// UpsertFrame writes every bar of the frame inside one transaction. Rows
// that already exist for the series key are replaced, so re-exporting an
// overlapping window is idempotent.
func (r *barsRepo) UpsertFrame(ctx context.Context, f *market.Frame) (int64, error) {
	if f == nil || f.Empty() {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(f.Len()/1000+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertKlineSQL)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P01" {
			return 0, fmt.Errorf("klines table missing, run with --init first: %w", err)
		}
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	var written int64
	for _, b := range f.Bars {
		_, err := stmt.ExecContext(ctx,
			f.Symbol, f.Market.String(), f.Interval.String(),
			b.OpenTime, b.CloseTime,
			b.Open, b.High, b.Low, b.Close,
			b.Volume, b.QuoteVolume, b.TakerBuyVolume, b.TakerBuyQuoteVolume,
			int64(b.Trades))
		if err != nil {
			return 0, fmt.Errorf("failed to upsert kline at %s: %w", b.OpenTime.Format(time.RFC3339), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit klines: %w", err)
	}

	return written, nil
}

// Window retrieves bars for a series within [t0, t1], ordered by open time.
func (r *barsRepo) Window(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) ([]market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT open_time, close_time, open, high, low, close, volume,
			quote_volume, taker_buy_volume, taker_buy_quote_volume, trades
		FROM klines
		WHERE symbol = $1 AND market_type = $2 AND interval = $3
			AND open_time >= $4 AND open_time <= $5
		ORDER BY open_time ASC`

	rows, err := r.db.QueryxContext(ctx, query, symbol, mt.String(), iv.String(), t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// Count returns the total stored rows for one series.
func (r *barsRepo) Count(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM klines
		WHERE symbol = $1 AND market_type = $2 AND interval = $3`

	var count int64
	err := r.db.QueryRowxContext(ctx, query, symbol, mt.String(), iv.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count klines: %w", err)
	}

	return count, nil
}

// Latest returns the most recent stored open time for a series.
func (r *barsRepo) Latest(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT open_time
		FROM klines
		WHERE symbol = $1 AND market_type = $2 AND interval = $3
		ORDER BY open_time DESC
		LIMIT 1`

	var latest time.Time
	err := r.db.QueryRowxContext(ctx, query, symbol, mt.String(), iv.String()).Scan(&latest)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get latest kline: %w", err)
	}

	return latest.UTC(), true, nil
}

func scanBars(rows *sqlx.Rows) ([]market.Bar, error) {
	bars := []market.Bar{}
	for rows.Next() {
		var b market.Bar
		var trades int64

		err := rows.Scan(&b.OpenTime, &b.CloseTime,
			&b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.QuoteVolume, &b.TakerBuyVolume, &b.TakerBuyQuoteVolume,
			&trades)
		if err != nil {
			return nil, fmt.Errorf("failed to scan kline: %w", err)
		}

		// The driver hands times back in the session zone; the canonical
		// representation is UTC everywhere.
		b.OpenTime = b.OpenTime.UTC()
		b.CloseTime = b.CloseTime.UTC()
		b.Trades = uint64(trades)
		bars = append(bars, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate klines: %w", err)
	}

	return bars, nil
}
