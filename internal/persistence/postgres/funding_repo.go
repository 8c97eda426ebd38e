package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/persistence"
)

// fundingRepo implements FundingRepo for PostgreSQL
type fundingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFundingRepo creates a new PostgreSQL funding-rate repository
func NewFundingRepo(db *sqlx.DB, timeout time.Duration) persistence.FundingRepo {
	return &fundingRepo{
		db:      db,
		timeout: timeout,
	}
}

const upsertFundingSQL = `
	INSERT INTO funding_rates (symbol, market_type, funding_time, funding_rate, mark_price)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (symbol, market_type, funding_time) DO UPDATE SET
		funding_rate = EXCLUDED.funding_rate,
		mark_price = EXCLUDED.mark_price`

// UpsertFrame writes every funding record of the frame inside one
// transaction, replacing rows that already exist for the key.
func (r *fundingRepo) UpsertFrame(ctx context.Context, f *market.FundingFrame) (int64, error) {
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

	stmt, err := tx.PrepareContext(ctx, upsertFundingSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	var written int64
	for _, rec := range f.Records {
		_, err := stmt.ExecContext(ctx,
			f.Symbol, f.Market.String(),
			rec.FundingTime, rec.FundingRate, rec.MarkPrice)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert funding rate at %s: %w", rec.FundingTime.Format(time.RFC3339), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit funding rates: %w", err)
	}

	return written, nil
}

// Window retrieves funding records within [t0, t1], ordered by funding time.
func (r *fundingRepo) Window(ctx context.Context, symbol string, mt market.MarketType, t0, t1 time.Time) ([]market.FundingRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, funding_time, funding_rate, mark_price
		FROM funding_rates
		WHERE symbol = $1 AND market_type = $2
			AND funding_time >= $3 AND funding_time <= $4
		ORDER BY funding_time ASC`

	rows, err := r.db.QueryxContext(ctx, query, symbol, mt.String(), t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding rates: %w", err)
	}
	defer rows.Close()

	recs := []market.FundingRecord{}
	for rows.Next() {
		var rec market.FundingRecord

		err := rows.Scan(&rec.Symbol, &rec.FundingTime, &rec.FundingRate, &rec.MarkPrice)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funding rate: %w", err)
		}

		rec.FundingTime = rec.FundingTime.UTC()
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate funding rates: %w", err)
	}

	return recs, nil
}

// Count returns the total stored rows for one symbol and market.
func (r *fundingRepo) Count(ctx context.Context, symbol string, mt market.MarketType) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM funding_rates
		WHERE symbol = $1 AND market_type = $2`

	var count int64
	err := r.db.QueryRowxContext(ctx, query, symbol, mt.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count funding rates: %w", err)
	}

	return count, nil
}
