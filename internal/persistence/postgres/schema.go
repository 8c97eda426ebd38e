package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied idempotently on --init. The primary keys double as the
// upsert conflict targets, so there are no separate unique indexes.
const schema = `
	CREATE TABLE IF NOT EXISTS klines (
		symbol                 TEXT             NOT NULL,
		market_type            TEXT             NOT NULL,
		interval               TEXT             NOT NULL,
		open_time              TIMESTAMPTZ      NOT NULL,
		close_time             TIMESTAMPTZ      NOT NULL,
		open                   DOUBLE PRECISION NOT NULL,
		high                   DOUBLE PRECISION NOT NULL,
		low                    DOUBLE PRECISION NOT NULL,
		close                  DOUBLE PRECISION NOT NULL,
		volume                 DOUBLE PRECISION NOT NULL,
		quote_volume           DOUBLE PRECISION NOT NULL,
		taker_buy_volume       DOUBLE PRECISION NOT NULL,
		taker_buy_quote_volume DOUBLE PRECISION NOT NULL,
		trades                 BIGINT           NOT NULL,
		PRIMARY KEY (symbol, market_type, interval, open_time)
	);

	CREATE TABLE IF NOT EXISTS funding_rates (
		symbol       TEXT             NOT NULL,
		market_type  TEXT             NOT NULL,
		funding_time TIMESTAMPTZ      NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		mark_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, market_type, funding_time)
	);`

// EnsureSchema creates the sink tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply sink schema: %w", err)
	}
	return nil
}
