// Package persistence is the optional relational sink behind `klinefeed
// export`: validated frames are upserted into Postgres for downstream SQL
// consumers. The day cache stays the source of truth for the fetch path;
// the sink is write-mostly and idempotent, so re-exporting a window never
// duplicates rows.
package persistence

import (
	"context"
	"time"

	"github.com/tradeforge/klinefeed/internal/market"
)

// BarsRepo stores kline frames keyed by (symbol, market, interval, open).
type BarsRepo interface {
	// UpsertFrame writes every bar of the frame, replacing rows that
	// already exist for the key. Returns the number of rows written.
	UpsertFrame(ctx context.Context, f *market.Frame) (int64, error)

	// Window reads bars back ordered ascending by open time, both
	// bounds inclusive by open time.
	Window(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval, t0, t1 time.Time) ([]market.Bar, error)

	// Count reports the stored rows for one series.
	Count(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval) (int64, error)

	// Latest returns the most recent stored open time for a series; ok
	// is false when the series has no rows.
	Latest(ctx context.Context, symbol string, mt market.MarketType, iv market.Interval) (time.Time, bool, error)
}

// FundingRepo stores funding-rate frames keyed by (symbol, market, time).
type FundingRepo interface {
	UpsertFrame(ctx context.Context, f *market.FundingFrame) (int64, error)
	Window(ctx context.Context, symbol string, mt market.MarketType, t0, t1 time.Time) ([]market.FundingRecord, error)
	Count(ctx context.Context, symbol string, mt market.MarketType) (int64, error)
}

// Repository bundles the sink's repos behind one handle.
type Repository struct {
	Bars    BarsRepo
	Funding FundingRepo
}

// HealthCheck is the sink's liveness view, served by the ops endpoint.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool,omitempty"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// HealthChecker monitors the sink connection.
type HealthChecker interface {
	// Health returns the current sink health status.
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database.
	Ping(ctx context.Context) error
}
