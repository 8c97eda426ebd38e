// Package live fetches recent bars and funding rates from the paginated
// REST endpoints. Ranges are split into server-page-sized chunks and
// dispatched concurrently; funding pages sequentially on a cursor. The
// in-progress bar at the tail of a window is never returned.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tradeforge/klinefeed/infra/breakers"
	"github.com/tradeforge/klinefeed/internal/infrastructure/httpclient"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/net/ratelimit"
	"github.com/tradeforge/klinefeed/internal/source"
)

// ClientConfig addresses the REST hosts per market type and the shared
// transport pieces.
type ClientConfig struct {
	SpotBaseURL        string
	FuturesUSDTBaseURL string
	FuturesCoinBaseURL string
	Pool               *httpclient.Pool
	Limiter            *ratelimit.Limiter
	Breakers           *breakers.Set
}

// Client issues JSON GETs against the market-appropriate host, behind the
// per-host rate limiter and circuit breaker.
type Client struct {
	cfg ClientConfig
}

// NewClient creates a live REST client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) baseFor(mt market.MarketType) string {
	switch mt {
	case market.MarketFuturesUSDT:
		return c.cfg.FuturesUSDTBaseURL
	case market.MarketFuturesCoin:
		return c.cfg.FuturesCoinBaseURL
	default:
		return c.cfg.SpotBaseURL
	}
}

func klinePath(mt market.MarketType) string {
	switch mt {
	case market.MarketFuturesUSDT:
		return "/fapi/v1/klines"
	case market.MarketFuturesCoin:
		return "/dapi/v1/klines"
	default:
		return "/api/v3/klines"
	}
}

func fundingPath(mt market.MarketType) string {
	if mt == market.MarketFuturesCoin {
		return "/dapi/v1/fundingRate"
	}
	return "/fapi/v1/fundingRate"
}

// klineURL renders a chunk request. Wire timestamps are milliseconds.
func (c *Client) klineURL(mt market.MarketType, symbol string, iv market.Interval, startMS, endMS int64, limit int) string {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(iv))
	q.Set("startTime", fmt.Sprintf("%d", startMS))
	q.Set("endTime", fmt.Sprintf("%d", endMS))
	q.Set("limit", fmt.Sprintf("%d", limit))
	return c.baseFor(mt) + klinePath(mt) + "?" + q.Encode()
}

func (c *Client) fundingURL(mt market.MarketType, symbol string, startMS, endMS int64, limit int) string {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("startTime", fmt.Sprintf("%d", startMS))
	q.Set("endTime", fmt.Sprintf("%d", endMS))
	q.Set("limit", fmt.Sprintf("%d", limit))
	return c.baseFor(mt) + fundingPath(mt) + "?" + q.Encode()
}

// getJSON GETs rawURL and decodes the body into dst. Non-200 statuses
// come back as typed SourceErrors carrying the HTTP status; the pool has
// already retried anything retryable.
func (c *Client) getJSON(ctx context.Context, rawURL string, dst any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Host

	if err := c.cfg.Limiter.Wait(ctx, host); err != nil {
		return err
	}

	_, err = c.cfg.Breakers.Execute(host, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.cfg.Pool.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			se := source.NewError(market.SourceLive, source.KindForStatus(resp.StatusCode),
				fmt.Sprintf("%s %s: %s", http.MethodGet, u.Path, firstLine(body)), nil)
			se.Status = resp.StatusCode
			return nil, se
		}
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", u.Path, err)
		}
		return nil, nil
	})
	return err
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return string(b[:i])
		}
	}
	return string(b)
}
