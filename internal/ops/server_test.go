package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/klinefeed/internal/cache"
	"github.com/tradeforge/klinefeed/internal/engine"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/metrics"
	"github.com/tradeforge/klinefeed/internal/persistence"
)

type stubStats struct {
	snap engine.Snapshot
}

func (s stubStats) Stats() engine.Snapshot { return s.snap }

type stubSink struct {
	healthy bool
}

func (s stubSink) Health(ctx context.Context) persistence.HealthCheck {
	hc := persistence.HealthCheck{Healthy: s.healthy, LastCheck: time.Now()}
	if !s.healthy {
		hc.Errors = []string{"connection refused"}
	}
	return hc
}

func (s stubSink) Ping(ctx context.Context) error { return nil }

func testStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(t.TempDir(), cache.Options{})
	require.NoError(t, err)

	key := cache.NewKey("binance", market.MarketSpot, market.ChartKlines, "BTCUSDT", market.Interval1h)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bar := market.Bar{OpenTime: day, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}.WithCloseTime(market.Interval1h)
	require.NoError(t, store.PutBars(context.Background(), key, day, []market.Bar{bar}))
	return store
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthzHealthy(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), stubStats{}, testStore(t), metrics.NewRegistry(), nil)

	rr := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, rr.Header().Get("X-Request-ID"), 8)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Uptime)
	require.NotNil(t, resp.Cache)
	assert.Equal(t, 1, resp.Cache.Entries)
	assert.Nil(t, resp.Sink)
}

func TestHealthzDegradedWhenSinkUnhealthy(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), stubStats{}, testStore(t), metrics.NewRegistry(), stubSink{healthy: false})

	rr := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.NotNil(t, resp.Sink)
	assert.False(t, resp.Sink.Healthy)
}

func TestStatsServesEngineSnapshot(t *testing.T) {
	snap := engine.Snapshot{Archive: engine.SourceStats{Hits: 3, Errors: 1}}
	srv := NewServer(DefaultServerConfig(), stubStats{snap: snap}, nil, nil, nil)

	rr := get(t, srv, "/stats")
	require.Equal(t, http.StatusOK, rr.Code)

	var got engine.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, snap, got)
}

func TestStatsWithoutEngine(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, nil, nil, nil)

	rr := get(t, srv, "/stats")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCacheServesStoreStats(t *testing.T) {
	store := testStore(t)
	srv := NewServer(DefaultServerConfig(), nil, store, nil, nil)

	rr := get(t, srv, "/cache")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.Series)
	assert.Equal(t, store.Root(), stats.Root)
}

func TestMetricsServesPrometheusText(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.RecordCacheHit("disk")
	srv := NewServer(DefaultServerConfig(), nil, nil, reg, nil)

	rr := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "klinefeed_cache_hits_total")
}

func TestUnknownRouteIsJSONNotFound(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, nil, nil, nil)

	rr := get(t, srv, "/nope")
	require.Equal(t, http.StatusNotFound, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "not found", body["error"])
}
