package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/klinefeed/internal/market"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, clk *fakeClock) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{
		Expiry:     time.Hour,
		PublishLag: 48 * time.Hour,
		Now:        clk.Now,
	})
	require.NoError(t, err)
	return s
}

func TestStorePutGetRoundTrip(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	bars := dayBars(day, market.Interval1h, 24)

	require.NoError(t, s.PutBars(ctx, key, day, bars))

	p, ok := s.Get(ctx, key, day)
	require.True(t, ok)
	require.Len(t, p.Bars, 24)
	assert.True(t, p.Bars[0].OpenTime.Equal(day))
	assert.True(t, p.Bars[23].OpenTime.Equal(day.Add(23*time.Hour)))
}

func TestStoreMissForUnknownDay(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)

	_, ok := s.Get(context.Background(), testKey(market.ChartKlines),
		time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestStoreKeysAreIsolated(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))

	other := key
	other.Interval = market.Interval4h
	_, ok := s.Get(ctx, other, day)
	assert.False(t, ok, "a different interval is a different series")

	other = key
	other.Symbol = "ETHUSDT"
	_, ok = s.Get(ctx, other, day)
	assert.False(t, ok)
}

func TestStoreRecentDayExpires(t *testing.T) {
	now := time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC)
	clk := newClock(now)
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	today := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, today, dayBars(today, market.Interval1h, 12)))

	_, ok := s.Get(ctx, key, today)
	require.True(t, ok, "fresh entry must hit")

	clk.Advance(61 * time.Minute)
	_, ok = s.Get(ctx, key, today)
	assert.False(t, ok, "entry past its TTL must miss")

	// The expired read healed the entry away entirely.
	assert.Empty(t, s.ListDays(key, today, today))
}

func TestStoreHistoricDayNeverExpires(t *testing.T) {
	now := time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC)
	clk := newClock(now)
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	old := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, old, dayBars(old, market.Interval1h, 24)))

	clk.Advance(365 * 24 * time.Hour)
	_, ok := s.Get(ctx, key, old)
	assert.True(t, ok, "a day beyond the publish lag is immutable and never expires")
}

func TestStoreCorruptionHealsToMiss(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))

	path := key.filePath(s.Root(), day)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, ok := s.Get(ctx, key, day)
	assert.False(t, ok, "corrupt entry must read as a miss")

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt file must be removed")
	assert.Empty(t, s.ListDays(key, day, day), "metadata entry must be dropped")
}

func TestStoreDanglingMetadataHeals(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))
	require.NoError(t, os.Remove(key.filePath(s.Root(), day)))

	_, ok := s.Get(ctx, key, day)
	assert.False(t, ok)
	assert.Empty(t, s.ListDays(key, day, day))
}

func TestStoreSurvivesReopen(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	root := t.TempDir()
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	s1, err := Open(root, Options{Now: clk.Now})
	require.NoError(t, err)
	require.NoError(t, s1.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))

	s2, err := Open(root, Options{Now: clk.Now})
	require.NoError(t, err)
	p, ok := s2.Get(ctx, key, day)
	require.True(t, ok, "entries must survive a restart")
	assert.Len(t, p.Bars, 24)
}

func TestStoreOverwriteReplacesEntry(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 12)))
	require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))

	p, ok := s.Get(ctx, key, day)
	require.True(t, ok)
	assert.Len(t, p.Bars, 24)
}

func TestStoreFundingRoundTrip(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartFundingRate)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	recs := []market.FundingRecord{
		{FundingTime: day, FundingRate: 0.0001, Symbol: "BTCUSDT"},
		{FundingTime: day.Add(8 * time.Hour), FundingRate: 0.0002, Symbol: "BTCUSDT"},
		{FundingTime: day.Add(16 * time.Hour), FundingRate: -0.0001, Symbol: "BTCUSDT"},
	}
	require.NoError(t, s.PutFunding(ctx, key, day, recs))

	p, ok := s.Get(ctx, key, day)
	require.True(t, ok)
	require.Len(t, p.Records, 3)
	assert.Equal(t, 0.0002, p.Records[1].FundingRate)
}

func TestStoreListDays(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	for _, d := range []int{10, 11, 13} {
		day := time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))
	}

	days := s.ListDays(key,
		time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC))
	require.Len(t, days, 2)
	assert.Equal(t, "2024-03-10", DayName(days[0]))
	assert.Equal(t, "2024-03-11", DayName(days[1]))
}

func TestStoreInvalidate(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))

	require.NoError(t, s.Invalidate(ctx, key, day))
	_, ok := s.Get(ctx, key, day)
	assert.False(t, ok)

	// Invalidating an absent entry is not an error.
	require.NoError(t, s.Invalidate(ctx, key, day))
}

func TestStoreSweep(t *testing.T) {
	now := time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC)
	clk := newClock(now)
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)

	// Historic entry: must survive the sweep untouched.
	keep := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, keep, dayBars(keep, market.Interval1h, 24)))

	// Recent entry that will expire before the sweep runs.
	expire := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, expire, dayBars(expire, market.Interval1h, 6)))

	// Dangling metadata: file removed behind the store's back.
	dangling := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBars(ctx, key, dangling, dayBars(dangling, market.Interval1h, 24)))
	require.NoError(t, os.Remove(key.filePath(s.Root(), dangling)))

	// Orphan file: bytes on disk no metadata claims.
	orphanDay := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	orphan := key.filePath(s.Root(), orphanDay)
	data, err := EncodeKlines(key, orphanDay, dayBars(orphanDay, market.Interval1h, 24))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(orphan, data, 0o644))

	clk.Advance(2 * time.Hour)

	rep, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.Dangling)
	assert.Equal(t, 1, rep.Orphans)

	_, ok := s.Get(ctx, key, keep)
	assert.True(t, ok, "historic entry must survive the sweep")
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "orphan file must be removed")
}

func TestStoreStats(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	for _, d := range []int{10, 11} {
		day := time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))
	}
	other := testKey(market.ChartFundingRate)
	fd := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutFunding(ctx, other, fd, []market.FundingRecord{
		{FundingTime: fd, FundingRate: 0.0001, Symbol: "BTCUSDT"},
	}))

	st := s.Stats()
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, 2, st.Series)
	assert.Equal(t, 0, st.Expired)
	assert.Positive(t, st.Bytes)
	assert.Equal(t, s.Root(), st.Root)
}

func TestStoreEntriesSorted(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	for _, d := range []int{12, 10, 11} {
		day := time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.PutBars(ctx, key, day, dayBars(day, market.Interval1h, 24)))
	}

	entries := s.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "2024-03-10", entries[0].Day)
	assert.Equal(t, "2024-03-11", entries[1].Day)
	assert.Equal(t, "2024-03-12", entries[2].Day)
}

func TestStoreConcurrentAccess(t *testing.T) {
	clk := newClock(time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clk)
	ctx := context.Background()

	key := testKey(market.ChartKlines)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	bars := dayBars(day, market.Interval1h, 24)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.PutBars(ctx, key, day, bars)
			s.Get(ctx, key, day)
		}()
	}
	wg.Wait()

	p, ok := s.Get(ctx, key, day)
	require.True(t, ok)
	assert.Len(t, p.Bars, 24)
}
