package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/klinefeed/internal/market"
)

func TestKlineURL(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		mt     market.MarketType
		symbol string
		want   string
	}{
		{market.MarketSpot, "btcusdt",
			"https://host/data/spot/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip"},
		{market.MarketFuturesUSDT, "BTCUSDT",
			"https://host/data/futures/um/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip"},
		{market.MarketFuturesCoin, "BTCUSD",
			"https://host/data/futures/cm/daily/klines/BTCUSD_PERP/1h/BTCUSD_PERP-1h-2024-03-15.zip"},
	}
	for _, tc := range cases {
		got := KlineURL("https://host", tc.mt, tc.symbol, market.Interval1h, day)
		assert.Equal(t, tc.want, got)
	}
}

func TestFundingURL(t *testing.T) {
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got := FundingURL("https://host", market.MarketFuturesUSDT, "btcusdt", month)
	assert.Equal(t,
		"https://host/data/futures/um/monthly/fundingRate/BTCUSDT/BTCUSDT-fundingRate-2024-03.zip",
		got)

	assert.Equal(t, got+".CHECKSUM", ChecksumURL(got))
}

func TestMonthsCovering(t *testing.T) {
	t0 := time.Date(2023, 11, 20, 15, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)

	months := MonthsCovering(t0, t1)
	require.Len(t, months, 4)
	assert.Equal(t, "2023-11", MonthName(months[0]))
	assert.Equal(t, "2023-12", MonthName(months[1]))
	assert.Equal(t, "2024-01", MonthName(months[2]))
	assert.Equal(t, "2024-02", MonthName(months[3]))

	assert.Nil(t, MonthsCovering(t1, t0), "inverted window covers nothing")

	same := MonthsCovering(t0, t0)
	require.Len(t, same, 1)
	assert.Equal(t, "2023-11", MonthName(same[0]))
}
