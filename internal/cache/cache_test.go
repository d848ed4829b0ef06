package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantpipe-md-risk/internal/market"
)

func tickerEvent(exchange, symbol string, last float64, ts int64) *market.Event {
	return &market.Event{
		Type:      market.DataTypeTicker,
		Exchange:  exchange,
		Symbol:    symbol,
		UnifiedTS: ts,
		Ticker:    &market.Ticker{Last: last, Bid: last - 1, Ask: last + 1},
	}
}

func TestCacheKeepsLatestTicker(t *testing.T) {
	c := New()
	c.Apply(tickerEvent("binance", "BTC/USDT", 50000, 1))
	c.Apply(tickerEvent("binance", "BTC/USDT", 50100, 2))

	entry, ok := c.Ticker("binance", "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 50100.0, entry.Value.Last)
	assert.Equal(t, int64(2), entry.UnifiedTS)
}

func TestCacheTickersBySymbol(t *testing.T) {
	c := New()
	c.Apply(tickerEvent("binance", "BTC/USDT", 50000, 1))
	c.Apply(tickerEvent("okx", "BTC/USDT", 50050, 2))
	c.Apply(tickerEvent("binance", "ETH/USDT", 3000, 3))

	byVenue := c.TickersBySymbol("BTC/USDT")
	require.Len(t, byVenue, 2)
	assert.Equal(t, 50000.0, byVenue["binance"].Value.Last)
	assert.Equal(t, 50050.0, byVenue["okx"].Value.Last)

	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, c.Symbols())
}

func TestCacheKlineRing(t *testing.T) {
	c := New()
	for i := 0; i < KlineRingSize+50; i++ {
		c.Apply(&market.Event{
			Type:     market.DataTypeKline,
			Exchange: "binance",
			Symbol:   "BTC/USDT",
			Kline:    &market.Kline{OpenTime: int64(i), Close: float64(i)},
		})
	}
	klines := c.Klines("binance", "BTC/USDT")
	require.Len(t, klines, KlineRingSize)
	assert.Equal(t, int64(50), klines[0].OpenTime, "oldest entries evicted")

	// Same open time updates in place instead of appending.
	c.Apply(&market.Event{
		Type:     market.DataTypeKline,
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Kline:    &market.Kline{OpenTime: int64(KlineRingSize + 49), Close: 999},
	})
	klines = c.Klines("binance", "BTC/USDT")
	require.Len(t, klines, KlineRingSize)
	assert.Equal(t, 999.0, klines[len(klines)-1].Close)
}

func TestCachePurgeExchange(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		symbol := fmt.Sprintf("SYM%d/USDT", i)
		c.Apply(tickerEvent("binance", symbol, 100, 1))
		c.Apply(tickerEvent("okx", symbol, 101, 1))
	}

	c.PurgeExchange("binance")

	for i := 0; i < 3; i++ {
		symbol := fmt.Sprintf("SYM%d/USDT", i)
		_, ok := c.Ticker("binance", symbol)
		assert.False(t, ok)
		_, ok = c.Ticker("okx", symbol)
		assert.True(t, ok)
		byVenue := c.TickersBySymbol(symbol)
		assert.Len(t, byVenue, 1)
	}
}
