package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFuseTimestampsMean(t *testing.T) {
	tests := []struct {
		name       string
		exchangeTS int64
		localTS    int64
		want       int64
	}{
		{"even sum", 1000, 2000, 1500},
		{"odd sum rounds up", 1000, 2001, 1501},
		{"equal", 5000, 5000, 5000},
		{"local behind exchange", 2000, 1000, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FuseTimestamps(tt.exchangeTS, tt.localTS, DefaultMaxSkewMS)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFuseTimestampsFallsBackToLocal(t *testing.T) {
	local := int64(1_700_000_000_000)

	assert.Equal(t, local, FuseTimestamps(0, local, DefaultMaxSkewMS), "missing exchange ts")
	assert.Equal(t, local, FuseTimestamps(-5, local, DefaultMaxSkewMS), "negative exchange ts")

	skewed := local - DefaultMaxSkewMS - 1
	assert.Equal(t, local, FuseTimestamps(skewed, local, DefaultMaxSkewMS), "skew beyond threshold")

	borderline := local - DefaultMaxSkewMS
	assert.Equal(t, (borderline+local)/2, FuseTimestamps(borderline, local, DefaultMaxSkewMS),
		"skew at threshold still fuses")
}

func TestFuseBoundsUnifiedTimestamp(t *testing.T) {
	ev := &Event{Type: DataTypeTicker, ExchangeTS: 1000, LocalTS: 1200}
	Fuse(ev, DefaultMaxSkewMS)
	assert.GreaterOrEqual(t, ev.UnifiedTS, int64(1000))
	assert.LessOrEqual(t, ev.UnifiedTS, int64(1200))
	assert.Equal(t, int64(1100), ev.UnifiedTS)
}

func TestSymbolHelpers(t *testing.T) {
	base, quote, ok := Split("BTC/USDT")
	assert.True(t, ok)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	_, _, ok = Split("BTCUSDT")
	assert.False(t, ok)

	assert.Equal(t, "ETH/USD", Join("ETH", "USD"))
	assert.Equal(t, "BTC", Base("BTC/USDT"))
}
