package blackswan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantpipe-md-risk/internal/market"
)

func TestPriceWindowDetectors(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		level BreakerLevel
		kind  AnomalyType
	}{
		{"1m L1 crash", 48300, LevelL1, AnomalyFlashCrash},    // -3.4%
		{"1m L1 rally", 51700, LevelL1, AnomalyFlashRally},    // +3.4%
		{"1m L2 crash", 47000, LevelL2, AnomalyFlashCrash},    // -6%
		{"5m L3 crash", 45500, LevelL3, AnomalyFlashCrash},    // -9%
		{"15m emergency", 42000, LevelEmergency, AnomalyFlashCrash}, // -16%
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(DefaultConfig(), nil, nil)
			now := time.Now()
			st := newSymbolState(50000, now)

			anomalies := p.detectPrice("BTC/USDT", st, tt.price)
			require.NotEmpty(t, anomalies)

			worst := anomalies[0]
			for _, a := range anomalies[1:] {
				if a.Level > worst.Level {
					worst = a
				}
			}
			assert.Equal(t, tt.level, worst.Level)
			assert.Equal(t, tt.kind, worst.Type)
		})
	}
}

func TestPriceBaselinesSlide(t *testing.T) {
	now := time.Now()
	st := newSymbolState(50000, now)

	st.slideBaselines(51000, now.Add(30*time.Second))
	assert.Equal(t, 50000.0, st.price1m, "window not yet expired")

	st.slideBaselines(51000, now.Add(61*time.Second))
	assert.Equal(t, 51000.0, st.price1m)
	assert.Equal(t, 50000.0, st.price5m, "longer windows keep their baseline")

	st.slideBaselines(52000, now.Add(16*time.Minute))
	assert.Equal(t, 52000.0, st.price5m)
	assert.Equal(t, 52000.0, st.price15m)
}

func TestVolatilitySpikeDetector(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	now := time.Now()
	st := &symbolState{}

	// A long quiet regime followed by a violent one: the recent-window stdev
	// dwarfs the historical baseline.
	price := 50000.0
	st.prices = append(st.prices, pricePoint{at: now, price: price})
	sign := 1.0
	for i := 0; i < 960; i++ {
		price *= 1 + sign*0.00001
		sign = -sign
		st.prices = append(st.prices, pricePoint{at: now, price: price})
	}
	for i := 0; i < 60; i++ {
		price *= 1 + sign*0.01
		sign = -sign
		st.prices = append(st.prices, pricePoint{at: now, price: price})
	}

	anomalies := p.detectVolatility("BTC/USDT", st)
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyVolatilitySpike, anomalies[0].Type)
	assert.Equal(t, LevelL2, anomalies[0].Level)
	assert.GreaterOrEqual(t, anomalies[0].Value, DefaultConfig().VolatilityRatio)
}

func TestVolatilityDetectorNeedsSamples(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	now := time.Now()
	st := &symbolState{}
	for i := 0; i < 50; i++ {
		st.prices = append(st.prices, pricePoint{at: now, price: 50000 + float64(i)})
	}
	assert.Empty(t, p.detectVolatility("BTC/USDT", st))
}

func TestVolatilityDetectorWaitsForFullWindow(t *testing.T) {
	// min_samples below the window: the detector must stay quiet until a full
	// recent window exists instead of slicing past the start of the returns.
	cfg := DefaultConfig()
	cfg.VolatilityMinSamples = 30
	cfg.VolatilityWindow = 60
	p := New(cfg, nil, nil)

	now := time.Now()
	st := &symbolState{}
	for i := 0; i < 45; i++ {
		st.prices = append(st.prices, pricePoint{at: now, price: 50000 + float64(i)})
	}
	assert.Empty(t, p.detectVolatility("BTC/USDT", st))
}

func book(bid, ask, bidAmount, askAmount float64) *market.Depth {
	return &market.Depth{
		Bids: []market.Level{{Price: bid, Amount: bidAmount}},
		Asks: []market.Level{{Price: ask, Amount: askAmount}},
	}
}

func TestSpreadBlowoutDetector(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	st := newSymbolState(50000, time.Now())

	// First book seeds the EMA baselines without firing.
	assert.Empty(t, p.detectBook("BTC/USDT", st, book(49999.5, 50000.5, 10, 10)))
	assert.Equal(t, 1.0, st.spreadBaseline)

	// Spread jumps to 6x baseline.
	anomalies := p.detectBook("BTC/USDT", st, book(49997, 50003, 10, 10))
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalySpreadBlowout, anomalies[0].Type)
	assert.Equal(t, LevelL3, anomalies[0].Level)
	assert.InDelta(t, 6.0, anomalies[0].Value, 1e-9)
}

func TestAbsoluteSpreadDetector(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	st := newSymbolState(50000, time.Now())

	// 1.2% wide book breaches the absolute cap on the very first snapshot.
	anomalies := p.detectBook("BTC/USDT", st, book(49700, 50300, 10, 10))
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalySpreadBlowout, anomalies[0].Type)
	assert.Equal(t, LevelL2, anomalies[0].Level)
}

func TestLiquidityCrisisDetector(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	st := newSymbolState(50000, time.Now())

	assert.Empty(t, p.detectBook("BTC/USDT", st, book(49999.5, 50000.5, 10, 10)))

	// Bid depth collapses to 10% of baseline.
	anomalies := p.detectBook("BTC/USDT", st, book(49999.5, 50000.5, 1, 10))
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyLiquidityCrisis, anomalies[0].Type)
	assert.Equal(t, LevelL3, anomalies[0].Level)

	// Halved depth is L1, not L3.
	st = newSymbolState(50000, time.Now())
	p.detectBook("BTC/USDT", st, book(49999.5, 50000.5, 10, 10))
	anomalies = p.detectBook("BTC/USDT", st, book(49999.5, 50000.5, 4, 10))
	require.Len(t, anomalies, 1)
	assert.Equal(t, LevelL1, anomalies[0].Level)
}

func TestEMABaselineFoldsSlowly(t *testing.T) {
	assert.Equal(t, 10.0, ema(0, 10), "first sample seeds the baseline")
	assert.InDelta(t, 10.0*0.9+20.0*0.1, ema(10, 20), 1e-9)
}
