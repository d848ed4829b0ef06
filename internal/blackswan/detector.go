package blackswan

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"quantpipe-md-risk/internal/market"
)

// emaAlpha weights new observations in the spread and depth baselines.
const emaAlpha = 0.1

type pricePoint struct {
	at    time.Time
	price float64
}

// symbolState is one symbol's detector memory: price ring, sliding
// baselines, and EMA spread/depth baselines. Owned by the protector's
// update path.
type symbolState struct {
	prices []pricePoint

	price1m, price5m, price15m float64
	t1m, t5m, t15m             time.Time

	spreadBaseline   float64
	bidDepthBaseline float64
	askDepthBaseline float64
}

func newSymbolState(price float64, now time.Time) *symbolState {
	return &symbolState{
		price1m: price, t1m: now,
		price5m: price, t5m: now,
		price15m: price, t15m: now,
	}
}

// record appends a price and trims the ring.
func (s *symbolState) record(price float64, now time.Time, cap int) {
	s.prices = append(s.prices, pricePoint{at: now, price: price})
	if len(s.prices) > cap {
		s.prices = s.prices[len(s.prices)-cap:]
	}
}

// slideBaselines moves each expired window baseline to the current price.
func (s *symbolState) slideBaselines(price float64, now time.Time) {
	if now.Sub(s.t1m) > time.Minute {
		s.price1m, s.t1m = price, now
	}
	if now.Sub(s.t5m) > 5*time.Minute {
		s.price5m, s.t5m = price, now
	}
	if now.Sub(s.t15m) > 15*time.Minute {
		s.price15m, s.t15m = price, now
	}
}

// returns computes consecutive relative returns over the price ring.
func (s *symbolState) returns() []float64 {
	if len(s.prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(s.prices)-1)
	for i := 1; i < len(s.prices); i++ {
		prev := s.prices[i-1].price
		if prev == 0 {
			continue
		}
		out = append(out, (s.prices[i].price-prev)/prev)
	}
	return out
}

// recentPrices returns the last n prices in the ring.
func (s *symbolState) recentPrices(n int) []float64 {
	if len(s.prices) < n {
		n = len(s.prices)
	}
	out := make([]float64, 0, n)
	for _, p := range s.prices[len(s.prices)-n:] {
		out = append(out, p.price)
	}
	return out
}

// priceChange is signed Δ against a baseline price.
func priceChange(current, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (current - baseline) / baseline
}

// detectPrice runs the windowed price-move detectors, returning the most
// severe hit across the 1m/5m/15m baselines.
func (p *Protector) detectPrice(symbol string, st *symbolState, price float64) []Anomaly {
	type window struct {
		label    string
		baseline float64
	}
	var anomalies []Anomaly

	appendHit := func(w window, level BreakerLevel, delta, threshold float64) {
		kind := AnomalyFlashRally
		if delta < 0 {
			kind = AnomalyFlashCrash
		}
		anomalies = append(anomalies, Anomaly{
			Type:      kind,
			Symbol:    symbol,
			Level:     level,
			Value:     delta,
			Threshold: threshold,
			Detail:    fmt.Sprintf("%s move %.4f over %s window", kind, delta, w.label),
		})
	}

	w1 := window{"1m", st.price1m}
	if d := priceChange(price, w1.baseline); math.Abs(d) >= p.cfg.Price1mL2Threshold {
		appendHit(w1, LevelL2, d, p.cfg.Price1mL2Threshold)
	} else if math.Abs(d) >= p.cfg.Price1mL1Threshold {
		appendHit(w1, LevelL1, d, p.cfg.Price1mL1Threshold)
	}

	w5 := window{"5m", st.price5m}
	if d := priceChange(price, w5.baseline); math.Abs(d) >= p.cfg.Price5mL3Threshold {
		appendHit(w5, LevelL3, d, p.cfg.Price5mL3Threshold)
	} else if math.Abs(d) >= p.cfg.Price5mL2Threshold {
		appendHit(w5, LevelL2, d, p.cfg.Price5mL2Threshold)
	}

	w15 := window{"15m", st.price15m}
	if d := priceChange(price, w15.baseline); math.Abs(d) >= p.cfg.Price15mEmergencyThreshold {
		appendHit(w15, LevelEmergency, d, p.cfg.Price15mEmergencyThreshold)
	}

	return anomalies
}

// detectVolatility compares the stdev of recent returns to the historical
// stdev over the whole ring.
func (p *Protector) detectVolatility(symbol string, st *symbolState) []Anomaly {
	returns := st.returns()
	if len(returns) < p.cfg.VolatilityMinSamples || len(returns) < p.cfg.VolatilityWindow {
		return nil
	}
	recent := returns[len(returns)-p.cfg.VolatilityWindow:]
	current := stat.StdDev(recent, nil)
	historical := stat.StdDev(returns, nil)
	if historical == 0 {
		return nil
	}
	ratio := current / historical
	if ratio < p.cfg.VolatilityRatio {
		return nil
	}
	return []Anomaly{{
		Type:      AnomalyVolatilitySpike,
		Symbol:    symbol,
		Level:     LevelL2,
		Value:     ratio,
		Threshold: p.cfg.VolatilityRatio,
		Detail:    fmt.Sprintf("volatility ratio %.2f against historical baseline", ratio),
	}}
}

// detectBook runs the spread and depth detectors against the EMA baselines,
// then folds the snapshot into them.
func (p *Protector) detectBook(symbol string, st *symbolState, book *market.Depth) []Anomaly {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil
	}
	bestBid := book.Bids[0].Price
	bestAsk := book.Asks[0].Price
	if bestBid <= 0 || bestAsk <= 0 {
		return nil
	}

	var anomalies []Anomaly
	spread := bestAsk - bestBid
	mid := (bestAsk + bestBid) / 2
	spreadPercent := spread / mid * 100

	if st.spreadBaseline > 0 {
		ratio := spread / st.spreadBaseline
		if ratio >= p.cfg.SpreadRatioL3 {
			anomalies = append(anomalies, Anomaly{
				Type: AnomalySpreadBlowout, Symbol: symbol, Level: LevelL3,
				Value: ratio, Threshold: p.cfg.SpreadRatioL3,
				Detail: fmt.Sprintf("spread %.2fx baseline", ratio),
			})
		} else if ratio >= p.cfg.SpreadRatioL1 {
			anomalies = append(anomalies, Anomaly{
				Type: AnomalySpreadBlowout, Symbol: symbol, Level: LevelL1,
				Value: ratio, Threshold: p.cfg.SpreadRatioL1,
				Detail: fmt.Sprintf("spread %.2fx baseline", ratio),
			})
		}
	}
	if spreadPercent >= p.cfg.MaxSpreadPercent {
		anomalies = append(anomalies, Anomaly{
			Type: AnomalySpreadBlowout, Symbol: symbol, Level: LevelL2,
			Value: spreadPercent, Threshold: p.cfg.MaxSpreadPercent,
			Detail: fmt.Sprintf("absolute spread %.4f%%", spreadPercent),
		})
	}

	bidDepth := sumDepth(book.Bids)
	askDepth := sumDepth(book.Asks)
	checkDepth := func(side string, depth, baseline float64) {
		if baseline <= 0 {
			return
		}
		ratio := depth / baseline
		if ratio <= p.cfg.DepthRatioL3 {
			anomalies = append(anomalies, Anomaly{
				Type: AnomalyLiquidityCrisis, Symbol: symbol, Level: LevelL3,
				Value: ratio, Threshold: p.cfg.DepthRatioL3,
				Detail: fmt.Sprintf("%s depth at %.2fx baseline", side, ratio),
			})
		} else if ratio <= p.cfg.DepthRatioL1 {
			anomalies = append(anomalies, Anomaly{
				Type: AnomalyLiquidityCrisis, Symbol: symbol, Level: LevelL1,
				Value: ratio, Threshold: p.cfg.DepthRatioL1,
				Detail: fmt.Sprintf("%s depth at %.2fx baseline", side, ratio),
			})
		}
	}
	checkDepth("bid", bidDepth, st.bidDepthBaseline)
	checkDepth("ask", askDepth, st.askDepthBaseline)

	st.spreadBaseline = ema(st.spreadBaseline, spread)
	st.bidDepthBaseline = ema(st.bidDepthBaseline, bidDepth)
	st.askDepthBaseline = ema(st.askDepthBaseline, askDepth)
	return anomalies
}

func sumDepth(levels []market.Level) float64 {
	total := 0.0
	for _, l := range levels {
		total += l.Amount
	}
	return total
}

func ema(baseline, sample float64) float64 {
	if baseline == 0 {
		return sample
	}
	return baseline*(1-emaAlpha) + sample*emaAlpha
}
