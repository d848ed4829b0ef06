// Package aggregator merges per-exchange engines into a cross-venue view:
// best prices, cross spreads, and arbitrage opportunities recomputed on a
// fixed tick from the shared cache.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"quantpipe-md-risk/internal/cache"
	"quantpipe-md-risk/internal/clock"
	"quantpipe-md-risk/internal/engine"
	"quantpipe-md-risk/internal/market"
	"quantpipe-md-risk/internal/metrics"
	"quantpipe-md-risk/internal/publisher"
)

// DefaultInterval is the aggregation tick cadence.
const DefaultInterval = time.Second

// BestPrice is the per-symbol cross-venue top of book.
type BestPrice struct {
	Symbol      string  `json:"symbol"`
	BidExchange string  `json:"bidExchange"`
	Bid         float64 `json:"bid"`
	AskExchange string  `json:"askExchange"`
	Ask         float64 `json:"ask"`
	Timestamp   int64   `json:"timestamp"`
}

// Spread is the cross-venue spread derived from a BestPrice.
type Spread struct {
	BestPrice
	SpreadPercent float64 `json:"spreadPercent"`
}

// Opportunity is a cross spread at or above the arbitrage threshold:
// buy on the ask venue, sell on the bid venue.
type Opportunity struct {
	Symbol        string  `json:"symbol"`
	BuyExchange   string  `json:"buyExchange"`
	BuyPrice      float64 `json:"buyPrice"`
	SellExchange  string  `json:"sellExchange"`
	SellPrice     float64 `json:"sellPrice"`
	SpreadPercent float64 `json:"spreadPercent"`
	Timestamp     int64   `json:"timestamp"`
}

// EventType tags aggregator output events.
type EventType string

const (
	EventBestPrice EventType = "bestPrice"
	EventSpread    EventType = "spread"
	EventArbitrage EventType = "arbitrageOpportunity"
)

// Event is one aggregator output. Exactly one payload is set, matching Type.
type Event struct {
	Type          EventType
	BestPrice     *BestPrice
	Spread        *Spread
	Opportunities []Opportunity
}

// Options configures an Aggregator.
type Options struct {
	Interval     time.Duration
	MinSpreadPct float64 // arbitrage threshold, in percent
	Clock        clock.Clock
	Publisher    *publisher.RedisPublisher // nil disables Redis fan-out
}

// Aggregator owns the engines and the shared cache they feed.
type Aggregator struct {
	cache    *cache.Cache
	pub      *publisher.RedisPublisher
	clk      clock.Clock
	interval time.Duration
	minPct   float64

	mu      sync.RWMutex
	engines map[string]*engine.Engine
	subs    []chan Event
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an aggregator over the shared cache.
func New(c *cache.Cache, opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Aggregator{
		cache:    c,
		pub:      opts.Publisher,
		clk:      opts.Clock,
		interval: opts.Interval,
		minPct:   opts.MinSpreadPct,
		engines:  make(map[string]*engine.Engine),
	}
}

// AddExchange registers an engine. Duplicate names are an error.
func (a *Aggregator) AddExchange(e *engine.Engine) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.engines[e.Exchange()]; exists {
		return fmt.Errorf("exchange %s already registered", e.Exchange())
	}
	a.engines[e.Exchange()] = e
	return nil
}

// RemoveExchange stops the engine and purges its cache entries so stale
// quotes never win a best-price comparison.
func (a *Aggregator) RemoveExchange(exchange string) error {
	a.mu.Lock()
	e, ok := a.engines[exchange]
	delete(a.engines, exchange)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	e.Stop()
	a.cache.PurgeExchange(exchange)
	return nil
}

// Engine returns the registered engine for an exchange, or nil.
func (a *Aggregator) Engine(exchange string) *engine.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engines[exchange]
}

// Exchanges lists registered exchange names.
func (a *Aggregator) Exchanges() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.engines))
	for name := range a.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe opens (symbol, dataType) on the named exchanges, or on every
// registered engine when none are named. Exchanges that fail are reported
// but do not abort the rest.
func (a *Aggregator) Subscribe(symbol string, dt market.DataType, exchanges ...string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	targets := a.engines
	if len(exchanges) > 0 {
		targets = make(map[string]*engine.Engine, len(exchanges))
		for _, name := range exchanges {
			e, ok := a.engines[name]
			if !ok {
				log.Warn().Str("exchange", name).Str("symbol", symbol).
					Msg("Subscribe to unregistered exchange")
				continue
			}
			targets[name] = e
		}
	}
	for name, e := range targets {
		if err := e.Subscribe(symbol, dt); err != nil {
			log.Warn().Err(err).Str("exchange", name).Str("symbol", symbol).
				Msg("Subscribe failed")
		}
	}
}

// Events registers an output subscriber. Slow subscribers lose events.
func (a *Aggregator) Events() <-chan Event {
	ch := make(chan Event, 256)
	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()
	return ch
}

// Start launches the aggregation ticker.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.tickLoop(ctx)
	log.Info().Dur("interval", a.interval).Float64("minSpreadPct", a.minPct).
		Msg("Aggregator started")
	return nil
}

// Stop halts the ticker and every registered engine.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	engines := make([]*engine.Engine, 0, len(a.engines))
	for _, e := range a.engines {
		engines = append(engines, e)
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	for _, e := range engines {
		e.Stop()
	}
	log.Info().Msg("Aggregator stopped")
}

func (a *Aggregator) tickLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Recompute(ctx)
		}
	}
}

// Recompute scans the cache and emits best prices, spreads, and any
// arbitrage opportunities at or above the threshold, best first.
func (a *Aggregator) Recompute(ctx context.Context) {
	now := a.clk.Now().UnixMilli()
	var opps []Opportunity

	for _, symbol := range a.cache.Symbols() {
		best, ok := a.bestPrice(symbol, now)
		if !ok {
			continue
		}
		metrics.RecordBestPrice(symbol, best.BidExchange, best.Bid, best.AskExchange, best.Ask)
		a.emit(Event{Type: EventBestPrice, BestPrice: &best})
		if a.pub != nil {
			a.pub.PublishAggregate(ctx, string(EventBestPrice), best)
		}

		spread := Spread{
			BestPrice:     best,
			SpreadPercent: (best.Bid - best.Ask) / best.Ask * 100,
		}
		metrics.RecordCrossSpread(symbol, spread.SpreadPercent)
		a.emit(Event{Type: EventSpread, Spread: &spread})
		if a.pub != nil {
			a.pub.PublishAggregate(ctx, string(EventSpread), spread)
		}

		if spread.SpreadPercent >= a.minPct && best.BidExchange != best.AskExchange {
			metrics.RecordArbitrage(symbol)
			opps = append(opps, Opportunity{
				Symbol:        symbol,
				BuyExchange:   best.AskExchange,
				BuyPrice:      best.Ask,
				SellExchange:  best.BidExchange,
				SellPrice:     best.Bid,
				SpreadPercent: spread.SpreadPercent,
				Timestamp:     now,
			})
		}
	}

	if len(opps) == 0 {
		return
	}
	sort.Slice(opps, func(i, j int) bool {
		return opps[i].SpreadPercent > opps[j].SpreadPercent
	})
	a.emit(Event{Type: EventArbitrage, Opportunities: opps})
	if a.pub != nil {
		a.pub.PublishAggregate(ctx, string(EventArbitrage), opps)
	}
}

// bestPrice picks the highest bid and lowest ask across venues for one
// symbol. Venues with a missing side are skipped for that side.
func (a *Aggregator) bestPrice(symbol string, now int64) (BestPrice, bool) {
	best := BestPrice{Symbol: symbol, Timestamp: now}
	for exchange, entry := range a.cache.TickersBySymbol(symbol) {
		t := entry.Value
		if t.Bid > 0 && (best.BidExchange == "" || t.Bid > best.Bid) {
			best.Bid = t.Bid
			best.BidExchange = exchange
		}
		if t.Ask > 0 && (best.AskExchange == "" || t.Ask < best.Ask) {
			best.Ask = t.Ask
			best.AskExchange = exchange
		}
	}
	if best.BidExchange == "" || best.AskExchange == "" {
		return BestPrice{}, false
	}
	return best, true
}

func (a *Aggregator) emit(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
