// Package account polls exchange REST APIs for balances, positions, and
// prices, keeping latest-value caches the risk engine reads on its tick.
package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"quantpipe-md-risk/internal/clock"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Snapshot is one exchange's account state at Timestamp.
type Snapshot struct {
	Exchange   string          `json:"exchange"`
	Equity     decimal.Decimal `json:"equity"`
	Available  decimal.Decimal `json:"available"`
	UsedMargin decimal.Decimal `json:"usedMargin"`
	Timestamp  int64           `json:"timestamp"`
}

// Position is one open position on one exchange.
type Position struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Leverage   decimal.Decimal `json:"leverage"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
	Notional   decimal.Decimal `json:"notional"`
}

// Exchange is the minimum REST surface the refresher needs.
type Exchange interface {
	Name() string
	FetchBalance(ctx context.Context) (*Snapshot, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	FetchTickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// RefresherConfig sets the polling cadences.
type RefresherConfig struct {
	MarginRefreshInterval time.Duration // balance cadence
	PriceRefreshInterval  time.Duration // ticker cadence
}

// DefaultRefresherConfig returns the production cadences.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		MarginRefreshInterval: 5 * time.Second,
		PriceRefreshInterval:  time.Second,
	}
}

// Refresher polls registered exchanges and caches the latest results.
// Balances refresh on the margin cadence, prices on the price cadence, and
// positions refresh on demand via RefreshPositions.
type Refresher struct {
	cfg RefresherConfig
	clk clock.Clock

	mu        sync.RWMutex
	exchanges map[string]Exchange
	balances  map[string]*Snapshot
	positions map[string][]Position
	prices    map[string]decimal.Decimal

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRefresher creates a refresher with no registered exchanges.
func NewRefresher(cfg RefresherConfig, clk clock.Clock) *Refresher {
	if cfg.MarginRefreshInterval <= 0 {
		cfg.MarginRefreshInterval = 5 * time.Second
	}
	if cfg.PriceRefreshInterval <= 0 {
		cfg.PriceRefreshInterval = time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Refresher{
		cfg:       cfg,
		clk:       clk,
		exchanges: make(map[string]Exchange),
		balances:  make(map[string]*Snapshot),
		positions: make(map[string][]Position),
		prices:    make(map[string]decimal.Decimal),
	}
}

// Register adds an exchange to the polling set.
func (r *Refresher) Register(ex Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[ex.Name()] = ex
}

// Start launches the balance and price polling loops.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(2)
	go r.pollLoop(ctx, r.cfg.MarginRefreshInterval, r.RefreshBalances)
	go r.pollLoop(ctx, r.cfg.PriceRefreshInterval, r.RefreshPrices)
	log.Info().
		Dur("marginInterval", r.cfg.MarginRefreshInterval).
		Dur("priceInterval", r.cfg.PriceRefreshInterval).
		Msg("Account refresher started")
}

// Stop halts the polling loops.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Refresher) pollLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (r *Refresher) snapshot() []Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Exchange, 0, len(r.exchanges))
	for _, ex := range r.exchanges {
		out = append(out, ex)
	}
	return out
}

// RefreshBalances pulls fetchBalance from every exchange. Failures are
// logged; the stale cache entry survives.
func (r *Refresher) RefreshBalances(ctx context.Context) {
	for _, ex := range r.snapshot() {
		snap, err := ex.FetchBalance(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", ex.Name()).Msg("Balance refresh failed")
			continue
		}
		snap.Exchange = ex.Name()
		snap.Timestamp = r.clk.Now().UnixMilli()
		r.mu.Lock()
		r.balances[ex.Name()] = snap
		r.mu.Unlock()
	}
}

// RefreshPositions pulls fetchPositions from every exchange. Called
// opportunistically, typically once per risk tick.
func (r *Refresher) RefreshPositions(ctx context.Context) {
	for _, ex := range r.snapshot() {
		positions, err := ex.FetchPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", ex.Name()).Msg("Position refresh failed")
			continue
		}
		for i := range positions {
			positions[i].Exchange = ex.Name()
		}
		r.mu.Lock()
		r.positions[ex.Name()] = positions
		r.mu.Unlock()
	}
}

// RefreshPrices pulls tickers for the union of open-position symbols plus
// BTC/USDT, which the flash-crash check always needs.
func (r *Refresher) RefreshPrices(ctx context.Context) {
	symbols := r.priceSymbols()
	for _, ex := range r.snapshot() {
		prices, err := ex.FetchTickers(ctx, symbols)
		if err != nil {
			log.Warn().Err(err).Str("exchange", ex.Name()).Msg("Price refresh failed")
			continue
		}
		r.mu.Lock()
		for symbol, price := range prices {
			r.prices[symbol] = price
		}
		r.mu.Unlock()
	}
}

// priceSymbols is the union of all position symbols plus BTC/USDT.
func (r *Refresher) priceSymbols() []string {
	set := map[string]struct{}{"BTC/USDT": {}}
	r.mu.RLock()
	for _, positions := range r.positions {
		for _, p := range positions {
			set[p.Symbol] = struct{}{}
		}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Balance returns the latest snapshot for one exchange.
func (r *Refresher) Balance(exchange string) (*Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.balances[exchange]
	return snap, ok
}

// Balances returns the latest snapshot per exchange.
func (r *Refresher) Balances() map[string]*Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Snapshot, len(r.balances))
	for k, v := range r.balances {
		out[k] = v
	}
	return out
}

// Positions returns every cached position across exchanges.
func (r *Refresher) Positions() []Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Position
	for _, positions := range r.positions {
		out = append(out, positions...)
	}
	return out
}

// Price returns the latest cached price for a canonical symbol.
func (r *Refresher) Price(symbol string) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[symbol]
	return p, ok
}

// SetPrice injects a price directly, bypassing the REST poll. Used when a
// live feed is available and by tests.
func (r *Refresher) SetPrice(symbol string, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[symbol] = price
}
