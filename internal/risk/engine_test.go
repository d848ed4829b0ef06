package risk

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantpipe-md-risk/internal/account"
	"quantpipe-md-risk/internal/clock"
)

// fakeExchange serves canned balances and positions to the refresher.
type fakeExchange struct {
	mu        sync.Mutex
	balance   account.Snapshot
	positions []account.Position
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) FetchBalance(context.Context) (*account.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.balance
	return &snap, nil
}

func (f *fakeExchange) FetchPositions(context.Context) ([]account.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]account.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeExchange) FetchTickers(context.Context, []string) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, nil
}

func (f *fakeExchange) setBalance(equity, usedMargin float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = account.Snapshot{Equity: d(equity), UsedMargin: d(usedMargin)}
}

func (f *fakeExchange) setPositions(positions ...account.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = positions
}

// recordingExecutor captures every action the engine dispatches.
type recordingExecutor struct {
	mu           sync.Mutex
	closeReasons []string
	orders       []MarketOrder
}

func (x *recordingExecutor) EmergencyCloseAll(_ context.Context, reason string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closeReasons = append(x.closeReasons, reason)
	return nil
}

func (x *recordingExecutor) ExecuteMarketOrder(_ context.Context, order MarketOrder) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.orders = append(x.orders, order)
	return nil
}

func (x *recordingExecutor) ReduceAllPositions(context.Context, decimal.Decimal) error {
	return nil
}

func (x *recordingExecutor) closes() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.closeReasons...)
}

func (x *recordingExecutor) placedOrders() []MarketOrder {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]MarketOrder(nil), x.orders...)
}

// recordingPRM captures pause/resume signals.
type recordingPRM struct {
	mu      sync.Mutex
	paused  []string
	resumes int
}

func (p *recordingPRM) PauseTrading(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = append(p.paused, reason)
}

func (p *recordingPRM) ResumeTrading() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
}

func (p *recordingPRM) Emit(string, interface{}) {}

func (p *recordingPRM) pauseReasons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paused...)
}

type engineFixture struct {
	engine    *Engine
	exchange  *fakeExchange
	refresher *account.Refresher
	executor  *recordingExecutor
	prm       *recordingPRM
	clk       *clock.Manual
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	cfg.Timezone = time.UTC
	ex := &fakeExchange{}
	refresher := account.NewRefresher(account.DefaultRefresherConfig(), clk)
	refresher.Register(ex)
	executor := &recordingExecutor{}
	prm := &recordingPRM{}
	eng := NewEngine(cfg, refresher, executor, prm, WithClock(clk))
	return &engineFixture{
		engine:    eng,
		exchange:  ex,
		refresher: refresher,
		executor:  executor,
		prm:       prm,
		clk:       clk,
	}
}

func (f *engineFixture) tick(ctx context.Context) {
	f.refresher.RefreshBalances(ctx)
	f.engine.Evaluate(ctx)
}

func TestMarginRateEmergencyClosesAndPauses(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(30, 100) // margin rate 0.30, below 0.35
	f.tick(ctx)

	closes := f.executor.closes()
	require.Len(t, closes, 1)
	assert.Contains(t, closes[0], "margin rate")
	assert.False(t, f.engine.TradingAllowed())
	assert.Equal(t, LevelEmergency, f.engine.Level())
	require.Len(t, f.prm.pauseReasons(), 1)

	decision := f.engine.CheckOrder(OrderRequest{
		StrategyID: "s1", Symbol: "BTC/USDT", Side: OrderBuy,
		Amount: d(0.1), Price: d(50000),
	})
	assert.False(t, decision.Allowed)
	require.NotEmpty(t, decision.Reasons)
	assert.Contains(t, decision.Reasons[0], "trading paused")
}

func TestMarginRateStaircase(t *testing.T) {
	tests := []struct {
		name   string
		equity float64
		level  Level
		closed bool
	}{
		{"healthy", 100, LevelNormal, false},
		{"warning band", 45, LevelWarning, false},
		{"danger band", 38, LevelDanger, false},
		{"emergency", 30, LevelEmergency, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, DefaultConfig())
			f.exchange.setBalance(tt.equity, 100)
			f.tick(context.Background())

			assert.Equal(t, tt.level, f.engine.Level())
			assert.Equal(t, tt.closed, len(f.executor.closes()) == 1)
		})
	}
}

func TestZeroUsedMarginIsNeverABreach(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	f.exchange.setBalance(100, 0)
	f.tick(context.Background())

	assert.Equal(t, LevelNormal, f.engine.Level())
	assert.Empty(t, f.executor.closes())
	assert.True(t, f.engine.TradingAllowed())
}

func TestBTCCrashReducesNonBTCPositions(t *testing.T) {
	cfg := DefaultConfig()
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	f.exchange.setBalance(100000, 0)
	f.exchange.setPositions(
		account.Position{Symbol: "BTC/USDT", Side: account.SideLong,
			Size: d(1), EntryPrice: d(60000), Leverage: d(2), MarkPrice: d(60000), Notional: d(60000)},
		account.Position{Symbol: "ETH/USDT", Side: account.SideLong,
			Size: d(10), EntryPrice: d(3000), Leverage: d(2), MarkPrice: d(3000), Notional: d(30000)},
	)

	f.refresher.SetPrice("BTC/USDT", d(60000))
	f.tick(ctx)
	assert.Empty(t, f.executor.placedOrders())

	// BTC drops 3.33% inside the window.
	f.clk.Advance(2 * time.Minute)
	f.refresher.SetPrice("BTC/USDT", d(58000))
	f.tick(ctx)

	orders := f.executor.placedOrders()
	require.Len(t, orders, 1, "only the non-BTC leg is reduced")
	assert.Equal(t, "ETH/USDT", orders[0].Symbol)
	assert.Equal(t, OrderSell, orders[0].Side)
	assert.True(t, orders[0].Amount.Equal(d(5)), "half of the 10 ETH position")
	assert.True(t, orders[0].ReduceOnly)
}

func TestBTCDipAboveThresholdDoesNothing(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(100000, 0)
	f.exchange.setPositions(account.Position{Symbol: "ETH/USDT", Side: account.SideLong,
		Size: d(10), EntryPrice: d(3000), Leverage: d(2), MarkPrice: d(3000), Notional: d(30000)})

	f.refresher.SetPrice("BTC/USDT", d(60000))
	f.tick(ctx)
	f.clk.Advance(time.Minute)
	f.refresher.SetPrice("BTC/USDT", d(58800)) // -2%, above the -3% threshold
	f.tick(ctx)

	assert.Empty(t, f.executor.placedOrders())
}

func TestDeRiskCooldownSuppressesRepeatReductions(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(100000, 0)
	f.exchange.setPositions(account.Position{Symbol: "ETH/USDT", Side: account.SideLong,
		Size: d(10), EntryPrice: d(3000), Leverage: d(2), MarkPrice: d(3000), Notional: d(30000)})

	f.refresher.SetPrice("BTC/USDT", d(60000))
	f.tick(ctx)
	f.clk.Advance(time.Minute)
	f.refresher.SetPrice("BTC/USDT", d(56000))
	f.tick(ctx)
	require.Len(t, f.executor.placedOrders(), 1)

	// Still crashing one minute later: cooldown holds the line.
	f.clk.Advance(time.Minute)
	f.refresher.SetPrice("BTC/USDT", d(55000))
	f.tick(ctx)
	assert.Len(t, f.executor.placedOrders(), 1)

	// Past the cooldown the window has rolled; re-seed a fresh crash.
	f.clk.Advance(DefaultConfig().DeRiskCooldown)
	f.refresher.SetPrice("BTC/USDT", d(55000))
	f.tick(ctx)
	f.clk.Advance(time.Minute)
	f.refresher.SetPrice("BTC/USDT", d(52000))
	f.tick(ctx)
	assert.Len(t, f.executor.placedOrders(), 2)
}

func TestEmergencyCloseShortCircuitsLaterChecks(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	// Establish a high watermark, then collapse equity AND margin at once.
	f.exchange.setBalance(10000, 0)
	f.tick(ctx)

	f.exchange.setBalance(30, 100)
	f.refresher.SetPrice("BTC/USDT", d(60000))
	f.exchange.setPositions(account.Position{Symbol: "ETH/USDT", Side: account.SideLong,
		Size: d(10), EntryPrice: d(3000), Leverage: d(2), MarkPrice: d(3000), Notional: d(30000)})
	f.tick(ctx)

	// The margin emergency fires; the equity drawdown check (which would also
	// be catastrophic here) never runs, so exactly one close and no reduces.
	assert.Len(t, f.executor.closes(), 1)
	assert.Empty(t, f.executor.placedOrders())
}

func TestEquityDrawdownDangerReducesAllPositions(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setPositions(account.Position{Symbol: "SOL/USDT", Side: account.SideShort,
		Size: d(100), EntryPrice: d(150), Leverage: d(3), MarkPrice: d(150), Notional: d(15000)})

	f.exchange.setBalance(10000, 0)
	f.tick(ctx)

	f.exchange.setBalance(8400, 0) // 16% drawdown, danger band
	f.tick(ctx)

	orders := f.executor.placedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderBuy, orders[0].Side, "shorts reduce by buying back")
	assert.True(t, orders[0].Amount.Equal(d(30)), "30% of the 100 SOL short")
	assert.Equal(t, LevelDanger, f.engine.Level())
}

func TestDailyDrawdownPausesAndResetsNextDay(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(10000, 0)
	f.tick(ctx)
	require.True(t, f.engine.TradingAllowed())

	f.exchange.setBalance(9100, 0) // -9% on the day
	f.tick(ctx)
	assert.False(t, f.engine.TradingAllowed())
	assert.Contains(t, f.engine.Portfolio().PauseReason, "daily drawdown")

	// Next day: the daily baseline resets and the pause lifts.
	f.clk.Advance(24 * time.Hour)
	f.tick(ctx)
	assert.True(t, f.engine.TradingAllowed())
	assert.True(t, f.engine.Portfolio().DailyStartEquity.Equal(d(9100)))
}

func TestWeeklyDrawdownPausesAndResetsNextWeek(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableEquityDrawdownMonitor = false
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	// Monday: 10000 anchors both the day and the week.
	f.exchange.setBalance(10000, 0)
	f.tick(ctx)

	// Tuesday: -10% on the week, but the daily baseline just rolled.
	f.clk.Advance(24 * time.Hour)
	f.exchange.setBalance(9000, 0)
	f.tick(ctx)
	assert.True(t, f.engine.TradingAllowed())

	// Wednesday: -16% on the week while the day itself is flat.
	f.clk.Advance(24 * time.Hour)
	f.exchange.setBalance(8400, 0)
	f.tick(ctx)
	assert.False(t, f.engine.TradingAllowed())
	assert.Contains(t, f.engine.Portfolio().PauseReason, "weekly drawdown")

	// Next Monday: the weekly baseline resets and the pause lifts.
	f.clk.Advance(5 * 24 * time.Hour)
	f.tick(ctx)
	assert.True(t, f.engine.TradingAllowed())
	assert.True(t, f.engine.Portfolio().WeeklyStartEquity.Equal(d(8400)))
}

func TestConcentrationAlertLeavesTradingOpen(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(100000, 0)
	f.exchange.setPositions(
		account.Position{Symbol: "DOGE/USDT", Side: account.SideLong,
			Size: d(100000), EntryPrice: d(0.2), Leverage: d(1), MarkPrice: d(0.2), Notional: d(20000)},
		account.Position{Symbol: "ETH/USDT", Side: account.SideLong,
			Size: d(10), EntryPrice: d(3000), Leverage: d(1), MarkPrice: d(3000), Notional: d(30000)},
	)
	f.tick(ctx)

	assert.Equal(t, LevelWarning, f.engine.Level())
	assert.True(t, f.engine.TradingAllowed(), "concentration alerts, never blocks")
	assert.Empty(t, f.executor.placedOrders())
}

func TestLiquidationProximityAlert(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(100000, 0)
	// 10x long from 50000: liquidation near 45200; mark at 46000 is within
	// the 5% buffer.
	f.exchange.setPositions(account.Position{Symbol: "BTC/USDT", Side: account.SideLong,
		Size: d(1), EntryPrice: d(50000), Leverage: d(10), MarkPrice: d(46000), Notional: d(46000)})
	f.tick(ctx)

	assert.Equal(t, LevelHigh, f.engine.Level())
	assert.True(t, f.engine.TradingAllowed())
}

func TestCheckOrderStrategyLimits(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(10000, 0)
	f.tick(ctx)

	f.engine.RegisterStrategy("alpha", d(1000))
	decision := f.engine.CheckOrder(OrderRequest{
		StrategyID: "alpha", Symbol: "BTC/USDT", Side: OrderBuy,
		Amount: d(0.04), Price: d(50000), // 2000 notional
	})
	assert.False(t, decision.Allowed)
	assert.Contains(t, strings.Join(decision.Reasons, "; "), "risk budget exhausted")

	f.engine.RegisterStrategy("beta", d(100000))
	decision = f.engine.CheckOrder(OrderRequest{
		StrategyID: "beta", Symbol: "BTC/USDT", Side: OrderBuy,
		Amount: d(0.08), Price: d(50000), // 4000 notional, 40% of equity
	})
	assert.False(t, decision.Allowed)
	assert.Contains(t, strings.Join(decision.Reasons, "; "), "strategy ratio")

	f.engine.PauseStrategy("beta", true)
	decision = f.engine.CheckOrder(OrderRequest{
		StrategyID: "beta", Symbol: "BTC/USDT", Side: OrderBuy,
		Amount: d(0.001), Price: d(50000),
	})
	assert.False(t, decision.Allowed)
	assert.Contains(t, strings.Join(decision.Reasons, "; "), "strategy paused")
}

func TestCheckOrderTotalRatioAndWarnings(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(10000, 0)
	f.exchange.setPositions(account.Position{Symbol: "ETH/USDT", Side: account.SideLong,
		Size: d(2), EntryPrice: d(3500), Leverage: d(1), MarkPrice: d(3500), Notional: d(7000)})
	f.tick(ctx)

	// 7000 held + 1500 requested = 85% of equity, over the 80% cap.
	decision := f.engine.CheckOrder(OrderRequest{
		StrategyID: "gamma", Symbol: "BTC/USDT", Side: OrderBuy,
		Amount: d(0.03), Price: d(50000),
	})
	assert.False(t, decision.Allowed)
	assert.Contains(t, strings.Join(decision.Reasons, "; "), "total position ratio")

	// A small order passes but carries the approaching-limit warning.
	decision = f.engine.CheckOrder(OrderRequest{
		StrategyID: "gamma", Symbol: "BTC/USDT", Side: OrderBuy,
		Amount: d(0.002), Price: d(50000),
	})
	assert.True(t, decision.Allowed)
	assert.NotEmpty(t, decision.Warnings)
}

func TestManualResumeReopensTheGate(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	f.exchange.setBalance(10000, 0)
	f.tick(ctx)
	f.exchange.setBalance(9100, 0)
	f.tick(ctx)
	require.False(t, f.engine.TradingAllowed())

	f.engine.Resume()
	assert.True(t, f.engine.TradingAllowed())

	decision := f.engine.CheckOrder(OrderRequest{
		StrategyID: "alpha", Symbol: "BTC/USDT", Side: OrderBuy,
		Amount: d(0.001), Price: d(50000),
	})
	assert.True(t, decision.Allowed)
}
