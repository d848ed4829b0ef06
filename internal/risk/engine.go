package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"quantpipe-md-risk/internal/account"
	"quantpipe-md-risk/internal/clock"
	"quantpipe-md-risk/internal/market"
	"quantpipe-md-risk/internal/metrics"
)

// Pause reasons the day/week reset recognizes as its own.
const (
	pauseReasonDailyDrawdown  = "daily drawdown limit exceeded"
	pauseReasonWeeklyDrawdown = "weekly drawdown limit exceeded"
)

const btcSymbol = "BTC/USDT"

type btcPoint struct {
	at    time.Time
	price decimal.Decimal
}

type strategyState struct {
	paused     bool
	notional   decimal.Decimal
	riskBudget decimal.Decimal
}

// Engine is the periodic risk evaluator. All account math runs in decimals;
// each tick walks the checks in priority order and stops at the first
// emergency close.
type Engine struct {
	cfg       Config
	clk       clock.Clock
	refresher *account.Refresher
	executor  Executor
	prm       PortfolioRiskManager
	drawdown  *DrawdownMonitor

	mu             sync.RWMutex
	portfolio      PortfolioState
	level          Level
	tradingAllowed bool
	pauseReason    string
	btcHistory     []btcPoint
	lastDeRisk     time.Time
	dayAnchor      time.Time
	weekAnchor     time.Time
	strategies     map[string]*strategyState

	events  chan Event
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// NewEngine builds a risk engine. executor and prm may be nil; actions then
// degrade to alerts demanding manual intervention.
func NewEngine(cfg Config, refresher *account.Refresher, executor Executor,
	prm PortfolioRiskManager, opts ...Option) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.Local
	}
	e := &Engine{
		cfg:            cfg,
		clk:            clock.Real{},
		refresher:      refresher,
		executor:       executor,
		prm:            prm,
		drawdown:       NewDrawdownMonitor(cfg),
		tradingAllowed: true,
		level:          LevelNormal,
		strategies:     make(map[string]*strategyState),
		events:         make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(e)
	}
	now := e.clk.Now().In(cfg.Timezone)
	e.dayAnchor = now
	e.weekAnchor = now
	return e
}

// Events returns the risk event stream. Slow consumers lose events.
func (e *Engine) Events() <-chan Event { return e.events }

// Portfolio returns a copy of the latest portfolio state.
func (e *Engine) Portfolio() PortfolioState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.portfolio
}

// DrawdownState returns a copy of the equity watermark state.
func (e *Engine) DrawdownState() EquityDrawdownState { return e.drawdown.State() }

// Level returns the current aggregate risk level.
func (e *Engine) Level() Level {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.level
}

// TradingAllowed reports whether the gate currently admits orders.
func (e *Engine) TradingAllowed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tradingAllowed
}

// RegisterStrategy declares a strategy with a risk budget (max notional).
func (e *Engine) RegisterStrategy(id string, riskBudget decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[id] = &strategyState{riskBudget: riskBudget}
}

// PauseStrategy pauses one strategy at the gate.
func (e *Engine) PauseStrategy(id string, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.strategies[id]; ok {
		st.paused = paused
	}
}

// RecordStrategyFill adjusts a strategy's tracked notional after a fill.
func (e *Engine) RecordStrategyFill(id string, notionalDelta decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.strategies[id]; ok {
		st.notional = st.notional.Add(notionalDelta)
		if st.notional.IsNegative() {
			st.notional = decimal.Zero
		}
	}
}

// Start launches the periodic check loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Evaluate(ctx)
			}
		}
	}()
	log.Info().Dur("interval", e.cfg.CheckInterval).Msg("Risk engine started")
}

// Stop halts the check loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Resume manually lifts a trading pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.tradingAllowed = true
	e.pauseReason = ""
	e.mu.Unlock()
	if e.prm != nil {
		e.prm.ResumeTrading()
	}
	e.emit(EventTradingResumed, nil)
	log.Info().Msg("Trading manually resumed")
}

// Evaluate runs one full risk tick: refresh positions, walk the checks in
// priority order, dispatch actions, and update the aggregate level. An
// emergency close short-circuits the remaining checks.
func (e *Engine) Evaluate(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.Observe(metrics.RiskCheckDuration)

	e.refresher.RefreshPositions(ctx)

	equity, usedMargin, positions := e.totals()
	now := e.clk.Now().In(e.cfg.Timezone)

	e.resetBoundaries(now, equity)
	e.recordBTCPrice(now)

	checks := []func(equity, usedMargin decimal.Decimal, positions []account.Position) CheckResult{
		e.checkMarginRate,
		e.checkEquityDrawdown,
		e.checkDailyDrawdown,
		e.checkBTCCrash,
		e.checkConcentration,
		e.checkLiquidationProximity,
	}

	tickLevel := LevelNormal
	for _, check := range checks {
		result := check(equity, usedMargin, positions)
		tickLevel = maxLevel(tickLevel, result.Level)
		if result.Action != ActionNone {
			e.execute(ctx, result)
		}
		if result.Action == ActionEmergencyClose {
			break
		}
	}

	e.updatePortfolio(equity, usedMargin, positions, tickLevel)
}

// totals sums equity, used margin, and open positions across exchanges.
func (e *Engine) totals() (decimal.Decimal, decimal.Decimal, []account.Position) {
	equity := decimal.Zero
	usedMargin := decimal.Zero
	for _, snap := range e.refresher.Balances() {
		equity = equity.Add(snap.Equity)
		usedMargin = usedMargin.Add(snap.UsedMargin)
	}
	return equity, usedMargin, e.refresher.Positions()
}

// resetBoundaries applies the day and week rollovers. The equity watermark
// is deliberately untouched.
func (e *Engine) resetBoundaries(now time.Time, equity decimal.Decimal) {
	e.mu.Lock()
	resumed := false
	dayY, dayM, dayD := e.dayAnchor.Date()
	nowY, nowM, nowD := now.Date()
	if dayY != nowY || dayM != nowM || dayD != nowD {
		e.dayAnchor = now
		e.portfolio.DailyStartEquity = equity
		e.portfolio.DailyDrawdown = decimal.Zero
		if !e.tradingAllowed && e.pauseReason == pauseReasonDailyDrawdown {
			e.tradingAllowed = true
			e.pauseReason = ""
			resumed = true
		}
	}

	anchorYear, anchorWeek := e.weekAnchor.ISOWeek()
	nowYear, nowWeek := now.ISOWeek()
	if anchorYear != nowYear || anchorWeek != nowWeek {
		e.weekAnchor = now
		e.portfolio.WeeklyStartEquity = equity
		e.portfolio.WeeklyDrawdown = decimal.Zero
		if !e.tradingAllowed && e.pauseReason == pauseReasonWeeklyDrawdown {
			e.tradingAllowed = true
			e.pauseReason = ""
			resumed = true
		}
	}

	if e.portfolio.DailyStartEquity.IsZero() && equity.IsPositive() {
		e.portfolio.DailyStartEquity = equity
	}
	if e.portfolio.WeeklyStartEquity.IsZero() && equity.IsPositive() {
		e.portfolio.WeeklyStartEquity = equity
	}
	e.mu.Unlock()

	if resumed {
		if e.prm != nil {
			e.prm.ResumeTrading()
		}
		e.emit(EventTradingResumed, nil)
	}
}

// recordBTCPrice appends the latest BTC price and prunes the rolling window.
func (e *Engine) recordBTCPrice(now time.Time) {
	price, ok := e.refresher.Price(btcSymbol)
	if !ok || !price.IsPositive() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.btcHistory = append(e.btcHistory, btcPoint{at: now, price: price})
	cutoff := now.Add(-e.cfg.BTCPriceWindow)
	trim := 0
	for trim < len(e.btcHistory) && e.btcHistory[trim].at.Before(cutoff) {
		trim++
	}
	e.btcHistory = e.btcHistory[trim:]
}

// checkMarginRate compares totalEquity / totalUsedMargin to the staircase.
// Zero used margin means no leverage in use, which is never a breach.
func (e *Engine) checkMarginRate(equity, usedMargin decimal.Decimal, _ []account.Position) CheckResult {
	result := CheckResult{Check: "marginRate", Action: ActionNone, Level: LevelNormal}
	if usedMargin.IsZero() {
		return result
	}
	rate := equity.Div(usedMargin)
	switch {
	case rate.LessThan(e.cfg.EmergencyMarginRate):
		result.Action = ActionEmergencyClose
		result.Level = LevelEmergency
		result.Reason = fmt.Sprintf("margin rate %s below emergency threshold %s",
			rate.StringFixed(4), e.cfg.EmergencyMarginRate.String())
	case rate.LessThan(e.cfg.DangerMarginRate):
		result.Action = ActionAlert
		result.Level = LevelDanger
		result.Reason = fmt.Sprintf("margin rate %s below danger threshold %s",
			rate.StringFixed(4), e.cfg.DangerMarginRate.String())
	case rate.LessThan(e.cfg.WarningMarginRate):
		result.Action = ActionAlert
		result.Level = LevelWarning
		result.Reason = fmt.Sprintf("margin rate %s below warning threshold %s",
			rate.StringFixed(4), e.cfg.WarningMarginRate.String())
	}
	return result
}

// checkEquityDrawdown folds equity into the watermark and maps the severity
// to an action.
func (e *Engine) checkEquityDrawdown(equity, _ decimal.Decimal, positions []account.Position) CheckResult {
	result := CheckResult{Check: "equityDrawdown", Action: ActionNone, Level: LevelNormal}
	if !e.cfg.EnableEquityDrawdownMonitor || !equity.IsPositive() {
		return result
	}
	severity := e.drawdown.Update(equity, e.clk.Now())
	state := e.drawdown.State()
	metrics.RecordEquityDrawdown(state.CurrentDrawdown.InexactFloat64())

	drawdown := state.CurrentDrawdown.StringFixed(4)
	switch severity {
	case DrawdownEmergency:
		result.Action = ActionEmergencyClose
		result.Level = LevelEmergency
		result.Reason = fmt.Sprintf("equity drawdown %s breached maximum %s",
			drawdown, e.cfg.MaxEquityDrawdown.String())
	case DrawdownDanger:
		result.Action = ActionReducePosition
		result.Level = LevelDanger
		result.ReduceRatio = e.cfg.EquityDrawdownReduceRatio
		result.Affected = positions
		result.Reason = fmt.Sprintf("equity drawdown %s at danger threshold", drawdown)
	case DrawdownWarning:
		result.Action = ActionPauseTrading
		result.Level = LevelHigh
		result.Reason = fmt.Sprintf("equity drawdown %s at warning threshold", drawdown)
	case DrawdownAlert:
		result.Action = ActionAlert
		result.Level = LevelWarning
		result.Reason = fmt.Sprintf("equity drawdown %s at alert threshold", drawdown)
	}
	return result
}

// checkDailyDrawdown compares equity to the day's and week's starting
// equity; breaching either limit pauses trading until the matching rollover.
func (e *Engine) checkDailyDrawdown(equity, _ decimal.Decimal, _ []account.Position) CheckResult {
	result := CheckResult{Check: "dailyDrawdown", Action: ActionNone, Level: LevelNormal}

	e.mu.Lock()
	start := e.portfolio.DailyStartEquity
	var drawdown decimal.Decimal
	if start.IsPositive() {
		drawdown = start.Sub(equity).Div(start)
		if drawdown.IsNegative() {
			drawdown = decimal.Zero
		}
		e.portfolio.DailyDrawdown = drawdown
	}
	weekStart := e.portfolio.WeeklyStartEquity
	var weekly decimal.Decimal
	if weekStart.IsPositive() {
		weekly = weekStart.Sub(equity).Div(weekStart)
		if weekly.IsNegative() {
			weekly = decimal.Zero
		}
		e.portfolio.WeeklyDrawdown = weekly
	}
	e.mu.Unlock()

	if start.IsPositive() && drawdown.GreaterThan(e.cfg.MaxDailyDrawdown) {
		result.Action = ActionPauseTrading
		result.Level = LevelHigh
		result.Reason = pauseReasonDailyDrawdown
		return result
	}
	if weekStart.IsPositive() && weekly.GreaterThan(e.cfg.MaxWeeklyDrawdown) {
		result.Action = ActionPauseTrading
		result.Level = LevelHigh
		result.Reason = pauseReasonWeeklyDrawdown
	}
	return result
}

// checkBTCCrash evaluates BTC's move over the rolling window and, on a
// crash, reduces every non-BTC position.
func (e *Engine) checkBTCCrash(_, _ decimal.Decimal, positions []account.Position) CheckResult {
	result := CheckResult{Check: "btcCrash", Action: ActionNone, Level: LevelNormal}

	e.mu.RLock()
	n := len(e.btcHistory)
	var oldest, latest decimal.Decimal
	if n >= 2 {
		oldest = e.btcHistory[0].price
		latest = e.btcHistory[n-1].price
	}
	e.mu.RUnlock()
	if n < 2 || !oldest.IsPositive() {
		return result
	}

	change := latest.Sub(oldest).Div(oldest)
	if change.GreaterThanOrEqual(e.cfg.BTCCrashThreshold) {
		return result
	}

	allowed := make(map[string]struct{}, len(e.cfg.AltcoinSymbols))
	for _, s := range e.cfg.AltcoinSymbols {
		allowed[s] = struct{}{}
	}
	var affected []account.Position
	for _, p := range positions {
		if market.Base(p.Symbol) == "BTC" {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[p.Symbol]; !ok {
				continue
			}
		}
		affected = append(affected, p)
	}
	if len(affected) == 0 {
		return result
	}

	result.Action = ActionReducePosition
	result.Level = LevelDanger
	result.ReduceRatio = e.cfg.AltcoinReduceRatio
	result.Affected = affected
	result.Reason = fmt.Sprintf("BTC moved %s within window, below crash threshold %s",
		change.StringFixed(4), e.cfg.BTCCrashThreshold.String())
	return result
}

// checkConcentration flags any base asset whose notional share of the
// portfolio exceeds the single-position cap.
func (e *Engine) checkConcentration(_, _ decimal.Decimal, positions []account.Position) CheckResult {
	result := CheckResult{Check: "concentration", Action: ActionNone, Level: LevelNormal}

	total := decimal.Zero
	byBase := make(map[string]decimal.Decimal)
	for _, p := range positions {
		base := market.Base(p.Symbol)
		byBase[base] = byBase[base].Add(p.Notional)
		total = total.Add(p.Notional)
	}
	if !total.IsPositive() {
		return result
	}

	for base, notional := range byBase {
		ratio := notional.Div(total)
		if ratio.GreaterThan(e.cfg.MaxSinglePositionRatio) {
			result.Action = ActionAlert
			result.Level = LevelWarning
			result.Reason = fmt.Sprintf("%s concentration %s exceeds limit %s",
				base, ratio.StringFixed(4), e.cfg.MaxSinglePositionRatio.String())
			break
		}
	}
	return result
}

// checkLiquidationProximity estimates each position's liquidation price and
// alerts when the mark is within the buffer.
func (e *Engine) checkLiquidationProximity(_, _ decimal.Decimal, positions []account.Position) CheckResult {
	result := CheckResult{Check: "liquidationProximity", Action: ActionNone, Level: LevelNormal}
	one := decimal.NewFromInt(1)

	var affected []account.Position
	for _, p := range positions {
		if !p.Leverage.IsPositive() || !p.EntryPrice.IsPositive() {
			continue
		}
		current := p.MarkPrice
		if !current.IsPositive() {
			if price, ok := e.refresher.Price(p.Symbol); ok {
				current = price
			}
		}
		if !current.IsPositive() {
			continue
		}

		invLev := one.Div(p.Leverage)
		var liq decimal.Decimal
		if p.Side == account.SideLong {
			liq = p.EntryPrice.Mul(one.Sub(invLev).Add(e.cfg.MaintenanceMarginRate))
		} else {
			liq = p.EntryPrice.Mul(one.Add(invLev).Sub(e.cfg.MaintenanceMarginRate))
		}
		distance := current.Sub(liq).Abs().Div(current)
		if distance.LessThan(e.cfg.LiquidationBuffer) {
			affected = append(affected, p)
		}
	}
	if len(affected) == 0 {
		return result
	}

	result.Action = ActionAlert
	result.Level = LevelHigh
	result.Affected = affected
	result.Reason = fmt.Sprintf("%d position(s) within liquidation buffer %s",
		len(affected), e.cfg.LiquidationBuffer.String())
	return result
}

// execute dispatches one check's action.
func (e *Engine) execute(ctx context.Context, r CheckResult) {
	metrics.RecordRiskAction(string(r.Action))
	switch r.Action {
	case ActionEmergencyClose:
		e.executeEmergencyClose(ctx, r)
	case ActionReducePosition:
		e.executeReduce(ctx, r)
	case ActionPauseTrading:
		e.pause(r.Reason)
	case ActionAlert:
		log.Warn().Str("check", r.Check).Str("reason", r.Reason).Msg("Risk alert")
		e.emit(EventAlert, r)
	}
}

func (e *Engine) executeEmergencyClose(ctx context.Context, r CheckResult) {
	e.mu.Lock()
	e.tradingAllowed = false
	e.pauseReason = r.Reason
	e.mu.Unlock()

	log.Error().Str("check", r.Check).Str("reason", r.Reason).Msg("Emergency close triggered")
	e.emit(EventEmergencyClose, r)
	if e.prm != nil {
		e.prm.PauseTrading(r.Reason)
	}

	if e.executor == nil {
		e.emit(EventAlert, map[string]string{
			"type":   "executorUnavailable",
			"reason": "emergency close requested with no executor attached",
		})
		return
	}
	if err := e.executor.EmergencyCloseAll(ctx, r.Reason); err != nil {
		log.Error().Err(err).Msg("Emergency close failed")
		e.emit(EventAlert, map[string]string{
			"type":   "executorUnavailable",
			"reason": fmt.Sprintf("emergency close failed: %v", err),
		})
	}
}

// executeReduce issues reduce-only market orders on the closing side for
// each affected position, honoring the de-risk cooldown.
func (e *Engine) executeReduce(ctx context.Context, r CheckResult) {
	now := e.clk.Now()
	e.mu.Lock()
	if !e.lastDeRisk.IsZero() && now.Sub(e.lastDeRisk) < e.cfg.DeRiskCooldown {
		e.mu.Unlock()
		log.Info().Str("check", r.Check).Msg("Position reduction skipped, de-risk cooldown active")
		return
	}
	e.lastDeRisk = now
	e.mu.Unlock()

	log.Warn().Str("check", r.Check).Str("reason", r.Reason).
		Str("ratio", r.ReduceRatio.String()).Int("positions", len(r.Affected)).
		Msg("Reducing positions")
	e.emit(EventPositionReduced, r)

	if e.executor == nil {
		e.emit(EventAlert, map[string]string{
			"type":   "executorUnavailable",
			"reason": "position reduction requested with no executor attached",
		})
		return
	}
	for _, p := range r.Affected {
		side := OrderSell
		if p.Side == account.SideShort {
			side = OrderBuy
		}
		order := MarketOrder{
			Symbol:     p.Symbol,
			Side:       side,
			Amount:     p.Size.Mul(r.ReduceRatio),
			ReduceOnly: true,
		}
		if err := e.executor.ExecuteMarketOrder(ctx, order); err != nil {
			log.Error().Err(err).Str("symbol", p.Symbol).Msg("Reduce order failed")
		}
	}
}

// pause flips tradingAllowed off. Idempotent while already paused.
func (e *Engine) pause(reason string) {
	e.mu.Lock()
	if !e.tradingAllowed {
		e.mu.Unlock()
		return
	}
	e.tradingAllowed = false
	e.pauseReason = reason
	e.mu.Unlock()

	log.Warn().Str("reason", reason).Msg("Trading paused")
	e.emit(EventTradingPaused, map[string]string{"reason": reason})
	if e.prm != nil {
		e.prm.PauseTrading(reason)
	}
}

// updatePortfolio refreshes the public state and emits a level change.
func (e *Engine) updatePortfolio(equity, _ decimal.Decimal, positions []account.Position, tickLevel Level) {
	totalNotional := decimal.Zero
	for _, p := range positions {
		totalNotional = totalNotional.Add(p.Notional)
	}

	e.mu.Lock()
	previous := e.level
	e.level = tickLevel
	e.portfolio.TotalEquity = equity
	e.portfolio.TotalPositionValue = totalNotional
	if equity.IsPositive() {
		e.portfolio.PositionRatio = totalNotional.Div(equity)
	}
	state := e.drawdown.State()
	e.portfolio.PeakEquity = state.AllTimeHighEquity
	e.portfolio.CurrentDrawdown = state.CurrentDrawdown
	e.portfolio.RiskLevel = tickLevel
	e.portfolio.TradingAllowed = e.tradingAllowed
	e.portfolio.PauseReason = e.pauseReason
	e.mu.Unlock()

	metrics.RecordRiskLevel(int(tickLevel))
	if previous != tickLevel {
		log.Info().Str("previous", previous.String()).Str("current", tickLevel.String()).
			Msg("Risk level changed")
		e.emit(EventRiskLevelChanged, LevelChange{Previous: previous, Current: tickLevel})
	}
}

// CheckOrder is the synchronous gate strategies call before submitting.
func (e *Engine) CheckOrder(req OrderRequest) Decision {
	decision := Decision{Allowed: true}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.tradingAllowed {
		reason := e.pauseReason
		if reason == "" {
			reason = "risk engine pause"
		}
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, "trading paused: "+reason)
	}
	if st, ok := e.strategies[req.StrategyID]; ok && st.paused {
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, "strategy paused")
	}
	if e.level >= LevelCritical {
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("risk level %s blocks new orders", e.level))
	}
	if e.cfg.EnableEquityDrawdownMonitor &&
		e.portfolio.CurrentDrawdown.GreaterThanOrEqual(e.cfg.EquityDrawdownWarningThreshold) {
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, "equity drawdown breach")
	}

	equity := e.portfolio.TotalEquity
	orderNotional := req.Amount.Mul(req.Price)
	if equity.IsPositive() && orderNotional.IsPositive() {
		if st, ok := e.strategies[req.StrategyID]; ok {
			prospective := st.notional.Add(orderNotional).Div(equity)
			if prospective.GreaterThan(e.cfg.MaxSingleStrategyRatio) {
				decision.Allowed = false
				decision.Reasons = append(decision.Reasons,
					fmt.Sprintf("strategy ratio %s would exceed limit %s",
						prospective.StringFixed(4), e.cfg.MaxSingleStrategyRatio.String()))
			}
			if st.riskBudget.IsPositive() && st.notional.Add(orderNotional).GreaterThan(st.riskBudget) {
				decision.Allowed = false
				decision.Reasons = append(decision.Reasons, "strategy risk budget exhausted")
			}
		}
		prospective := e.portfolio.TotalPositionValue.Add(orderNotional).Div(equity)
		if prospective.GreaterThan(e.cfg.MaxTotalPositionRatio) {
			decision.Allowed = false
			decision.Reasons = append(decision.Reasons,
				fmt.Sprintf("total position ratio %s would exceed limit %s",
					prospective.StringFixed(4), e.cfg.MaxTotalPositionRatio.String()))
		} else if prospective.GreaterThan(e.cfg.PositionWarningRatio) {
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("total position ratio %s approaching limit", prospective.StringFixed(4)))
		}
	}

	if e.level == LevelCritical {
		decision.SuggestedReduction = decimal.NewFromFloat(0.5)
	}
	if e.portfolio.CurrentDrawdown.GreaterThanOrEqual(e.cfg.DrawdownWarningThreshold) {
		decision.Warnings = append(decision.Warnings,
			fmt.Sprintf("equity drawdown %s approaching limits",
				e.portfolio.CurrentDrawdown.StringFixed(4)))
	}
	return decision
}

func (e *Engine) emit(eventType string, payload interface{}) {
	ev := Event{Type: eventType, Payload: payload, Timestamp: e.clk.Now().UnixMilli()}
	if e.prm != nil {
		e.prm.Emit(eventType, payload)
	}
	select {
	case e.events <- ev:
	default:
	}
}
