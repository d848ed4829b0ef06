package blackswan

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"quantpipe-md-risk/internal/clock"
	"quantpipe-md-risk/internal/market"
	"quantpipe-md-risk/internal/metrics"
	"quantpipe-md-risk/internal/risk"
)

// eventHistoryCap bounds the retained breaker history.
const eventHistoryCap = 500

// Protector is the black-swan circuit breaker. UpdatePrice is its single
// producer; the recovery ticker and readers see consistent snapshots under
// the mutex.
type Protector struct {
	cfg      Config
	clk      clock.Clock
	executor risk.Executor
	prm      risk.PortfolioRiskManager

	mu       sync.Mutex
	symbols  map[string]*symbolState
	level    BreakerLevel
	state    BreakerState
	affected map[string]struct{}
	history  []BreakerEvent

	stabilityStart time.Time

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Protector.
type Option func(*Protector)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(p *Protector) { p.clk = clk }
}

// New creates a protector in the normal state. executor and prm may be nil;
// breaker actions then only log and record.
func New(cfg Config, executor risk.Executor, prm risk.PortfolioRiskManager, opts ...Option) *Protector {
	if cfg.PriceHistoryLength <= 0 {
		cfg.PriceHistoryLength = 1000
	}
	p := &Protector{
		cfg:      cfg,
		clk:      clock.Real{},
		executor: executor,
		prm:      prm,
		symbols:  make(map[string]*symbolState),
		affected: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the auto-recovery ticker.
func (p *Protector) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	interval := p.cfg.RecoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.CheckRecovery(ctx)
			}
		}
	}()
	log.Info().Dur("recoveryInterval", interval).Msg("Black swan protector started")
}

// Stop halts the recovery ticker.
func (p *Protector) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Level returns the current breaker level.
func (p *Protector) Level() BreakerLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// State returns the breaker snapshot.
func (p *Protector) State() BreakerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Protector) snapshotLocked() BreakerState {
	state := p.state
	state.Level = p.level
	state.AffectedSymbols = make([]string, 0, len(p.affected))
	for s := range p.affected {
		state.AffectedSymbols = append(state.AffectedSymbols, s)
	}
	sort.Strings(state.AffectedSymbols)
	return state
}

// History returns a copy of the breaker event history.
func (p *Protector) History() []BreakerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BreakerEvent, len(p.history))
	copy(out, p.history)
	return out
}

// UpdatePrice feeds one observation through every detector and drives the
// breaker with the most severe hit. The order book is optional.
func (p *Protector) UpdatePrice(ctx context.Context, symbol string, price float64, book *market.Depth) []Anomaly {
	if price <= 0 {
		return nil
	}
	now := p.clk.Now()

	p.mu.Lock()
	st, ok := p.symbols[symbol]
	if !ok {
		st = newSymbolState(price, now)
		p.symbols[symbol] = st
	}

	anomalies := p.detectPrice(symbol, st, price)
	anomalies = append(anomalies, p.detectVolatility(symbol, st)...)
	if book != nil {
		anomalies = append(anomalies, p.detectBook(symbol, st, book)...)
	}

	st.record(price, now, p.cfg.PriceHistoryLength)
	st.slideBaselines(price, now)

	var action *BreakerEvent
	if len(anomalies) > 0 {
		action = p.applyAnomaliesLocked(anomalies, now)
	}
	p.mu.Unlock()

	for _, a := range anomalies {
		metrics.RecordAnomaly(string(a.Type))
		log.Warn().Str("symbol", a.Symbol).Str("type", string(a.Type)).
			Str("level", a.Level.String()).Float64("value", a.Value).
			Msg("Anomaly detected")
	}
	if action != nil {
		p.executeBreakerActions(ctx, *action)
	}
	return anomalies
}

// applyAnomaliesLocked folds a batch of anomalies into the breaker. The
// resulting level is the max of the prior level and every anomaly level;
// only an increase triggers actions.
func (p *Protector) applyAnomaliesLocked(anomalies []Anomaly, now time.Time) *BreakerEvent {
	worst := anomalies[0]
	for _, a := range anomalies[1:] {
		if a.Level > worst.Level {
			worst = a
		}
	}
	for _, a := range anomalies {
		p.affected[a.Symbol] = struct{}{}
	}

	if worst.Level <= p.level {
		return nil
	}

	previous := p.level
	p.level = worst.Level
	p.state.TriggeredAt = now
	p.state.CooldownUntil = now.Add(p.cfg.CooldownDuration)
	p.state.Reason = worst.Detail
	p.state.EventType = worst.Type
	p.stabilityStart = time.Time{}

	ev := BreakerEvent{
		Time:          now,
		Level:         worst.Level,
		PreviousLevel: previous,
		Reason:        worst.Detail,
		EventType:     worst.Type,
	}
	p.recordEventLocked(ev)
	metrics.RecordBreakerLevel(int(p.level))
	return &ev
}

func (p *Protector) recordEventLocked(ev BreakerEvent) {
	p.history = append(p.history, ev)
	if len(p.history) > eventHistoryCap {
		p.history = p.history[len(p.history)-eventHistoryCap:]
	}
}

// executeBreakerActions runs the action table for a level raise.
func (p *Protector) executeBreakerActions(ctx context.Context, ev BreakerEvent) {
	log.Error().Str("level", ev.Level.String()).Str("previous", ev.PreviousLevel.String()).
		Str("reason", ev.Reason).Msg("Circuit breaker triggered")

	switch ev.Level {
	case LevelL1:
		p.reduce(ctx, p.cfg.PartialReduceL1)
	case LevelL2:
		p.reduce(ctx, p.cfg.PartialReduceL2)
		p.pause(ev.Reason)
	case LevelL3, LevelEmergency:
		p.emergencyClose(ctx, ev.Reason)
		p.pause(ev.Reason)
	}
}

func (p *Protector) reduce(ctx context.Context, ratio float64) {
	if p.executor == nil {
		log.Error().Msg("Breaker reduction requested with no executor attached")
		return
	}
	if err := p.executor.ReduceAllPositions(ctx, decimal.NewFromFloat(ratio)); err != nil {
		log.Error().Err(err).Float64("ratio", ratio).Msg("Breaker position reduction failed")
	}
}

func (p *Protector) emergencyClose(ctx context.Context, reason string) {
	if !p.cfg.EnableAutoEmergencyClose {
		log.Warn().Str("reason", reason).Msg("Auto emergency close disabled, manual action required")
		return
	}
	if p.executor == nil {
		log.Error().Msg("Breaker emergency close requested with no executor attached")
		return
	}
	if err := p.executor.EmergencyCloseAll(ctx, reason); err != nil {
		log.Error().Err(err).Msg("Breaker emergency close failed")
	}
}

func (p *Protector) pause(reason string) {
	if p.prm != nil {
		p.prm.PauseTrading(reason)
	}
}

// CheckRecovery runs one recovery evaluation: after cooldown, the market
// must stay stable across every affected symbol for the full stability
// window before the breaker resets.
func (p *Protector) CheckRecovery(_ context.Context) {
	if !p.cfg.EnableAutoRecovery {
		return
	}
	now := p.clk.Now()

	p.mu.Lock()
	if p.level == LevelNormal || now.Before(p.state.CooldownUntil) {
		p.mu.Unlock()
		return
	}

	if !p.stableLocked() {
		p.stabilityStart = time.Time{}
		p.mu.Unlock()
		return
	}
	if p.stabilityStart.IsZero() {
		p.stabilityStart = now
		p.mu.Unlock()
		return
	}
	if now.Sub(p.stabilityStart) < p.cfg.StabilityDuration {
		p.mu.Unlock()
		return
	}

	previous := p.recoverLocked(now, "stability window satisfied")
	p.mu.Unlock()

	p.finishRecovery(previous)
}

// stableLocked reports whether every affected symbol has enough recent
// samples with relative stdev under the threshold.
func (p *Protector) stableLocked() bool {
	for symbol := range p.affected {
		st, ok := p.symbols[symbol]
		if !ok {
			return false
		}
		prices := st.recentPrices(p.cfg.StableMinSamples)
		if len(prices) < p.cfg.StableMinSamples {
			return false
		}
		mean := stat.Mean(prices, nil)
		if mean == 0 {
			return false
		}
		if stat.StdDev(prices, nil)/mean > p.cfg.StabilityVolThreshold {
			return false
		}
	}
	return true
}

func (p *Protector) recoverLocked(now time.Time, reason string) BreakerLevel {
	previous := p.level
	p.level = LevelNormal
	p.state = BreakerState{}
	p.affected = make(map[string]struct{})
	p.stabilityStart = time.Time{}
	p.recordEventLocked(BreakerEvent{
		Time:          now,
		Level:         LevelNormal,
		PreviousLevel: previous,
		Reason:        reason,
		Recovered:     true,
	})
	return previous
}

func (p *Protector) finishRecovery(previous BreakerLevel) {
	metrics.RecordBreakerLevel(int(LevelNormal))
	metrics.BreakerRecoveries.Inc()
	log.Info().Str("previousLevel", previous.String()).Msg("Circuit breaker recovered")
	if p.prm != nil {
		p.prm.ResumeTrading()
		p.prm.Emit("recovered", map[string]string{"previousLevel": previous.String()})
	}
}

// ManualTrigger raises the breaker directly, bypassing detection. It obeys
// the same monotone rule as detected anomalies.
func (p *Protector) ManualTrigger(ctx context.Context, level BreakerLevel, reason string) {
	now := p.clk.Now()
	p.mu.Lock()
	if level <= p.level {
		p.mu.Unlock()
		return
	}
	previous := p.level
	p.level = level
	p.state.TriggeredAt = now
	p.state.CooldownUntil = now.Add(p.cfg.CooldownDuration)
	p.state.Reason = reason
	p.stabilityStart = time.Time{}
	ev := BreakerEvent{Time: now, Level: level, PreviousLevel: previous, Reason: reason}
	p.recordEventLocked(ev)
	p.mu.Unlock()

	metrics.RecordBreakerLevel(int(level))
	p.executeBreakerActions(ctx, ev)
}

// ManualRecover resets the breaker to normal regardless of stability.
func (p *Protector) ManualRecover() {
	now := p.clk.Now()
	p.mu.Lock()
	if p.level == LevelNormal {
		p.mu.Unlock()
		return
	}
	previous := p.recoverLocked(now, "manual recovery")
	p.mu.Unlock()

	p.finishRecovery(previous)
}
