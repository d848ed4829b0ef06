// Package risk runs the periodic account risk pipeline: margin rate, equity
// drawdown watermark, daily drawdown, BTC flash-crash, concentration, and
// liquidation proximity checks, dispatching actions through an executor
// collaborator and gating new orders synchronously.
package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"quantpipe-md-risk/internal/account"
)

// Level is the aggregate risk severity, ordered from calm to catastrophic.
type Level int

const (
	LevelSafe Level = iota
	LevelNormal
	LevelElevated
	LevelWarning
	LevelHigh
	LevelDanger
	LevelCritical
	LevelEmergency
)

var levelNames = map[Level]string{
	LevelSafe:      "SAFE",
	LevelNormal:    "NORMAL",
	LevelElevated:  "ELEVATED",
	LevelWarning:   "WARNING",
	LevelHigh:      "HIGH",
	LevelDanger:    "DANGER",
	LevelCritical:  "CRITICAL",
	LevelEmergency: "EMERGENCY",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// maxLevel returns the more severe of two levels.
func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// ActionType is the control action a check requests.
type ActionType string

const (
	ActionNone           ActionType = "none"
	ActionAlert          ActionType = "alert"
	ActionPauseTrading   ActionType = "pauseTrading"
	ActionReducePosition ActionType = "reducePosition"
	ActionEmergencyClose ActionType = "emergencyClose"
)

// CheckResult is the outcome of a single pipeline check.
type CheckResult struct {
	Check       string
	Action      ActionType
	Level       Level
	Reason      string
	ReduceRatio decimal.Decimal    // set for reducePosition
	Affected    []account.Position // positions the action applies to
}

// OrderSide is the direction of a gated order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// MarketOrder is the executor's order shape.
type MarketOrder struct {
	Symbol     string
	Side       OrderSide
	Amount     decimal.Decimal
	ReduceOnly bool
}

// Executor performs position-changing actions. It is an opaque collaborator;
// unavailability is recoverable but alerts a human.
type Executor interface {
	EmergencyCloseAll(ctx context.Context, reason string) error
	ExecuteMarketOrder(ctx context.Context, order MarketOrder) error
	ReduceAllPositions(ctx context.Context, ratio decimal.Decimal) error
}

// PortfolioRiskManager receives pause/resume signals and forwarded events.
type PortfolioRiskManager interface {
	PauseTrading(reason string)
	ResumeTrading()
	Emit(event string, payload interface{})
}

// Event is one risk engine output.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Risk event types.
const (
	EventAlert            = "alert"
	EventEmergencyClose   = "emergencyClose"
	EventPositionReduced  = "positionReduced"
	EventTradingPaused    = "tradingPaused"
	EventTradingResumed   = "tradingResumed"
	EventRiskLevelChanged = "riskLevelChanged"
)

// LevelChange is the payload of a riskLevelChanged event.
type LevelChange struct {
	Previous Level `json:"previous"`
	Current  Level `json:"current"`
}

// PortfolioState is the engine's snapshot of aggregate account state,
// recomputed each tick.
type PortfolioState struct {
	TotalEquity        decimal.Decimal `json:"totalEquity"`
	TotalPositionValue decimal.Decimal `json:"totalPositionValue"`
	PositionRatio      decimal.Decimal `json:"positionRatio"`
	PeakEquity         decimal.Decimal `json:"peakEquity"`
	CurrentDrawdown    decimal.Decimal `json:"currentDrawdown"`
	DailyStartEquity   decimal.Decimal `json:"dailyStartEquity"`
	DailyDrawdown      decimal.Decimal `json:"dailyDrawdown"`
	WeeklyStartEquity  decimal.Decimal `json:"weeklyStartEquity"`
	WeeklyDrawdown     decimal.Decimal `json:"weeklyDrawdown"`
	RiskLevel          Level           `json:"riskLevel"`
	TradingAllowed     bool            `json:"tradingAllowed"`
	PauseReason        string          `json:"pauseReason,omitempty"`
}

// OrderRequest is the input to the synchronous order gate.
type OrderRequest struct {
	StrategyID string
	Symbol     string
	Side       OrderSide
	Amount     decimal.Decimal
	Price      decimal.Decimal
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed            bool
	Reasons            []string
	Warnings           []string
	SuggestedReduction decimal.Decimal // zero unless set
}

// Config holds every risk threshold and cadence.
type Config struct {
	CheckInterval time.Duration

	EmergencyMarginRate decimal.Decimal
	DangerMarginRate    decimal.Decimal
	WarningMarginRate   decimal.Decimal

	MaxSinglePositionRatio decimal.Decimal
	PositionWarningRatio   decimal.Decimal
	MaxTotalPositionRatio  decimal.Decimal
	MaxSingleStrategyRatio decimal.Decimal

	MaxDailyDrawdown         decimal.Decimal
	MaxWeeklyDrawdown        decimal.Decimal
	DrawdownWarningThreshold decimal.Decimal

	EnableEquityDrawdownMonitor    bool
	MaxEquityDrawdown              decimal.Decimal
	EquityDrawdownDangerThreshold  decimal.Decimal
	EquityDrawdownWarningThreshold decimal.Decimal
	EquityDrawdownAlertThreshold   decimal.Decimal
	EquityDrawdownReduceRatio      decimal.Decimal

	BTCCrashThreshold  decimal.Decimal
	AltcoinReduceRatio decimal.Decimal
	BTCPriceWindow     time.Duration
	AltcoinSymbols     []string // allow-list; empty means every non-BTC position

	MaintenanceMarginRate decimal.Decimal
	LiquidationBuffer     decimal.Decimal

	DeRiskCooldown time.Duration
	Timezone       *time.Location // day/week boundary reference
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Second,

		EmergencyMarginRate: decimal.NewFromFloat(0.35),
		DangerMarginRate:    decimal.NewFromFloat(0.40),
		WarningMarginRate:   decimal.NewFromFloat(0.50),

		MaxSinglePositionRatio: decimal.NewFromFloat(0.15),
		PositionWarningRatio:   decimal.NewFromFloat(0.10),
		MaxTotalPositionRatio:  decimal.NewFromFloat(0.80),
		MaxSingleStrategyRatio: decimal.NewFromFloat(0.30),

		MaxDailyDrawdown:         decimal.NewFromFloat(0.08),
		MaxWeeklyDrawdown:        decimal.NewFromFloat(0.15),
		DrawdownWarningThreshold: decimal.NewFromFloat(0.05),

		EnableEquityDrawdownMonitor:    true,
		MaxEquityDrawdown:              decimal.NewFromFloat(0.20),
		EquityDrawdownDangerThreshold:  decimal.NewFromFloat(0.15),
		EquityDrawdownWarningThreshold: decimal.NewFromFloat(0.10),
		EquityDrawdownAlertThreshold:   decimal.NewFromFloat(0.05),
		EquityDrawdownReduceRatio:      decimal.NewFromFloat(0.30),

		BTCCrashThreshold:  decimal.NewFromFloat(-0.03),
		AltcoinReduceRatio: decimal.NewFromFloat(0.50),
		BTCPriceWindow:     5 * time.Minute,

		MaintenanceMarginRate: decimal.NewFromFloat(0.004),
		LiquidationBuffer:     decimal.NewFromFloat(0.05),

		DeRiskCooldown: 30 * time.Minute,
		Timezone:       time.Local,
	}
}
