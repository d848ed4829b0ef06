package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DrawdownSeverity classifies an equity drawdown against the staircase
// thresholds.
type DrawdownSeverity int

const (
	DrawdownNone DrawdownSeverity = iota
	DrawdownAlert
	DrawdownWarning
	DrawdownDanger
	DrawdownEmergency
)

// TriggerCounts tallies how often each severity has fired.
type TriggerCounts struct {
	Alert     int `json:"alert"`
	Warning   int `json:"warning"`
	Danger    int `json:"danger"`
	Emergency int `json:"emergency"`
}

// EquityDrawdownState tracks the all-time-high watermark. The watermark only
// increases; reaching a new high resets the drawdown to zero. It persists
// across day and week boundaries.
type EquityDrawdownState struct {
	AllTimeHighEquity     decimal.Decimal `json:"allTimeHighEquity"`
	AllTimeHighTime       time.Time       `json:"allTimeHighTime"`
	CurrentDrawdown       decimal.Decimal `json:"currentDrawdown"`
	CurrentDrawdownAmount decimal.Decimal `json:"currentDrawdownAmount"`
	MaxDrawdown           decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownTime       time.Time       `json:"maxDrawdownTime"`
	TriggerCounts         TriggerCounts   `json:"triggerCounts"`
}

// DrawdownMonitor owns the watermark state. Updates run on the risk tick;
// State may be read from any goroutine.
type DrawdownMonitor struct {
	mu    sync.Mutex
	cfg   Config
	state EquityDrawdownState
	last  DrawdownSeverity
}

// NewDrawdownMonitor creates a monitor with an empty watermark.
func NewDrawdownMonitor(cfg Config) *DrawdownMonitor {
	return &DrawdownMonitor{cfg: cfg}
}

// State returns a copy of the watermark state.
func (m *DrawdownMonitor) State() EquityDrawdownState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Update folds a new equity observation into the watermark and returns the
// resulting severity. A severity increase bumps the matching trigger count.
func (m *DrawdownMonitor) Update(equity decimal.Decimal, now time.Time) DrawdownSeverity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if equity.GreaterThan(m.state.AllTimeHighEquity) {
		m.state.AllTimeHighEquity = equity
		m.state.AllTimeHighTime = now
		m.state.CurrentDrawdown = decimal.Zero
		m.state.CurrentDrawdownAmount = decimal.Zero
		m.last = DrawdownNone
		return DrawdownNone
	}
	if m.state.AllTimeHighEquity.IsZero() {
		return DrawdownNone
	}

	amount := m.state.AllTimeHighEquity.Sub(equity)
	drawdown := amount.Div(m.state.AllTimeHighEquity)
	m.state.CurrentDrawdown = drawdown
	m.state.CurrentDrawdownAmount = amount
	if drawdown.GreaterThan(m.state.MaxDrawdown) {
		m.state.MaxDrawdown = drawdown
		m.state.MaxDrawdownTime = now
	}

	severity := m.classify(drawdown)
	if severity > m.last {
		switch severity {
		case DrawdownAlert:
			m.state.TriggerCounts.Alert++
		case DrawdownWarning:
			m.state.TriggerCounts.Warning++
		case DrawdownDanger:
			m.state.TriggerCounts.Danger++
		case DrawdownEmergency:
			m.state.TriggerCounts.Emergency++
		}
	}
	m.last = severity
	return severity
}

func (m *DrawdownMonitor) classify(drawdown decimal.Decimal) DrawdownSeverity {
	switch {
	case drawdown.GreaterThanOrEqual(m.cfg.MaxEquityDrawdown):
		return DrawdownEmergency
	case drawdown.GreaterThanOrEqual(m.cfg.EquityDrawdownDangerThreshold):
		return DrawdownDanger
	case drawdown.GreaterThanOrEqual(m.cfg.EquityDrawdownWarningThreshold):
		return DrawdownWarning
	case drawdown.GreaterThanOrEqual(m.cfg.EquityDrawdownAlertThreshold):
		return DrawdownAlert
	default:
		return DrawdownNone
	}
}
