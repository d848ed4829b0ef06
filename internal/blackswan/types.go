// Package blackswan watches the live price and order-book feed for
// intra-minute pathology and drives a multi-level circuit breaker with
// cooldown and stability-confirmed auto-recovery.
package blackswan

import (
	"time"
)

// BreakerLevel orders circuit-breaker severity. Transitions are monotone
// within an episode: a lower-level anomaly never downgrades the breaker.
type BreakerLevel int

const (
	LevelNormal BreakerLevel = iota
	LevelL1
	LevelL2
	LevelL3
	LevelEmergency
)

var breakerNames = map[BreakerLevel]string{
	LevelNormal:    "normal",
	LevelL1:        "L1",
	LevelL2:        "L2",
	LevelL3:        "L3",
	LevelEmergency: "emergency",
}

func (l BreakerLevel) String() string {
	if name, ok := breakerNames[l]; ok {
		return name
	}
	return "unknown"
}

// AnomalyType classifies what a detector saw.
type AnomalyType string

const (
	AnomalyFlashCrash      AnomalyType = "FLASH_CRASH"
	AnomalyFlashRally      AnomalyType = "FLASH_RALLY"
	AnomalyVolatilitySpike AnomalyType = "VOLATILITY_SPIKE"
	AnomalySpreadBlowout   AnomalyType = "SPREAD_BLOWOUT"
	AnomalyLiquidityCrisis AnomalyType = "LIQUIDITY_CRISIS"
)

// Anomaly is one detector hit.
type Anomaly struct {
	Type      AnomalyType  `json:"type"`
	Symbol    string       `json:"symbol"`
	Level     BreakerLevel `json:"level"`
	Value     float64      `json:"value"`
	Threshold float64      `json:"threshold"`
	Detail    string       `json:"detail"`
}

// BreakerState is the circuit breaker's public snapshot.
type BreakerState struct {
	Level           BreakerLevel `json:"level"`
	TriggeredAt     time.Time    `json:"triggeredAt"`
	CooldownUntil   time.Time    `json:"cooldownUntil"`
	Reason          string       `json:"reason"`
	EventType       AnomalyType  `json:"eventType"`
	AffectedSymbols []string     `json:"affectedSymbols"`
}

// BreakerEvent is one history entry: a trigger, escalation, or recovery.
type BreakerEvent struct {
	Time          time.Time    `json:"time"`
	Level         BreakerLevel `json:"level"`
	PreviousLevel BreakerLevel `json:"previousLevel"`
	Reason        string       `json:"reason"`
	EventType     AnomalyType  `json:"eventType,omitempty"`
	Recovered     bool         `json:"recovered"`
}

// Config holds the detector thresholds and breaker timing.
type Config struct {
	PriceHistoryLength int

	Price1mL1Threshold         float64 // |Δ| over 1m
	Price1mL2Threshold         float64
	Price5mL2Threshold         float64 // |Δ| over 5m
	Price5mL3Threshold         float64
	Price15mEmergencyThreshold float64 // |Δ| over 15m

	VolatilityWindow     int     // recent returns in the current stdev
	VolatilityRatio      float64 // current/historical stdev trigger
	VolatilityMinSamples int     // returns required before the detector runs

	SpreadRatioL1    float64 // spread / baseline
	SpreadRatioL3    float64
	MaxSpreadPercent float64 // absolute spread percent

	DepthRatioL1 float64 // current / baseline, either side
	DepthRatioL3 float64

	PartialReduceL1 float64
	PartialReduceL2 float64

	EnableAutoRecovery       bool
	EnableAutoEmergencyClose bool

	CooldownDuration      time.Duration
	RecoveryInterval      time.Duration
	StabilityDuration     time.Duration
	StableMinSamples      int
	StabilityVolThreshold float64 // relative stdev of recent prices
}

// DefaultConfig returns the production detector table.
func DefaultConfig() Config {
	return Config{
		PriceHistoryLength: 1000,

		Price1mL1Threshold:         0.03,
		Price1mL2Threshold:         0.05,
		Price5mL2Threshold:         0.05,
		Price5mL3Threshold:         0.08,
		Price15mEmergencyThreshold: 0.15,

		VolatilityWindow:     60,
		VolatilityRatio:      3.0,
		VolatilityMinSamples: 120,

		SpreadRatioL1:    3.0,
		SpreadRatioL3:    5.0,
		MaxSpreadPercent: 1.0,

		DepthRatioL1: 0.5,
		DepthRatioL3: 0.2,

		PartialReduceL1: 0.25,
		PartialReduceL2: 0.50,

		EnableAutoRecovery:       true,
		EnableAutoEmergencyClose: true,

		CooldownDuration:      5 * time.Minute,
		RecoveryInterval:      10 * time.Second,
		StabilityDuration:     time.Minute,
		StableMinSamples:      60,
		StabilityVolThreshold: 0.005,
	}
}
