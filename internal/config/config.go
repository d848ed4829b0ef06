// Package config defines service configuration, loaded from a YAML file
// with MDRISK_* environment overrides and sensible production defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"quantpipe-md-risk/internal/blackswan"
	"quantpipe-md-risk/internal/risk"
	"quantpipe-md-risk/internal/session"
)

// Config is the top-level configuration, mapped from the YAML file.
type Config struct {
	Exchanges   []string         `mapstructure:"exchanges"`
	TradingType string           `mapstructure:"trading_type"`
	Symbols     []string         `mapstructure:"symbols"`
	Reconnect   ReconnectConfig  `mapstructure:"reconnect"`
	Heartbeat   HeartbeatConfig  `mapstructure:"heartbeat"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Aggregator  AggregatorConfig `mapstructure:"aggregator"`
	Account     AccountConfig    `mapstructure:"account"`
	Risk        RiskConfig       `mapstructure:"risk"`
	BlackSwan   BlackSwanConfig  `mapstructure:"blackswan"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// ReconnectConfig tunes the session backoff policy.
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// HeartbeatConfig tunes the keep-alive ticker.
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig locates the cache and sets the stream bounds.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Channel      string `mapstructure:"channel"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
	TrimExact    bool   `mapstructure:"trim_exact"`
}

// AggregatorConfig tunes cross-exchange aggregation.
type AggregatorConfig struct {
	Enabled                  bool          `mapstructure:"enabled"`
	UpdateInterval           time.Duration `mapstructure:"update_interval"`
	EnableArbitrageDetection bool          `mapstructure:"enable_arbitrage_detection"`
	ArbitrageThreshold       float64       `mapstructure:"arbitrage_threshold"` // percent
}

// AccountConfig holds REST credentials and polling cadences.
// Credentials override via MDRISK_BINANCE_API_KEY / MDRISK_BINANCE_API_SECRET.
type AccountConfig struct {
	BinanceAPIKey         string        `mapstructure:"binance_api_key"`
	BinanceAPISecret      string        `mapstructure:"binance_api_secret"`
	BinanceBaseURL        string        `mapstructure:"binance_base_url"`
	MarginRefreshInterval time.Duration `mapstructure:"margin_refresh_interval"`
	PriceRefreshInterval  time.Duration `mapstructure:"price_refresh_interval"`
}

// RiskConfig carries every risk-engine threshold as plain numbers; Build
// converts them to decimals.
type RiskConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`

	EmergencyMarginRate float64 `mapstructure:"emergency_margin_rate"`
	DangerMarginRate    float64 `mapstructure:"danger_margin_rate"`
	WarningMarginRate   float64 `mapstructure:"warning_margin_rate"`

	MaxSinglePositionRatio float64 `mapstructure:"max_single_position_ratio"`
	PositionWarningRatio   float64 `mapstructure:"position_warning_ratio"`
	MaxTotalPositionRatio  float64 `mapstructure:"max_total_position_ratio"`
	MaxSingleStrategyRatio float64 `mapstructure:"max_single_strategy_ratio"`

	MaxDailyDrawdown         float64 `mapstructure:"max_daily_drawdown"`
	MaxWeeklyDrawdown        float64 `mapstructure:"max_weekly_drawdown"`
	DrawdownWarningThreshold float64 `mapstructure:"drawdown_warning_threshold"`

	EnableEquityDrawdownMonitor    bool    `mapstructure:"enable_equity_drawdown_monitor"`
	MaxEquityDrawdown              float64 `mapstructure:"max_equity_drawdown"`
	EquityDrawdownDangerThreshold  float64 `mapstructure:"equity_drawdown_danger_threshold"`
	EquityDrawdownWarningThreshold float64 `mapstructure:"equity_drawdown_warning_threshold"`
	EquityDrawdownAlertThreshold   float64 `mapstructure:"equity_drawdown_alert_threshold"`
	EquityDrawdownReduceRatio      float64 `mapstructure:"equity_drawdown_reduce_ratio"`

	BTCCrashThreshold  float64       `mapstructure:"btc_crash_threshold"`
	AltcoinReduceRatio float64       `mapstructure:"altcoin_reduce_ratio"`
	BTCPriceWindow     time.Duration `mapstructure:"btc_price_window"`
	AltcoinSymbols     []string      `mapstructure:"altcoin_symbols"`

	MaintenanceMarginRate float64 `mapstructure:"maintenance_margin_rate"`
	LiquidationBuffer     float64 `mapstructure:"liquidation_buffer"`

	DeRiskCooldown time.Duration `mapstructure:"derisk_cooldown"`
	Timezone       string        `mapstructure:"timezone"` // IANA name; empty means local
}

// BlackSwanConfig carries the circuit-breaker detector table.
type BlackSwanConfig struct {
	PriceHistoryLength int `mapstructure:"price_history_length"`

	Price1mL1Threshold         float64 `mapstructure:"price_1m_l1_threshold"`
	Price1mL2Threshold         float64 `mapstructure:"price_1m_l2_threshold"`
	Price5mL2Threshold         float64 `mapstructure:"price_5m_l2_threshold"`
	Price5mL3Threshold         float64 `mapstructure:"price_5m_l3_threshold"`
	Price15mEmergencyThreshold float64 `mapstructure:"price_15m_emergency_threshold"`

	VolatilityWindow     int     `mapstructure:"volatility_window"`
	VolatilityRatio      float64 `mapstructure:"volatility_ratio"`
	VolatilityMinSamples int     `mapstructure:"volatility_min_samples"`

	SpreadRatioL1    float64 `mapstructure:"spread_ratio_l1"`
	SpreadRatioL3    float64 `mapstructure:"spread_ratio_l3"`
	MaxSpreadPercent float64 `mapstructure:"max_spread_percent"`

	DepthRatioL1 float64 `mapstructure:"depth_ratio_l1"`
	DepthRatioL3 float64 `mapstructure:"depth_ratio_l3"`

	PartialReduceL1 float64 `mapstructure:"partial_reduce_l1"`
	PartialReduceL2 float64 `mapstructure:"partial_reduce_l2"`

	EnableAutoRecovery       bool `mapstructure:"enable_auto_recovery"`
	EnableAutoEmergencyClose bool `mapstructure:"enable_auto_emergency_close"`

	CooldownDuration      time.Duration `mapstructure:"cooldown_duration"`
	RecoveryInterval      time.Duration `mapstructure:"recovery_interval"`
	StabilityDuration     time.Duration `mapstructure:"stability_duration"`
	StableMinSamples      int           `mapstructure:"stable_min_samples"`
	StabilityVolThreshold float64       `mapstructure:"stability_vol_threshold"`
}

// MetricsConfig locates the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig tunes zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchanges", []string{"binance"})
	v.SetDefault("trading_type", "futures")
	v.SetDefault("symbols", []string{"BTC/USDT"})

	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", 20*time.Second)
	v.SetDefault("heartbeat.timeout", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "market_data")
	v.SetDefault("redis.stream_max_len", 10000)
	v.SetDefault("redis.trim_exact", false)

	v.SetDefault("aggregator.enabled", true)
	v.SetDefault("aggregator.update_interval", time.Second)
	v.SetDefault("aggregator.enable_arbitrage_detection", true)
	v.SetDefault("aggregator.arbitrage_threshold", 0.1)

	v.SetDefault("account.margin_refresh_interval", 5*time.Second)
	v.SetDefault("account.price_refresh_interval", time.Second)

	v.SetDefault("risk.check_interval", time.Second)
	v.SetDefault("risk.emergency_margin_rate", 0.35)
	v.SetDefault("risk.danger_margin_rate", 0.40)
	v.SetDefault("risk.warning_margin_rate", 0.50)
	v.SetDefault("risk.max_single_position_ratio", 0.15)
	v.SetDefault("risk.position_warning_ratio", 0.10)
	v.SetDefault("risk.max_total_position_ratio", 0.80)
	v.SetDefault("risk.max_single_strategy_ratio", 0.30)
	v.SetDefault("risk.max_daily_drawdown", 0.08)
	v.SetDefault("risk.max_weekly_drawdown", 0.15)
	v.SetDefault("risk.drawdown_warning_threshold", 0.05)
	v.SetDefault("risk.enable_equity_drawdown_monitor", true)
	v.SetDefault("risk.max_equity_drawdown", 0.20)
	v.SetDefault("risk.equity_drawdown_danger_threshold", 0.15)
	v.SetDefault("risk.equity_drawdown_warning_threshold", 0.10)
	v.SetDefault("risk.equity_drawdown_alert_threshold", 0.05)
	v.SetDefault("risk.equity_drawdown_reduce_ratio", 0.30)
	v.SetDefault("risk.btc_crash_threshold", -0.03)
	v.SetDefault("risk.altcoin_reduce_ratio", 0.50)
	v.SetDefault("risk.btc_price_window", 5*time.Minute)
	v.SetDefault("risk.maintenance_margin_rate", 0.004)
	v.SetDefault("risk.liquidation_buffer", 0.05)
	v.SetDefault("risk.derisk_cooldown", 30*time.Minute)

	v.SetDefault("blackswan.price_history_length", 1000)
	v.SetDefault("blackswan.price_1m_l1_threshold", 0.03)
	v.SetDefault("blackswan.price_1m_l2_threshold", 0.05)
	v.SetDefault("blackswan.price_5m_l2_threshold", 0.05)
	v.SetDefault("blackswan.price_5m_l3_threshold", 0.08)
	v.SetDefault("blackswan.price_15m_emergency_threshold", 0.15)
	v.SetDefault("blackswan.volatility_window", 60)
	v.SetDefault("blackswan.volatility_ratio", 3.0)
	v.SetDefault("blackswan.volatility_min_samples", 120)
	v.SetDefault("blackswan.spread_ratio_l1", 3.0)
	v.SetDefault("blackswan.spread_ratio_l3", 5.0)
	v.SetDefault("blackswan.max_spread_percent", 1.0)
	v.SetDefault("blackswan.depth_ratio_l1", 0.5)
	v.SetDefault("blackswan.depth_ratio_l3", 0.2)
	v.SetDefault("blackswan.partial_reduce_l1", 0.25)
	v.SetDefault("blackswan.partial_reduce_l2", 0.50)
	v.SetDefault("blackswan.enable_auto_recovery", true)
	v.SetDefault("blackswan.enable_auto_emergency_close", true)
	v.SetDefault("blackswan.cooldown_duration", 5*time.Minute)
	v.SetDefault("blackswan.recovery_interval", 10*time.Second)
	v.SetDefault("blackswan.stability_duration", time.Minute)
	v.SetDefault("blackswan.stable_min_samples", 60)
	v.SetDefault("blackswan.stability_vol_threshold", 0.005)

	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads config from an optional YAML file with env overrides. A missing
// file is fine; defaults cover everything but credentials.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MDRISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MDRISK_BINANCE_API_KEY"); key != "" {
		cfg.Account.BinanceAPIKey = key
	}
	if secret := os.Getenv("MDRISK_BINANCE_API_SECRET"); secret != "" {
		cfg.Account.BinanceAPISecret = secret
	}
	return &cfg, nil
}

// Validate checks value ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("exchanges must not be empty")
	}
	switch c.TradingType {
	case "spot", "futures":
	default:
		return fmt.Errorf("trading_type must be spot or futures, got %q", c.TradingType)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0")
	}
	if c.Risk.EmergencyMarginRate >= c.Risk.DangerMarginRate ||
		c.Risk.DangerMarginRate >= c.Risk.WarningMarginRate {
		return fmt.Errorf("margin rate thresholds must be ordered emergency < danger < warning")
	}
	if c.Risk.MaxEquityDrawdown <= c.Risk.EquityDrawdownDangerThreshold ||
		c.Risk.EquityDrawdownDangerThreshold <= c.Risk.EquityDrawdownWarningThreshold ||
		c.Risk.EquityDrawdownWarningThreshold <= c.Risk.EquityDrawdownAlertThreshold {
		return fmt.Errorf("equity drawdown thresholds must be strictly increasing")
	}
	if c.Risk.Timezone != "" {
		if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
			return fmt.Errorf("risk.timezone: %w", err)
		}
	}
	return nil
}

// SessionConfig builds the per-session transport settings.
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ReconnectEnabled = c.Reconnect.Enabled
	cfg.MaxAttempts = c.Reconnect.MaxAttempts
	cfg.BaseDelay = c.Reconnect.BaseDelay
	cfg.MaxDelay = c.Reconnect.MaxDelay
	cfg.HeartbeatEnabled = c.Heartbeat.Enabled
	cfg.HeartbeatInterval = c.Heartbeat.Interval
	cfg.HeartbeatTimeout = c.Heartbeat.Timeout
	return cfg
}

// RiskEngineConfig converts the plain thresholds into the decimal config the
// risk engine consumes.
func (c *Config) RiskEngineConfig() (risk.Config, error) {
	cfg := risk.DefaultConfig()
	r := c.Risk

	cfg.CheckInterval = r.CheckInterval
	cfg.EmergencyMarginRate = decimal.NewFromFloat(r.EmergencyMarginRate)
	cfg.DangerMarginRate = decimal.NewFromFloat(r.DangerMarginRate)
	cfg.WarningMarginRate = decimal.NewFromFloat(r.WarningMarginRate)
	cfg.MaxSinglePositionRatio = decimal.NewFromFloat(r.MaxSinglePositionRatio)
	cfg.PositionWarningRatio = decimal.NewFromFloat(r.PositionWarningRatio)
	cfg.MaxTotalPositionRatio = decimal.NewFromFloat(r.MaxTotalPositionRatio)
	cfg.MaxSingleStrategyRatio = decimal.NewFromFloat(r.MaxSingleStrategyRatio)
	cfg.MaxDailyDrawdown = decimal.NewFromFloat(r.MaxDailyDrawdown)
	cfg.MaxWeeklyDrawdown = decimal.NewFromFloat(r.MaxWeeklyDrawdown)
	cfg.DrawdownWarningThreshold = decimal.NewFromFloat(r.DrawdownWarningThreshold)
	cfg.EnableEquityDrawdownMonitor = r.EnableEquityDrawdownMonitor
	cfg.MaxEquityDrawdown = decimal.NewFromFloat(r.MaxEquityDrawdown)
	cfg.EquityDrawdownDangerThreshold = decimal.NewFromFloat(r.EquityDrawdownDangerThreshold)
	cfg.EquityDrawdownWarningThreshold = decimal.NewFromFloat(r.EquityDrawdownWarningThreshold)
	cfg.EquityDrawdownAlertThreshold = decimal.NewFromFloat(r.EquityDrawdownAlertThreshold)
	cfg.EquityDrawdownReduceRatio = decimal.NewFromFloat(r.EquityDrawdownReduceRatio)
	cfg.BTCCrashThreshold = decimal.NewFromFloat(r.BTCCrashThreshold)
	cfg.AltcoinReduceRatio = decimal.NewFromFloat(r.AltcoinReduceRatio)
	cfg.BTCPriceWindow = r.BTCPriceWindow
	cfg.AltcoinSymbols = r.AltcoinSymbols
	cfg.MaintenanceMarginRate = decimal.NewFromFloat(r.MaintenanceMarginRate)
	cfg.LiquidationBuffer = decimal.NewFromFloat(r.LiquidationBuffer)
	cfg.DeRiskCooldown = r.DeRiskCooldown

	cfg.Timezone = time.Local
	if r.Timezone != "" {
		loc, err := time.LoadLocation(r.Timezone)
		if err != nil {
			return cfg, fmt.Errorf("risk.timezone: %w", err)
		}
		cfg.Timezone = loc
	}
	return cfg, nil
}

// BlackSwanEngineConfig converts the detector table.
func (c *Config) BlackSwanEngineConfig() blackswan.Config {
	b := c.BlackSwan
	return blackswan.Config{
		PriceHistoryLength:         b.PriceHistoryLength,
		Price1mL1Threshold:         b.Price1mL1Threshold,
		Price1mL2Threshold:         b.Price1mL2Threshold,
		Price5mL2Threshold:         b.Price5mL2Threshold,
		Price5mL3Threshold:         b.Price5mL3Threshold,
		Price15mEmergencyThreshold: b.Price15mEmergencyThreshold,
		VolatilityWindow:           b.VolatilityWindow,
		VolatilityRatio:            b.VolatilityRatio,
		VolatilityMinSamples:       b.VolatilityMinSamples,
		SpreadRatioL1:              b.SpreadRatioL1,
		SpreadRatioL3:              b.SpreadRatioL3,
		MaxSpreadPercent:           b.MaxSpreadPercent,
		DepthRatioL1:               b.DepthRatioL1,
		DepthRatioL3:               b.DepthRatioL3,
		PartialReduceL1:            b.PartialReduceL1,
		PartialReduceL2:            b.PartialReduceL2,
		EnableAutoRecovery:         b.EnableAutoRecovery,
		EnableAutoEmergencyClose:   b.EnableAutoEmergencyClose,
		CooldownDuration:           b.CooldownDuration,
		RecoveryInterval:           b.RecoveryInterval,
		StabilityDuration:          b.StabilityDuration,
		StableMinSamples:           b.StableMinSamples,
		StabilityVolThreshold:      b.StabilityVolThreshold,
	}
}
