package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"binance"}, cfg.Exchanges)
	assert.Equal(t, "futures", cfg.TradingType)
	assert.Equal(t, []string{"BTC/USDT"}, cfg.Symbols)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "market_data", cfg.Redis.Channel)
	assert.Equal(t, int64(10000), cfg.Redis.StreamMaxLen)
	assert.Equal(t, time.Second, cfg.Aggregator.UpdateInterval)
	assert.Equal(t, 0.1, cfg.Aggregator.ArbitrageThreshold)
	assert.Equal(t, 0.35, cfg.Risk.EmergencyMarginRate)
	assert.Equal(t, 0.15, cfg.Risk.MaxWeeklyDrawdown)
	assert.Equal(t, -0.03, cfg.Risk.BTCCrashThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Risk.DeRiskCooldown)
	assert.Equal(t, 0.08, cfg.BlackSwan.Price5mL3Threshold)
	assert.Equal(t, 5*time.Minute, cfg.BlackSwan.CooldownDuration)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
exchanges: [binance, okx]
trading_type: spot
symbols: [BTC/USDT, ETH/USDT]
redis:
  addr: redis.internal:6379
risk:
  max_daily_drawdown: 0.10
  timezone: UTC
blackswan:
  cooldown_duration: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"binance", "okx"}, cfg.Exchanges)
	assert.Equal(t, "spot", cfg.TradingType)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 0.10, cfg.Risk.MaxDailyDrawdown)
	assert.Equal(t, 2*time.Minute, cfg.BlackSwan.CooldownDuration)

	// Untouched keys keep their defaults.
	assert.Equal(t, 0.35, cfg.Risk.EmergencyMarginRate)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCredentialEnvOverride(t *testing.T) {
	t.Setenv("MDRISK_BINANCE_API_KEY", "k-123")
	t.Setenv("MDRISK_BINANCE_API_SECRET", "s-456")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "k-123", cfg.Account.BinanceAPIKey)
	assert.Equal(t, "s-456", cfg.Account.BinanceAPISecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base(t)
	cfg.Exchanges = nil
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.TradingType = "margin"
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Reconnect.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Risk.EmergencyMarginRate = 0.6 // above the danger threshold
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Risk.EquityDrawdownAlertThreshold = 0.5 // above the warning threshold
	assert.Error(t, cfg.Validate())

	cfg = base(t)
	cfg.Risk.Timezone = "Not/AZone"
	assert.Error(t, cfg.Validate())
}

func TestRiskEngineConfigConversion(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Risk.Timezone = "UTC"

	riskCfg, err := cfg.RiskEngineConfig()
	require.NoError(t, err)
	assert.True(t, riskCfg.EmergencyMarginRate.Equal(decimal.NewFromFloat(0.35)))
	assert.True(t, riskCfg.BTCCrashThreshold.Equal(decimal.NewFromFloat(-0.03)))
	assert.Equal(t, time.UTC, riskCfg.Timezone)
	assert.Equal(t, 30*time.Minute, riskCfg.DeRiskCooldown)
}

func TestSessionConfigConversion(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Reconnect.MaxAttempts = 7
	cfg.Heartbeat.Enabled = false

	sessCfg := cfg.SessionConfig()
	assert.Equal(t, 7, sessCfg.MaxAttempts)
	assert.False(t, sessCfg.HeartbeatEnabled)
	assert.Equal(t, time.Second, sessCfg.BaseDelay)
}

func TestBlackSwanConfigConversion(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bsCfg := cfg.BlackSwanEngineConfig()
	assert.Equal(t, 0.03, bsCfg.Price1mL1Threshold)
	assert.Equal(t, 0.2, bsCfg.DepthRatioL3)
	assert.Equal(t, 60, bsCfg.StableMinSamples)
	assert.True(t, bsCfg.EnableAutoRecovery)
}
