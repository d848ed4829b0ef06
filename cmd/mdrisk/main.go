package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"quantpipe-md-risk/internal/account"
	"quantpipe-md-risk/internal/adapter"
	"quantpipe-md-risk/internal/aggregator"
	"quantpipe-md-risk/internal/blackswan"
	"quantpipe-md-risk/internal/cache"
	"quantpipe-md-risk/internal/clock"
	"quantpipe-md-risk/internal/config"
	"quantpipe-md-risk/internal/engine"
	"quantpipe-md-risk/internal/market"
	"quantpipe-md-risk/internal/metrics"
	"quantpipe-md-risk/internal/publisher"
	"quantpipe-md-risk/internal/risk"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	setupLogging(cfg.Logging)

	log.Info().
		Strs("exchanges", cfg.Exchanges).
		Str("tradingType", cfg.TradingType).
		Strs("symbols", cfg.Symbols).
		Str("redis", cfg.Redis.Addr).
		Str("metrics", cfg.Metrics.Addr).
		Msg("Starting market data and risk service")

	// Metrics server
	metricsServer := metrics.NewServer(cfg.Metrics.Addr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Redis publisher
	pub, err := publisher.NewRedisPublisher(publisher.Options{
		Addr:         cfg.Redis.Addr,
		Channel:      cfg.Redis.Channel,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
		TrimExact:    cfg.Redis.TrimExact,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Redis publisher")
	}
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Market data: shared cache, one engine per exchange, aggregator on top.
	marketCache := cache.New()
	agg := aggregator.New(marketCache, aggregator.Options{
		Interval:     cfg.Aggregator.UpdateInterval,
		MinSpreadPct: arbitrageThreshold(cfg),
		Publisher:    pub,
	})

	tradingType := adapter.TradingType(cfg.TradingType)
	var engines []*engine.Engine
	for _, name := range cfg.Exchanges {
		a := buildAdapter(name, tradingType)
		if a == nil {
			log.Warn().Str("exchange", name).Msg("Unknown exchange, skipping")
			continue
		}
		eng, err := engine.New(a, marketCache, pub, cfg.SessionConfig())
		if err != nil {
			log.Fatal().Err(err).Str("exchange", name).Msg("Failed to create engine")
		}
		if err := agg.AddExchange(eng); err != nil {
			log.Fatal().Err(err).Str("exchange", name).Msg("Failed to register engine")
		}
		engines = append(engines, eng)
	}
	if len(engines) == 0 {
		log.Fatal().Msg("No exchange engines configured")
	}

	// Account, risk, black swan.
	refresher := account.NewRefresher(account.RefresherConfig{
		MarginRefreshInterval: cfg.Account.MarginRefreshInterval,
		PriceRefreshInterval:  cfg.Account.PriceRefreshInterval,
	}, clock.Real{})
	if cfg.Account.BinanceAPIKey != "" {
		refresher.Register(account.NewBinanceFutures(cfg.Account.BinanceBaseURL, account.BinanceCredentials{
			APIKey:    cfg.Account.BinanceAPIKey,
			APISecret: cfg.Account.BinanceAPISecret,
		}))
		log.Info().Msg("Registered Binance futures account client")
	} else {
		log.Warn().Msg("No account credentials configured, risk engine runs without balances")
	}

	riskCfg, err := cfg.RiskEngineConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid risk config")
	}
	bridge := &riskBridge{pub: pub}
	riskEngine := risk.NewEngine(riskCfg, refresher, nil, bridge)
	protector := blackswan.New(cfg.BlackSwanEngineConfig(), nil, bridge)

	// Start everything, then subscribe the configured streams.
	for _, eng := range engines {
		feedProtector(ctx, eng, protector)
		if err := eng.Start(ctx); err != nil {
			log.Error().Err(err).Str("exchange", eng.Exchange()).Msg("Engine start failed")
		}
	}
	if cfg.Aggregator.Enabled {
		if err := agg.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Aggregator start failed")
		}
	}
	refresher.Start(ctx)
	riskEngine.Start(ctx)
	protector.Start(ctx)

	for _, symbol := range cfg.Symbols {
		for _, dt := range []market.DataType{
			market.DataTypeTicker, market.DataTypeDepth,
			market.DataTypeTrade, market.DataTypeFunding,
		} {
			agg.Subscribe(symbol, dt)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	protector.Stop()
	riskEngine.Stop()
	refresher.Stop()
	agg.Stop()
	cancel()
	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func buildAdapter(name string, tradingType adapter.TradingType) adapter.Adapter {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "binance":
		return adapter.NewBinanceAdapter(tradingType)
	case "bybit":
		return adapter.NewBybitAdapter(tradingType)
	case "okx":
		return adapter.NewOKXAdapter(tradingType)
	case "deribit":
		return adapter.NewDeribitAdapter(false)
	case "deribit-testnet":
		return adapter.NewDeribitAdapter(true)
	default:
		return nil
	}
}

func arbitrageThreshold(cfg *config.Config) float64 {
	if !cfg.Aggregator.EnableArbitrageDetection {
		// An unreachable threshold disables opportunity emission while the
		// best-price and spread indices keep updating.
		return 1e9
	}
	return cfg.Aggregator.ArbitrageThreshold
}

// feedProtector forwards live tickers and depth snapshots from one engine
// into the black swan detectors.
func feedProtector(ctx context.Context, eng *engine.Engine, protector *blackswan.Protector) {
	events := eng.Events()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case market.DataTypeTicker:
					if ev.Ticker != nil && ev.Ticker.Last > 0 {
						protector.UpdatePrice(ctx, ev.Symbol, ev.Ticker.Last, nil)
					}
				case market.DataTypeDepth:
					if ev.Depth != nil && len(ev.Depth.Bids) > 0 && len(ev.Depth.Asks) > 0 {
						mid := (ev.Depth.Bids[0].Price + ev.Depth.Asks[0].Price) / 2
						protector.UpdatePrice(ctx, ev.Symbol, mid, ev.Depth)
					}
				}
			}
		}
	}()
}

// riskBridge adapts the pause/resume and event surface onto logging and the
// Redis fan-out channel. A real deployment points this at the strategy
// layer's portfolio manager.
type riskBridge struct {
	pub *publisher.RedisPublisher
}

func (b *riskBridge) PauseTrading(reason string) {
	log.Warn().Str("reason", reason).Msg("Portfolio trading paused")
	b.Emit("tradingPaused", map[string]string{"reason": reason})
}

func (b *riskBridge) ResumeTrading() {
	log.Info().Msg("Portfolio trading resumed")
	b.Emit("tradingResumed", nil)
}

func (b *riskBridge) Emit(event string, payload interface{}) {
	if b.pub != nil {
		b.pub.PublishAggregate(context.Background(), "risk:"+event, payload)
	}
}
