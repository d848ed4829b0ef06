// Package metrics exposes Prometheus instrumentation for the market data
// pipeline and the risk engine, plus the /metrics HTTP server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// Ingestion metrics
	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_events_decoded_total",
			Help: "Total normalized events decoded from exchange frames",
		},
		[]string{"exchange", "type"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_decode_errors_total",
			Help: "Total frames dropped due to decode failures",
		},
		[]string{"exchange"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// Publish metrics
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_publish_duration_seconds",
			Help:    "Time to write an event to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"type"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"type"},
	)

	// Aggregation metrics
	BestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_best_bid",
			Help: "Highest bid across all venues",
		},
		[]string{"symbol", "exchange"},
	)

	BestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_best_ask",
			Help: "Lowest ask across all venues",
		},
		[]string{"symbol", "exchange"},
	)

	CrossSpreadPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_cross_spread_percent",
			Help: "Cross-venue spread percent (highest bid vs lowest ask)",
		},
		[]string{"symbol"},
	)

	ArbitrageOpportunities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_arbitrage_opportunities_total",
			Help: "Arbitrage opportunities above the configured threshold",
		},
		[]string{"symbol"},
	)

	// Risk metrics
	RiskLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_level",
			Help: "Aggregate portfolio risk level ordinal",
		},
	)

	RiskActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_actions_total",
			Help: "Risk actions dispatched by type",
		},
		[]string{"action"},
	)

	RiskCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "risk_check_duration_seconds",
			Help:    "Duration of one full risk evaluation tick",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5},
		},
	)

	EquityDrawdown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_equity_drawdown",
			Help: "Current drawdown from the all-time-high equity watermark",
		},
	)

	// Black-swan metrics
	BreakerLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blackswan_breaker_level",
			Help: "Circuit breaker level ordinal (0=normal)",
		},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blackswan_anomalies_total",
			Help: "Anomalies detected by type",
		},
		[]string{"type"},
	)

	BreakerRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blackswan_recoveries_total",
			Help: "Circuit breaker recoveries to normal",
		},
	)
)

// Timer measures an operation duration against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Observe records the elapsed time to an unlabeled histogram.
func (t *Timer) Observe(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// RecordEvent counts one decoded event.
func RecordEvent(exchange, eventType string) {
	EventsDecoded.WithLabelValues(exchange, eventType).Inc()
}

// RecordDecodeError counts one dropped frame.
func RecordDecodeError(exchange string) {
	DecodeErrors.WithLabelValues(exchange).Inc()
}

// RecordConnectionStatus records connection status.
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect counts a reconnection attempt.
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError counts a connection error by type.
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordPublishError counts a failed Redis write by event type.
func RecordPublishError(eventType string) {
	PublishErrors.WithLabelValues(eventType).Inc()
}

// RecordBestPrice records the best bid/ask for a symbol after an
// aggregation tick.
func RecordBestPrice(symbol, bidExchange string, bid float64, askExchange string, ask float64) {
	BestBid.WithLabelValues(symbol, bidExchange).Set(bid)
	BestAsk.WithLabelValues(symbol, askExchange).Set(ask)
}

// RecordCrossSpread records the cross-venue spread percent.
func RecordCrossSpread(symbol string, spreadPercent float64) {
	CrossSpreadPercent.WithLabelValues(symbol).Set(spreadPercent)
}

// RecordArbitrage counts an emitted arbitrage opportunity.
func RecordArbitrage(symbol string) {
	ArbitrageOpportunities.WithLabelValues(symbol).Inc()
}

// RecordRiskLevel records the aggregate risk level ordinal.
func RecordRiskLevel(ordinal int) {
	RiskLevel.Set(float64(ordinal))
}

// RecordRiskAction counts a dispatched risk action.
func RecordRiskAction(action string) {
	RiskActions.WithLabelValues(action).Inc()
}

// RecordEquityDrawdown records the current ATH drawdown fraction.
func RecordEquityDrawdown(drawdown float64) {
	EquityDrawdown.Set(drawdown)
}

// RecordBreakerLevel records the circuit breaker level ordinal.
func RecordBreakerLevel(ordinal int) {
	BreakerLevel.Set(float64(ordinal))
}

// RecordAnomaly counts a detected anomaly by type.
func RecordAnomaly(anomalyType string) {
	AnomaliesDetected.WithLabelValues(anomalyType).Inc()
}

// Server serves Prometheus metrics and a health probe.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}
