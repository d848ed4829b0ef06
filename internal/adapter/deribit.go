package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"quantpipe-md-risk/internal/market"
)

// Deribit JSON-RPC 2.0 WebSocket endpoints
const (
	deribitProdWSURL = "wss://www.deribit.com/ws/api/v2"
	deribitTestWSURL = "wss://test.deribit.com/ws/api/v2"
)

// DeribitAdapter speaks the Deribit JSON-RPC 2.0 protocol. Instruments are
// BASE-PERPETUAL (or dated futures); the canonical quote is always USD.
type DeribitAdapter struct {
	testnet bool
	reqID   atomic.Int64
}

// NewDeribitAdapter creates a Deribit adapter. testnet selects the test
// endpoint.
func NewDeribitAdapter(testnet bool) *DeribitAdapter {
	return &DeribitAdapter{testnet: testnet}
}

func (a *DeribitAdapter) Name() string { return "deribit" }

func (a *DeribitAdapter) WSURL() string {
	if a.testnet {
		return deribitTestWSURL
	}
	return deribitProdWSURL
}

// ToNative maps BTC/USD -> BTC-PERPETUAL.
func (a *DeribitAdapter) ToNative(symbol string) string {
	base := market.Base(symbol)
	return strings.ToUpper(base) + "-PERPETUAL"
}

// FromNative maps any Deribit instrument back to BASE/USD:
// BTC-PERPETUAL -> BTC/USD, BTC-28MAR25 -> BTC/USD.
func (a *DeribitAdapter) FromNative(native string) string {
	upper := strings.ToUpper(native)
	if i := strings.IndexByte(upper, '-'); i > 0 {
		upper = upper[:i]
	}
	return market.Join(upper, "USD")
}

func (a *DeribitAdapter) channel(symbol string, dt market.DataType) (string, error) {
	inst := a.ToNative(symbol)
	switch dt {
	case market.DataTypeTicker:
		return "ticker." + inst + ".100ms", nil
	case market.DataTypeDepth:
		return "book." + inst + ".none.10.100ms", nil
	case market.DataTypeTrade:
		return "trades." + inst + ".100ms", nil
	case market.DataTypeFunding:
		return "perpetual." + inst + ".100ms", nil
	case market.DataTypeKline:
		return "chart.trades." + inst + ".1", nil
	default:
		return "", fmt.Errorf("%w: %s on deribit", ErrNotSupported, dt)
	}
}

type deribitRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

func (a *DeribitAdapter) buildRequest(method, symbol string, dt market.DataType) ([]byte, error) {
	channel, err := a.channel(symbol, dt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(deribitRequest{
		JSONRPC: "2.0",
		ID:      a.reqID.Add(1),
		Method:  method,
		Params:  map[string][]string{"channels": {channel}},
	})
}

func (a *DeribitAdapter) BuildSubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return a.buildRequest("public/subscribe", symbol, dt)
}

func (a *DeribitAdapter) BuildUnsubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return a.buildRequest("public/unsubscribe", symbol, dt)
}

// HeartbeatFrame issues a public/test RPC; the response counts as the pong.
func (a *DeribitAdapter) HeartbeatFrame() Heartbeat {
	frame, _ := json.Marshal(deribitRequest{
		JSONRPC: "2.0",
		ID:      a.reqID.Add(1),
		Method:  "public/test",
	})
	return Heartbeat{Kind: HeartbeatText, Payload: frame}
}

type deribitTickerData struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	BestBidPrice   float64 `json:"best_bid_price"`
	BestBidAmount  float64 `json:"best_bid_amount"`
	BestAskPrice   float64 `json:"best_ask_price"`
	BestAskAmount  float64 `json:"best_ask_amount"`
	MarkPrice      float64 `json:"mark_price"`
	IndexPrice     float64 `json:"index_price"`
	CurrentFunding float64 `json:"current_funding"`
	Timestamp      int64   `json:"timestamp"`
	Stats          struct {
		High        float64 `json:"high"`
		Low         float64 `json:"low"`
		Volume      float64 `json:"volume"`
		VolumeUSD   float64 `json:"volume_usd"`
		PriceChange float64 `json:"price_change"`
	} `json:"stats"`
}

type deribitBookData struct {
	InstrumentName string       `json:"instrument_name"`
	Timestamp      int64        `json:"timestamp"`
	Bids           [][2]float64 `json:"bids"`
	Asks           [][2]float64 `json:"asks"`
}

type deribitTradeData struct {
	TradeID   string  `json:"trade_id"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Direction string  `json:"direction"`
	Timestamp int64   `json:"timestamp"`
}

type deribitChartData struct {
	Tick   int64   `json:"tick"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Cost   float64 `json:"cost"`
}

type deribitPerpetualData struct {
	IndexPrice float64 `json:"index_price"`
	Interest   float64 `json:"interest"`
	Timestamp  int64   `json:"timestamp"`
}

// Decode parses one Deribit JSON-RPC frame. RPC result frames (including the
// public/test heartbeat response) are consumed as liveness markers.
func (a *DeribitAdapter) Decode(raw []byte) (Decoded, error) {
	var head struct {
		Method string `json:"method"`
		ID     *int64 `json:"id"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Params struct {
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Decoded{}, fmt.Errorf("deribit decode: %w", err)
	}
	if head.Error != nil {
		return Decoded{}, fmt.Errorf("deribit rpc error %d: %s", head.Error.Code, head.Error.Message)
	}
	if head.ID != nil {
		// Response to subscribe/unsubscribe or public/test.
		return Decoded{Pong: true}, nil
	}
	if head.Method != "subscription" {
		return Decoded{}, nil
	}

	channel := head.Params.Channel
	data := head.Params.Data

	switch {
	case strings.HasPrefix(channel, "ticker."):
		var t deribitTickerData
		if err := json.Unmarshal(data, &t); err != nil {
			return Decoded{}, fmt.Errorf("deribit ticker: %w", err)
		}
		open := t.LastPrice - t.Stats.PriceChange
		var changePct float64
		if open != 0 {
			changePct = t.Stats.PriceChange / open * 100
		}
		funding := t.CurrentFunding
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeTicker,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(t.InstrumentName),
			ExchangeTS: t.Timestamp,
			Ticker: &market.Ticker{
				Last:          t.LastPrice,
				Bid:           t.BestBidPrice,
				BidSize:       t.BestBidAmount,
				Ask:           t.BestAskPrice,
				AskSize:       t.BestAskAmount,
				Open:          open,
				High:          t.Stats.High,
				Low:           t.Stats.Low,
				Volume:        t.Stats.Volume,
				QuoteVolume:   t.Stats.VolumeUSD,
				Change:        t.Stats.PriceChange,
				ChangePercent: changePct,
				FundingRate:   &funding,
			},
		}}}, nil

	case strings.HasPrefix(channel, "book."):
		var b deribitBookData
		if err := json.Unmarshal(data, &b); err != nil {
			return Decoded{}, fmt.Errorf("deribit book: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeDepth,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(b.InstrumentName),
			ExchangeTS: b.Timestamp,
			Depth: &market.Depth{
				Bids: floatLevels(b.Bids),
				Asks: floatLevels(b.Asks),
			},
		}}}, nil

	case strings.HasPrefix(channel, "trades."):
		var trades []deribitTradeData
		if err := json.Unmarshal(data, &trades); err != nil {
			return Decoded{}, fmt.Errorf("deribit trades: %w", err)
		}
		symbol := a.FromNative(channelInstrument(channel))
		events := make([]*market.Event, 0, len(trades))
		for _, t := range trades {
			side := market.SideSell
			if t.Direction == "buy" {
				side = market.SideBuy
			}
			events = append(events, &market.Event{
				Type:       market.DataTypeTrade,
				Exchange:   a.Name(),
				Symbol:     symbol,
				ExchangeTS: t.Timestamp,
				Trade: &market.Trade{
					TradeID: t.TradeID,
					Price:   t.Price,
					Amount:  t.Amount,
					Side:    side,
				},
			})
		}
		return Decoded{Events: events}, nil

	case strings.HasPrefix(channel, "perpetual."):
		var p deribitPerpetualData
		if err := json.Unmarshal(data, &p); err != nil {
			return Decoded{}, fmt.Errorf("deribit perpetual: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeFunding,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(channelInstrument(channel)),
			ExchangeTS: p.Timestamp,
			Funding: &market.Funding{
				IndexPrice:  p.IndexPrice,
				FundingRate: p.Interest,
			},
		}}}, nil

	case strings.HasPrefix(channel, "chart.trades."):
		var c deribitChartData
		if err := json.Unmarshal(data, &c); err != nil {
			return Decoded{}, fmt.Errorf("deribit chart: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeKline,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(chartInstrument(channel)),
			ExchangeTS: c.Tick,
			Kline: &market.Kline{
				Interval:    "1m",
				OpenTime:    c.Tick,
				CloseTime:   c.Tick + 60_000,
				Open:        c.Open,
				High:        c.High,
				Low:         c.Low,
				Close:       c.Close,
				Volume:      c.Volume,
				QuoteVolume: c.Cost,
			},
		}}}, nil
	}

	return Decoded{}, nil
}

// channelInstrument extracts the instrument from channels shaped
// "<kind>.<instrument>.<interval>".
func channelInstrument(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) >= 2 {
		return parts[1]
	}
	return channel
}

// chartInstrument extracts the instrument from "chart.trades.<inst>.<res>".
func chartInstrument(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) >= 3 {
		return parts[2]
	}
	return channel
}

func floatLevels(raw [][2]float64) []market.Level {
	levels := make([]market.Level, 0, len(raw))
	for _, item := range raw {
		levels = append(levels, market.Level{Price: item[0], Amount: item[1]})
	}
	return levels
}
