package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"quantpipe-md-risk/internal/market"
)

// Binance WebSocket endpoints
const (
	binanceSpotWSURL    = "wss://stream.binance.com:9443/ws"
	binanceFuturesWSURL = "wss://fstream.binance.com/ws"
)

// BinanceAdapter speaks the Binance stream protocol. Stream names are
// lowercase native symbols with a suffix, e.g. "btcusdt@ticker".
type BinanceAdapter struct {
	tradingType TradingType
	reqID       atomic.Int64
}

// NewBinanceAdapter creates a Binance adapter for the given trading type.
func NewBinanceAdapter(tradingType TradingType) *BinanceAdapter {
	return &BinanceAdapter{tradingType: tradingType}
}

func (a *BinanceAdapter) Name() string { return "binance" }

func (a *BinanceAdapter) WSURL() string {
	if a.tradingType == TradingTypeSpot {
		return binanceSpotWSURL
	}
	return binanceFuturesWSURL
}

// ToNative concatenates base and quote: BTC/USDT -> BTCUSDT.
func (a *BinanceAdapter) ToNative(symbol string) string {
	base, quote, ok := market.Split(symbol)
	if !ok {
		return symbol
	}
	return base + quote
}

// FromNative splits a concatenated symbol by suffix-matching known quotes:
// BTCUSDT -> BTC/USDT.
func (a *BinanceAdapter) FromNative(native string) string {
	upper := strings.ToUpper(native)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return market.Join(upper[:len(upper)-len(quote)], quote)
		}
	}
	return upper
}

func (a *BinanceAdapter) streamName(symbol string, dt market.DataType) (string, error) {
	native := strings.ToLower(a.ToNative(symbol))
	switch dt {
	case market.DataTypeTicker:
		return native + "@ticker", nil
	case market.DataTypeDepth:
		return native + "@depth20@100ms", nil
	case market.DataTypeTrade:
		return native + "@trade", nil
	case market.DataTypeFunding:
		return native + "@markPrice", nil
	case market.DataTypeKline:
		return native + "@kline_1m", nil
	default:
		return "", fmt.Errorf("%w: %s on binance", ErrNotSupported, dt)
	}
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *BinanceAdapter) buildRequest(method, symbol string, dt market.DataType) ([]byte, error) {
	stream, err := a.streamName(symbol, dt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(binanceRequest{
		Method: method,
		Params: []string{stream},
		ID:     a.reqID.Add(1),
	})
}

func (a *BinanceAdapter) BuildSubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return a.buildRequest("SUBSCRIBE", symbol, dt)
}

func (a *BinanceAdapter) BuildUnsubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return a.buildRequest("UNSUBSCRIBE", symbol, dt)
}

// HeartbeatFrame returns a protocol-level WebSocket ping; Binance answers
// with a protocol pong that never reaches Decode.
func (a *BinanceAdapter) HeartbeatFrame() Heartbeat {
	return Heartbeat{Kind: HeartbeatWSPing}
}

// Raw Binance stream payloads. Prices and sizes arrive as strings.
type binanceTickerEvent struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	PriceChange   string `json:"p"`
	PricePercent  string `json:"P"`
	LastPrice     string `json:"c"`
	BidPrice      string `json:"b"`
	BidQty        string `json:"B"`
	AskPrice      string `json:"a"`
	AskQty        string `json:"A"`
	OpenPrice     string `json:"o"`
	HighPrice     string `json:"h"`
	LowPrice      string `json:"l"`
	Volume        string `json:"v"`
	QuoteVolume   string `json:"q"`
}

type binanceTradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type binanceDepthEvent struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type binanceMarkPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type binanceKlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
		Trades      int64  `json:"n"`
		Closed      bool   `json:"x"`
	} `json:"k"`
}

// Decode parses one Binance frame. Both combined-stream wrappers
// ({"stream","data"}) and raw-stream payloads (event field "e") are handled.
func (a *BinanceAdapter) Decode(raw []byte) (Decoded, error) {
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Stream != "" {
		raw = wrapper.Data
	}

	var head struct {
		EventType string          `json:"e"`
		EventTime int64           `json:"E"`
		Result    json.RawMessage `json:"result"`
		ID        *int64          `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Decoded{}, fmt.Errorf("binance decode: %w", err)
	}
	// Subscribe/unsubscribe acknowledgement.
	if head.ID != nil {
		return Decoded{}, nil
	}

	switch head.EventType {
	case "24hrTicker":
		var ev binanceTickerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Decoded{}, fmt.Errorf("binance ticker: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeTicker,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(ev.Symbol),
			ExchangeTS: ev.EventTime,
			Ticker: &market.Ticker{
				Last:          parseF(ev.LastPrice),
				Bid:           parseF(ev.BidPrice),
				BidSize:       parseF(ev.BidQty),
				Ask:           parseF(ev.AskPrice),
				AskSize:       parseF(ev.AskQty),
				Open:          parseF(ev.OpenPrice),
				High:          parseF(ev.HighPrice),
				Low:           parseF(ev.LowPrice),
				Volume:        parseF(ev.Volume),
				QuoteVolume:   parseF(ev.QuoteVolume),
				Change:        parseF(ev.PriceChange),
				ChangePercent: parseF(ev.PricePercent),
			},
		}}}, nil

	case "trade":
		var ev binanceTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Decoded{}, fmt.Errorf("binance trade: %w", err)
		}
		side := market.SideBuy
		if ev.BuyerIsMaker {
			side = market.SideSell
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeTrade,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(ev.Symbol),
			ExchangeTS: ev.TradeTime,
			Trade: &market.Trade{
				TradeID: strconv.FormatInt(ev.TradeID, 10),
				Price:   parseF(ev.Price),
				Amount:  parseF(ev.Quantity),
				Side:    side,
			},
		}}}, nil

	case "depthUpdate":
		var ev binanceDepthEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Decoded{}, fmt.Errorf("binance depth: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeDepth,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(ev.Symbol),
			ExchangeTS: ev.EventTime,
			Depth: &market.Depth{
				Bids: parseLevels(ev.Bids),
				Asks: parseLevels(ev.Asks),
			},
		}}}, nil

	case "markPriceUpdate":
		var ev binanceMarkPriceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Decoded{}, fmt.Errorf("binance mark price: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeFunding,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(ev.Symbol),
			ExchangeTS: ev.EventTime,
			Funding: &market.Funding{
				MarkPrice:       parseF(ev.MarkPrice),
				IndexPrice:      parseF(ev.IndexPrice),
				FundingRate:     parseF(ev.FundingRate),
				NextFundingTime: ev.NextFundingTime,
			},
		}}}, nil

	case "kline":
		var ev binanceKlineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Decoded{}, fmt.Errorf("binance kline: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeKline,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(ev.Symbol),
			ExchangeTS: ev.EventTime,
			Kline: &market.Kline{
				Interval:    ev.Kline.Interval,
				OpenTime:    ev.Kline.OpenTime,
				CloseTime:   ev.Kline.CloseTime,
				Open:        parseF(ev.Kline.Open),
				High:        parseF(ev.Kline.High),
				Low:         parseF(ev.Kline.Low),
				Close:       parseF(ev.Kline.Close),
				Volume:      parseF(ev.Kline.Volume),
				QuoteVolume: parseF(ev.Kline.QuoteVolume),
				Trades:      ev.Kline.Trades,
				Closed:      ev.Kline.Closed,
			},
		}}}, nil
	}

	// Unknown event types are ignored, not errors.
	return Decoded{}, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseLevels(raw [][]string) []market.Level {
	levels := make([]market.Level, 0, len(raw))
	for _, item := range raw {
		if len(item) < 2 {
			continue
		}
		levels = append(levels, market.Level{
			Price:  parseF(item[0]),
			Amount: parseF(item[1]),
		})
	}
	return levels
}
