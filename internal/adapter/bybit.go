package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"quantpipe-md-risk/internal/market"
)

// Bybit v5 public WebSocket endpoints
const (
	bybitSpotWSURL   = "wss://stream.bybit.com/v5/public/spot"
	bybitLinearWSURL = "wss://stream.bybit.com/v5/public/linear"
)

// BybitAdapter speaks the Bybit v5 topic protocol, e.g. "tickers.BTCUSDT".
// Bybit carries the funding rate inside its ticker rather than a dedicated
// stream; Decode emits a synthetic funding event alongside the ticker when
// the field is present.
type BybitAdapter struct {
	tradingType TradingType
}

// NewBybitAdapter creates a Bybit adapter for the given trading type.
func NewBybitAdapter(tradingType TradingType) *BybitAdapter {
	return &BybitAdapter{tradingType: tradingType}
}

func (a *BybitAdapter) Name() string { return "bybit" }

func (a *BybitAdapter) WSURL() string {
	if a.tradingType == TradingTypeSpot {
		return bybitSpotWSURL
	}
	return bybitLinearWSURL
}

// ToNative concatenates base and quote: BTC/USDT -> BTCUSDT.
func (a *BybitAdapter) ToNative(symbol string) string {
	base, quote, ok := market.Split(symbol)
	if !ok {
		return symbol
	}
	return base + quote
}

// FromNative splits by suffix-matching known quotes.
func (a *BybitAdapter) FromNative(native string) string {
	upper := strings.ToUpper(native)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return market.Join(upper[:len(upper)-len(quote)], quote)
		}
	}
	return upper
}

func (a *BybitAdapter) topic(symbol string, dt market.DataType) (string, error) {
	native := a.ToNative(symbol)
	switch dt {
	case market.DataTypeTicker:
		return "tickers." + native, nil
	case market.DataTypeDepth:
		return "orderbook.50." + native, nil
	case market.DataTypeTrade:
		return "publicTrade." + native, nil
	case market.DataTypeFunding:
		// Funding rides on the ticker topic.
		return "tickers." + native, nil
	case market.DataTypeKline:
		return "kline.1." + native, nil
	default:
		return "", fmt.Errorf("%w: %s on bybit", ErrNotSupported, dt)
	}
}

type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (a *BybitAdapter) BuildSubscribe(symbol string, dt market.DataType) ([]byte, error) {
	topic, err := a.topic(symbol, dt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bybitRequest{Op: "subscribe", Args: []string{topic}})
}

func (a *BybitAdapter) BuildUnsubscribe(symbol string, dt market.DataType) ([]byte, error) {
	topic, err := a.topic(symbol, dt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bybitRequest{Op: "unsubscribe", Args: []string{topic}})
}

// HeartbeatFrame returns the {"op":"ping"} application frame.
func (a *BybitAdapter) HeartbeatFrame() Heartbeat {
	return Heartbeat{Kind: HeartbeatText, Payload: []byte(`{"op":"ping"}`)}
}

type bybitTickerData struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	PrevPrice24h    string `json:"prevPrice24h"`
	Price24hPcnt    string `json:"price24hPcnt"`
	HighPrice24h    string `json:"highPrice24h"`
	LowPrice24h     string `json:"lowPrice24h"`
	Bid1Price       string `json:"bid1Price"`
	Bid1Size        string `json:"bid1Size"`
	Ask1Price       string `json:"ask1Price"`
	Ask1Size        string `json:"ask1Size"`
	Volume24h       string `json:"volume24h"`
	Turnover24h     string `json:"turnover24h"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type bybitOrderbookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

type bybitTradeData struct {
	Timestamp int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Size      string `json:"v"`
	Price     string `json:"p"`
	TradeID   string `json:"i"`
}

type bybitKlineData struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

// Decode parses one Bybit v5 frame.
func (a *BybitAdapter) Decode(raw []byte) (Decoded, error) {
	var head struct {
		Op     string          `json:"op"`
		RetMsg string          `json:"ret_msg"`
		Topic  string          `json:"topic"`
		Type   string          `json:"type"`
		TS     int64           `json:"ts"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Decoded{}, fmt.Errorf("bybit decode: %w", err)
	}
	if head.Op == "pong" || head.RetMsg == "pong" {
		return Decoded{Pong: true}, nil
	}
	// Subscribe acknowledgements and other op responses.
	if head.Topic == "" {
		return Decoded{}, nil
	}

	switch {
	case strings.HasPrefix(head.Topic, "tickers."):
		var data bybitTickerData
		if err := json.Unmarshal(head.Data, &data); err != nil {
			return Decoded{}, fmt.Errorf("bybit ticker: %w", err)
		}
		symbol := a.FromNative(data.Symbol)
		last := parseF(data.LastPrice)
		prev := parseF(data.PrevPrice24h)
		ticker := &market.Ticker{
			Last:          last,
			Bid:           parseF(data.Bid1Price),
			BidSize:       parseF(data.Bid1Size),
			Ask:           parseF(data.Ask1Price),
			AskSize:       parseF(data.Ask1Size),
			Open:          prev,
			High:          parseF(data.HighPrice24h),
			Low:           parseF(data.LowPrice24h),
			Volume:        parseF(data.Volume24h),
			QuoteVolume:   parseF(data.Turnover24h),
			Change:        last - prev,
			ChangePercent: parseF(data.Price24hPcnt) * 100,
		}
		events := make([]*market.Event, 0, 2)
		if data.FundingRate != "" {
			rate := parseF(data.FundingRate)
			ticker.FundingRate = &rate
			nextFunding, _ := strconv.ParseInt(data.NextFundingTime, 10, 64)
			events = append(events, &market.Event{
				Type:       market.DataTypeFunding,
				Exchange:   a.Name(),
				Symbol:     symbol,
				ExchangeTS: head.TS,
				Funding: &market.Funding{
					MarkPrice:       parseF(data.MarkPrice),
					IndexPrice:      parseF(data.IndexPrice),
					FundingRate:     rate,
					NextFundingTime: nextFunding,
				},
			})
		}
		events = append(events, &market.Event{
			Type:       market.DataTypeTicker,
			Exchange:   a.Name(),
			Symbol:     symbol,
			ExchangeTS: head.TS,
			Ticker:     ticker,
		})
		return Decoded{Events: events}, nil

	case strings.HasPrefix(head.Topic, "orderbook."):
		// Only full snapshots become depth events; deltas would need a local
		// book and the pipeline carries snapshots only.
		if head.Type != "snapshot" {
			return Decoded{}, nil
		}
		var data bybitOrderbookData
		if err := json.Unmarshal(head.Data, &data); err != nil {
			return Decoded{}, fmt.Errorf("bybit orderbook: %w", err)
		}
		return Decoded{Events: []*market.Event{{
			Type:       market.DataTypeDepth,
			Exchange:   a.Name(),
			Symbol:     a.FromNative(data.Symbol),
			ExchangeTS: head.TS,
			Depth: &market.Depth{
				Bids: parseLevels(data.Bids),
				Asks: parseLevels(data.Asks),
			},
		}}}, nil

	case strings.HasPrefix(head.Topic, "publicTrade."):
		var trades []bybitTradeData
		if err := json.Unmarshal(head.Data, &trades); err != nil {
			return Decoded{}, fmt.Errorf("bybit trade: %w", err)
		}
		events := make([]*market.Event, 0, len(trades))
		for _, t := range trades {
			side := market.SideSell
			if strings.EqualFold(t.Side, "Buy") {
				side = market.SideBuy
			}
			events = append(events, &market.Event{
				Type:       market.DataTypeTrade,
				Exchange:   a.Name(),
				Symbol:     a.FromNative(t.Symbol),
				ExchangeTS: t.Timestamp,
				Trade: &market.Trade{
					TradeID: t.TradeID,
					Price:   parseF(t.Price),
					Amount:  parseF(t.Size),
					Side:    side,
				},
			})
		}
		return Decoded{Events: events}, nil

	case strings.HasPrefix(head.Topic, "kline."):
		var klines []bybitKlineData
		if err := json.Unmarshal(head.Data, &klines); err != nil {
			return Decoded{}, fmt.Errorf("bybit kline: %w", err)
		}
		symbol := a.FromNative(head.Topic[strings.LastIndex(head.Topic, ".")+1:])
		events := make([]*market.Event, 0, len(klines))
		for _, k := range klines {
			events = append(events, &market.Event{
				Type:       market.DataTypeKline,
				Exchange:   a.Name(),
				Symbol:     symbol,
				ExchangeTS: head.TS,
				Kline: &market.Kline{
					Interval:    k.Interval + "m",
					OpenTime:    k.Start,
					CloseTime:   k.End,
					Open:        parseF(k.Open),
					High:        parseF(k.High),
					Low:         parseF(k.Low),
					Close:       parseF(k.Close),
					Volume:      parseF(k.Volume),
					QuoteVolume: parseF(k.Turnover),
					Closed:      k.Confirm,
				},
			})
		}
		return Decoded{Events: events}, nil
	}

	return Decoded{}, nil
}
