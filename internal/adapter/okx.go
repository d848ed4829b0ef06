package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"quantpipe-md-risk/internal/market"
)

// OKX public WebSocket endpoint
const okxPublicWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// OKXAdapter speaks the OKX v5 channel/instId protocol. Heartbeats are the
// literal "ping"/"pong" text frames.
type OKXAdapter struct {
	tradingType TradingType
}

// NewOKXAdapter creates an OKX adapter for the given trading type.
func NewOKXAdapter(tradingType TradingType) *OKXAdapter {
	return &OKXAdapter{tradingType: tradingType}
}

func (a *OKXAdapter) Name() string { return "okx" }

func (a *OKXAdapter) WSURL() string { return okxPublicWSURL }

// ToNative dash-separates the pair and appends -SWAP for non-spot:
// BTC/USDT -> BTC-USDT-SWAP.
func (a *OKXAdapter) ToNative(symbol string) string {
	base, quote, ok := market.Split(symbol)
	if !ok {
		return symbol
	}
	native := base + "-" + quote
	if a.tradingType != TradingTypeSpot {
		native += "-SWAP"
	}
	return native
}

// FromNative strips the -SWAP suffix and rejoins: BTC-USDT-SWAP -> BTC/USDT.
func (a *OKXAdapter) FromNative(native string) string {
	upper := strings.ToUpper(native)
	upper = strings.TrimSuffix(upper, "-SWAP")
	parts := strings.SplitN(upper, "-", 2)
	if len(parts) != 2 {
		return upper
	}
	return market.Join(parts[0], parts[1])
}

func (a *OKXAdapter) channel(dt market.DataType) (string, error) {
	switch dt {
	case market.DataTypeTicker:
		return "tickers", nil
	case market.DataTypeDepth:
		return "books5", nil
	case market.DataTypeTrade:
		return "trades", nil
	case market.DataTypeFunding:
		return "funding-rate", nil
	case market.DataTypeKline:
		return "candle1m", nil
	default:
		return "", fmt.Errorf("%w: %s on okx", ErrNotSupported, dt)
	}
}

type okxChannelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxRequest struct {
	Op   string          `json:"op"`
	Args []okxChannelArg `json:"args"`
}

func (a *OKXAdapter) buildRequest(op, symbol string, dt market.DataType) ([]byte, error) {
	channel, err := a.channel(dt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(okxRequest{
		Op:   op,
		Args: []okxChannelArg{{Channel: channel, InstID: a.ToNative(symbol)}},
	})
}

func (a *OKXAdapter) BuildSubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return a.buildRequest("subscribe", symbol, dt)
}

func (a *OKXAdapter) BuildUnsubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return a.buildRequest("unsubscribe", symbol, dt)
}

// HeartbeatFrame returns the literal "ping" text frame.
func (a *OKXAdapter) HeartbeatFrame() Heartbeat {
	return Heartbeat{Kind: HeartbeatText, Payload: []byte("ping")}
}

type okxTickerData struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	BidPx     string `json:"bidPx"`
	BidSz     string `json:"bidSz"`
	AskPx     string `json:"askPx"`
	AskSz     string `json:"askSz"`
	Open24h   string `json:"open24h"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	TS        string `json:"ts"`
}

type okxBookData struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	TS   string     `json:"ts"`
}

type okxTradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

type okxFundingData struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingTime"`
	MarkPx      string `json:"markPx"`
	IndexPx     string `json:"indexPx"`
}

// Decode parses one OKX frame.
func (a *OKXAdapter) Decode(raw []byte) (Decoded, error) {
	if string(raw) == "pong" {
		return Decoded{Pong: true}, nil
	}

	var resp struct {
		Event string          `json:"event"`
		Code  string          `json:"code"`
		Msg   string          `json:"msg"`
		Arg   okxChannelArg   `json:"arg"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Decoded{}, fmt.Errorf("okx decode: %w", err)
	}
	if resp.Event != "" {
		if resp.Event == "error" {
			return Decoded{}, fmt.Errorf("okx error %s: %s", resp.Code, resp.Msg)
		}
		// subscribe/unsubscribe confirmations
		return Decoded{}, nil
	}
	if len(resp.Data) == 0 {
		return Decoded{}, nil
	}
	symbol := a.FromNative(resp.Arg.InstID)

	switch {
	case resp.Arg.Channel == "tickers":
		var tickers []okxTickerData
		if err := json.Unmarshal(resp.Data, &tickers); err != nil {
			return Decoded{}, fmt.Errorf("okx ticker: %w", err)
		}
		events := make([]*market.Event, 0, len(tickers))
		for _, t := range tickers {
			last := parseF(t.Last)
			open := parseF(t.Open24h)
			change := last - open
			var changePct float64
			if open != 0 {
				changePct = change / open * 100
			}
			events = append(events, &market.Event{
				Type:       market.DataTypeTicker,
				Exchange:   a.Name(),
				Symbol:     symbol,
				ExchangeTS: parseMS(t.TS),
				Ticker: &market.Ticker{
					Last:          last,
					Bid:           parseF(t.BidPx),
					BidSize:       parseF(t.BidSz),
					Ask:           parseF(t.AskPx),
					AskSize:       parseF(t.AskSz),
					Open:          open,
					High:          parseF(t.High24h),
					Low:           parseF(t.Low24h),
					Volume:        parseF(t.Vol24h),
					QuoteVolume:   parseF(t.VolCcy24h),
					Change:        change,
					ChangePercent: changePct,
				},
			})
		}
		return Decoded{Events: events}, nil

	case resp.Arg.Channel == "books5" || strings.HasPrefix(resp.Arg.Channel, "books"):
		var books []okxBookData
		if err := json.Unmarshal(resp.Data, &books); err != nil {
			return Decoded{}, fmt.Errorf("okx books: %w", err)
		}
		events := make([]*market.Event, 0, len(books))
		for _, b := range books {
			events = append(events, &market.Event{
				Type:       market.DataTypeDepth,
				Exchange:   a.Name(),
				Symbol:     symbol,
				ExchangeTS: parseMS(b.TS),
				Depth: &market.Depth{
					Bids: parseLevels(b.Bids),
					Asks: parseLevels(b.Asks),
				},
			})
		}
		return Decoded{Events: events}, nil

	case resp.Arg.Channel == "trades":
		var trades []okxTradeData
		if err := json.Unmarshal(resp.Data, &trades); err != nil {
			return Decoded{}, fmt.Errorf("okx trades: %w", err)
		}
		events := make([]*market.Event, 0, len(trades))
		for _, t := range trades {
			side := market.SideSell
			if t.Side == "buy" {
				side = market.SideBuy
			}
			events = append(events, &market.Event{
				Type:       market.DataTypeTrade,
				Exchange:   a.Name(),
				Symbol:     symbol,
				ExchangeTS: parseMS(t.TS),
				Trade: &market.Trade{
					TradeID: t.TradeID,
					Price:   parseF(t.Px),
					Amount:  parseF(t.Sz),
					Side:    side,
				},
			})
		}
		return Decoded{Events: events}, nil

	case resp.Arg.Channel == "funding-rate":
		var rates []okxFundingData
		if err := json.Unmarshal(resp.Data, &rates); err != nil {
			return Decoded{}, fmt.Errorf("okx funding: %w", err)
		}
		events := make([]*market.Event, 0, len(rates))
		for _, r := range rates {
			events = append(events, &market.Event{
				Type:     market.DataTypeFunding,
				Exchange: a.Name(),
				Symbol:   symbol,
				Funding: &market.Funding{
					MarkPrice:       parseF(r.MarkPx),
					IndexPrice:      parseF(r.IndexPx),
					FundingRate:     parseF(r.FundingRate),
					NextFundingTime: parseMS(r.FundingTime),
				},
			})
		}
		return Decoded{Events: events}, nil

	case strings.HasPrefix(resp.Arg.Channel, "candle"):
		var candles [][]string
		if err := json.Unmarshal(resp.Data, &candles); err != nil {
			return Decoded{}, fmt.Errorf("okx candle: %w", err)
		}
		interval := strings.TrimPrefix(resp.Arg.Channel, "candle")
		events := make([]*market.Event, 0, len(candles))
		for _, c := range candles {
			if len(c) < 9 {
				continue
			}
			openTime := parseMS(c[0])
			events = append(events, &market.Event{
				Type:       market.DataTypeKline,
				Exchange:   a.Name(),
				Symbol:     symbol,
				ExchangeTS: openTime,
				Kline: &market.Kline{
					Interval:    interval,
					OpenTime:    openTime,
					CloseTime:   openTime + 60_000,
					Open:        parseF(c[1]),
					High:        parseF(c[2]),
					Low:         parseF(c[3]),
					Close:       parseF(c[4]),
					Volume:      parseF(c[5]),
					QuoteVolume: parseF(c[7]),
					Closed:      c[8] == "1",
				},
			})
		}
		return Decoded{Events: events}, nil
	}

	return Decoded{}, nil
}

func parseMS(s string) int64 {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return ms
}
