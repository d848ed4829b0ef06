// Package market defines the normalized market data model shared by every
// component: canonical symbols, the tagged event union, and timestamp fusion.
package market

import "strings"

// DataType identifies the kind of market data carried by an event or
// requested by a subscription.
type DataType string

const (
	DataTypeTicker  DataType = "ticker"
	DataTypeDepth   DataType = "depth"
	DataTypeTrade   DataType = "trade"
	DataTypeFunding DataType = "fundingRate"
	DataTypeKline   DataType = "kline"
)

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Level is a single price level of an orderbook snapshot.
type Level struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// Ticker is a 24h rolling ticker snapshot.
type Ticker struct {
	Last          float64  `json:"last"`
	Bid           float64  `json:"bid"`
	BidSize       float64  `json:"bid_size"`
	Ask           float64  `json:"ask"`
	AskSize       float64  `json:"ask_size"`
	Open          float64  `json:"open"`
	High          float64  `json:"high"`
	Low           float64  `json:"low"`
	Volume        float64  `json:"volume"`
	QuoteVolume   float64  `json:"quote_volume"`
	Change        float64  `json:"change"`
	ChangePercent float64  `json:"change_percent"`
	FundingRate   *float64 `json:"funding_rate,omitempty"`
}

// Depth is a full orderbook snapshot. Bids are sorted descending by price,
// asks ascending. Never an incremental update.
type Depth struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Trade is a single public trade.
type Trade struct {
	TradeID string  `json:"trade_id"`
	Price   float64 `json:"price"`
	Amount  float64 `json:"amount"`
	Side    Side    `json:"side"`
}

// Funding carries perpetual funding info.
type Funding struct {
	MarkPrice       float64 `json:"mark_price"`
	IndexPrice      float64 `json:"index_price"`
	FundingRate     float64 `json:"funding_rate"`
	NextFundingTime int64   `json:"next_funding_time"`
}

// Kline is a single candlestick.
type Kline struct {
	Interval    string  `json:"interval"`
	OpenTime    int64   `json:"open_time"`
	CloseTime   int64   `json:"close_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	Trades      int64   `json:"trades"`
	Closed      bool    `json:"closed"`
}

// Event is the tagged union over all market data kinds. Exactly one payload
// pointer matching Type is non-nil. Symbol is always canonical BASE/QUOTE.
type Event struct {
	Type       DataType `json:"type"`
	Exchange   string   `json:"exchange"`
	Symbol     string   `json:"symbol"`
	ExchangeTS int64    `json:"exchange_ts"` // ms, exchange-reported
	LocalTS    int64    `json:"local_ts"`    // ms, local arrival
	UnifiedTS  int64    `json:"unified_ts"`  // ms, fused

	Ticker  *Ticker  `json:"ticker,omitempty"`
	Depth   *Depth   `json:"depth,omitempty"`
	Trade   *Trade   `json:"trade,omitempty"`
	Funding *Funding `json:"funding,omitempty"`
	Kline   *Kline   `json:"kline,omitempty"`
}

// Split breaks a canonical BASE/QUOTE symbol into its parts. The boolean is
// false when the symbol has no slash.
func Split(symbol string) (base, quote string, ok bool) {
	i := strings.IndexByte(symbol, '/')
	if i <= 0 || i == len(symbol)-1 {
		return "", "", false
	}
	return symbol[:i], symbol[i+1:], true
}

// Join builds a canonical symbol from base and quote assets.
func Join(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

// Base returns the base asset of a canonical symbol, or the symbol itself
// when it is not in canonical form.
func Base(symbol string) string {
	if base, _, ok := Split(symbol); ok {
		return base
	}
	return symbol
}
