// Package adapter defines the per-exchange capability set: endpoint
// selection, subscribe/unsubscribe framing, heartbeat idiom, raw-frame
// decoding, and bidirectional symbol mapping. No other package looks at raw
// exchange frames.
package adapter

import (
	"errors"

	"quantpipe-md-risk/internal/market"
)

// TradingType selects the venue segment an adapter connects to.
type TradingType string

const (
	TradingTypeSpot    TradingType = "spot"
	TradingTypeFutures TradingType = "futures"
)

// HeartbeatKind distinguishes protocol-level pings from application frames.
type HeartbeatKind int

const (
	// HeartbeatWSPing uses the WebSocket control ping.
	HeartbeatWSPing HeartbeatKind = iota
	// HeartbeatText sends an application-level text frame.
	HeartbeatText
)

// Heartbeat describes the frame an adapter emits to keep its session alive.
type Heartbeat struct {
	Kind    HeartbeatKind
	Payload []byte // nil for HeartbeatWSPing
}

// ErrNotSupported is returned when an adapter has no channel for the
// requested data type.
var ErrNotSupported = errors.New("data type not supported by exchange")

// Decoded is the result of decoding one raw frame. At most one of the fields
// is set; an all-zero value means the frame was a protocol acknowledgement
// that produces nothing downstream.
type Decoded struct {
	// Events carries zero or more normalized events. Adapters that batch
	// multiple updates in one frame (OKX) yield several.
	Events []*market.Event
	// Pong is true when the frame was a heartbeat acknowledgement. Pongs are
	// consumed by the session and never surfaced as events.
	Pong bool
}

// Adapter is the exchange capability set. Implementations are stateless
// beyond construction parameters and safe for concurrent use.
type Adapter interface {
	// Name returns the exchange identifier, e.g. "binance".
	Name() string

	// WSURL returns the public market data endpoint for the adapter's
	// trading type.
	WSURL() string

	// BuildSubscribe returns the wire frame subscribing to (symbol, dataType).
	// Symbol is canonical BASE/QUOTE.
	BuildSubscribe(symbol string, dt market.DataType) ([]byte, error)

	// BuildUnsubscribe returns the wire frame removing the subscription.
	BuildUnsubscribe(symbol string, dt market.DataType) ([]byte, error)

	// HeartbeatFrame returns the keep-alive frame for this exchange.
	HeartbeatFrame() Heartbeat

	// Decode parses one raw frame into normalized events. Unrecognized or
	// acknowledgement frames decode to an empty Decoded with nil error;
	// malformed frames return an error and are dropped by the caller.
	Decode(raw []byte) (Decoded, error)

	// ToNative converts a canonical symbol to the exchange's native form.
	ToNative(symbol string) string

	// FromNative converts a native symbol back to canonical form.
	FromNative(native string) string
}

// knownQuotes is the ordered list used to split concatenated native symbols
// (Binance, Bybit). Order matters: longer and more common quotes first.
var knownQuotes = []string{"USDT", "BUSD", "USDC", "BTC", "ETH", "BNB", "USD"}
