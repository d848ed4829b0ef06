// Package cache holds the latest normalized snapshot per (exchange, symbol)
// plus a bounded kline ring. It is the read model for the aggregator and
// anything else that needs current market state without touching Redis.
package cache

import (
	"sync"

	"quantpipe-md-risk/internal/market"
)

// KlineRingSize caps the number of klines retained per (exchange, symbol).
const KlineRingSize = 500

type key struct {
	exchange string
	symbol   string
}

// Entry pairs a payload with the unified timestamp it was observed at.
type Entry[T any] struct {
	Value     T
	Exchange  string
	Symbol    string
	UnifiedTS int64
}

// Cache is safe for one writer per (exchange, symbol) stream and any number
// of readers; within a stream, writes happen in arrival order.
type Cache struct {
	mu       sync.RWMutex
	tickers  map[key]Entry[*market.Ticker]
	depths   map[key]Entry[*market.Depth]
	fundings map[key]Entry[*market.Funding]
	klines   map[key][]*market.Kline
	// symbols indexes which exchanges currently hold a ticker per symbol,
	// so per-symbol grouping is O(venues).
	symbols map[string]map[string]struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		tickers:  make(map[key]Entry[*market.Ticker]),
		depths:   make(map[key]Entry[*market.Depth]),
		fundings: make(map[key]Entry[*market.Funding]),
		klines:   make(map[key][]*market.Kline),
		symbols:  make(map[string]map[string]struct{}),
	}
}

// Apply stores the latest snapshot carried by ev. Trades are pass-through
// (the durable trade log lives in Redis) and leave the cache untouched.
func (c *Cache) Apply(ev *market.Event) {
	k := key{exchange: ev.Exchange, symbol: ev.Symbol}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case market.DataTypeTicker:
		c.tickers[k] = Entry[*market.Ticker]{Value: ev.Ticker, Exchange: ev.Exchange, Symbol: ev.Symbol, UnifiedTS: ev.UnifiedTS}
		if c.symbols[ev.Symbol] == nil {
			c.symbols[ev.Symbol] = make(map[string]struct{})
		}
		c.symbols[ev.Symbol][ev.Exchange] = struct{}{}
	case market.DataTypeDepth:
		c.depths[k] = Entry[*market.Depth]{Value: ev.Depth, Exchange: ev.Exchange, Symbol: ev.Symbol, UnifiedTS: ev.UnifiedTS}
	case market.DataTypeFunding:
		c.fundings[k] = Entry[*market.Funding]{Value: ev.Funding, Exchange: ev.Exchange, Symbol: ev.Symbol, UnifiedTS: ev.UnifiedTS}
	case market.DataTypeKline:
		ring := c.klines[k]
		// In-progress candles update in place; new open times append.
		if n := len(ring); n > 0 && ring[n-1].OpenTime == ev.Kline.OpenTime {
			ring[n-1] = ev.Kline
		} else {
			ring = append(ring, ev.Kline)
			if len(ring) > KlineRingSize {
				ring = ring[len(ring)-KlineRingSize:]
			}
		}
		c.klines[k] = ring
	}
}

// Ticker returns the latest ticker for (exchange, symbol).
func (c *Cache) Ticker(exchange, symbol string) (Entry[*market.Ticker], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tickers[key{exchange: exchange, symbol: symbol}]
	return e, ok
}

// Depth returns the latest depth snapshot for (exchange, symbol).
func (c *Cache) Depth(exchange, symbol string) (Entry[*market.Depth], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.depths[key{exchange: exchange, symbol: symbol}]
	return e, ok
}

// Funding returns the latest funding snapshot for (exchange, symbol).
func (c *Cache) Funding(exchange, symbol string) (Entry[*market.Funding], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.fundings[key{exchange: exchange, symbol: symbol}]
	return e, ok
}

// Klines returns a copy of the kline ring for (exchange, symbol).
func (c *Cache) Klines(exchange, symbol string) []*market.Kline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring := c.klines[key{exchange: exchange, symbol: symbol}]
	out := make([]*market.Kline, len(ring))
	copy(out, ring)
	return out
}

// TickersBySymbol returns the latest ticker per exchange for one symbol.
func (c *Cache) TickersBySymbol(symbol string) map[string]Entry[*market.Ticker] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry[*market.Ticker])
	for exchange := range c.symbols[symbol] {
		if e, ok := c.tickers[key{exchange: exchange, symbol: symbol}]; ok {
			out[exchange] = e
		}
	}
	return out
}

// Symbols lists every symbol with at least one cached ticker.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s, venues := range c.symbols {
		if len(venues) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// PurgeExchange drops every entry belonging to one exchange.
func (c *Cache) PurgeExchange(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.tickers {
		if k.exchange == exchange {
			delete(c.tickers, k)
		}
	}
	for k := range c.depths {
		if k.exchange == exchange {
			delete(c.depths, k)
		}
	}
	for k := range c.fundings {
		if k.exchange == exchange {
			delete(c.fundings, k)
		}
	}
	for k := range c.klines {
		if k.exchange == exchange {
			delete(c.klines, k)
		}
	}
	for symbol, venues := range c.symbols {
		delete(venues, exchange)
		if len(venues) == 0 {
			delete(c.symbols, symbol)
		}
	}
}
