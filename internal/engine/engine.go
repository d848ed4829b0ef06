// Package engine runs one exchange's market data pipeline: WebSocket session,
// normalization, in-memory cache, Redis publishing, and subscriber fan-out.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"quantpipe-md-risk/internal/adapter"
	"quantpipe-md-risk/internal/cache"
	"quantpipe-md-risk/internal/market"
	"quantpipe-md-risk/internal/publisher"
	"quantpipe-md-risk/internal/session"
)

// subscriberBuffer sizes each fan-out channel. Slow subscribers drop events
// rather than stall the pipeline.
const subscriberBuffer = 1024

// Engine owns one exchange's ingestion pipeline.
type Engine struct {
	exchange string
	mgr      *session.Manager
	sess     *session.Session
	cache    *cache.Cache
	pub      *publisher.RedisPublisher // nil disables Redis publishing

	mu          sync.RWMutex
	subscribers []chan *market.Event
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New builds an engine around the adapter. The cache is shared with the
// aggregator; pub may be nil for setups without Redis.
func New(a adapter.Adapter, c *cache.Cache, pub *publisher.RedisPublisher,
	cfg session.Config, opts ...session.ManagerOption) (*Engine, error) {
	mgr := session.NewManager(cfg, opts...)
	sess, err := mgr.AddExchange(a)
	if err != nil {
		return nil, err
	}
	return &Engine{
		exchange: a.Name(),
		mgr:      mgr,
		sess:     sess,
		cache:    c,
		pub:      pub,
	}, nil
}

// Exchange returns the engine's exchange name.
func (e *Engine) Exchange() string { return e.exchange }

// Session exposes the underlying session, mainly for state inspection.
func (e *Engine) Session() *session.Session { return e.sess }

// Start connects the session and begins dispatching events.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine %s already started", e.exchange)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	if err := e.sess.Connect(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		return err
	}

	e.wg.Add(2)
	go e.dispatchLoop(ctx)
	go e.lifecycleLoop(ctx)

	log.Info().Str("exchange", e.exchange).Msg("Market data engine started")
	return nil
}

// Stop disconnects the session and stops the dispatch loops.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	e.mgr.Shutdown()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	log.Info().Str("exchange", e.exchange).Msg("Market data engine stopped")
}

// Subscribe opens a (symbol, dataType) stream on the exchange.
func (e *Engine) Subscribe(symbol string, dt market.DataType) error {
	return e.sess.Subscribe(symbol, dt)
}

// Unsubscribe closes a (symbol, dataType) stream.
func (e *Engine) Unsubscribe(symbol string, dt market.DataType) error {
	return e.sess.Unsubscribe(symbol, dt)
}

// Events registers a subscriber channel receiving every normalized event the
// engine dispatches. Subscribers that fall behind lose events.
func (e *Engine) Events() <-chan *market.Event {
	ch := make(chan *market.Event, subscriberBuffer)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// dispatchLoop applies each event to the cache, publishes it, and fans it out
// to subscribers, preserving per-stream arrival order.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.mgr.Events():
			if !ok {
				return
			}
			e.cache.Apply(ev)
			if e.pub != nil {
				e.pub.Publish(ctx, ev)
			}
			e.fanOut(ev)
		}
	}
}

func (e *Engine) fanOut(ev *market.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// lifecycleLoop surfaces session state changes in the log.
func (e *Engine) lifecycleLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case lc, ok := <-e.mgr.Lifecycle():
			if !ok {
				return
			}
			switch lc.Kind {
			case session.LifecycleConnected:
				log.Info().Str("exchange", lc.Exchange).Msg("Session connected")
			case session.LifecycleDisconnected:
				log.Warn().Str("exchange", lc.Exchange).Msg("Session disconnected")
			case session.LifecycleReconnectFailed:
				log.Error().Str("exchange", lc.Exchange).Int("attempts", lc.Attempt).
					Msg("Session gave up reconnecting")
			case session.LifecycleError:
				log.Warn().Err(lc.Err).Str("exchange", lc.Exchange).Msg("Session error")
			}
		}
	}
}
