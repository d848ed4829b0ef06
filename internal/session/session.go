// Package session owns one WebSocket session per exchange: connect,
// heartbeat, exponential-backoff reconnection, and subscription replay.
// Sessions are isolated; one failing feed never affects another.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quantpipe-md-risk/internal/adapter"
	"quantpipe-md-risk/internal/clock"
	"quantpipe-md-risk/internal/market"
	"quantpipe-md-risk/internal/metrics"
)

// State is the session connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// Key identifies one subscribed stream within a session.
type Key struct {
	DataType market.DataType
	Symbol   string
}

// LifecycleKind tags session lifecycle events.
type LifecycleKind string

const (
	LifecycleConnected       LifecycleKind = "connected"
	LifecycleDisconnected    LifecycleKind = "disconnected"
	LifecycleError           LifecycleKind = "error"
	LifecycleReconnectFailed LifecycleKind = "reconnectFailed"
)

// LifecycleEvent reports a session state change or transport error.
type LifecycleEvent struct {
	Kind     LifecycleKind
	Exchange string
	Attempt  int
	Err      error
}

// Config holds per-session transport settings.
type Config struct {
	ReconnectEnabled  bool
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	MaxSkewMS         int64
}

// DefaultConfig returns the production transport defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectEnabled:  true,
		MaxAttempts:       10,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		HeartbeatEnabled:  true,
		HeartbeatInterval: 20 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		MaxSkewMS:         market.DefaultMaxSkewMS,
	}
}

// Conn is the subset of *websocket.Conn the session uses. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens a WebSocket connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func defaultDial(handshakeTimeout time.Duration) DialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Session is one exchange's WebSocket session state machine.
type Session struct {
	adapter adapter.Adapter
	cfg     Config
	clk     clock.Clock
	dial    DialFunc

	events    chan<- *market.Event
	lifecycle chan<- LifecycleEvent

	mu       sync.Mutex
	state    State
	conn     Conn
	subs     map[Key]struct{}
	attempt  int
	running  bool
	lastPong time.Time

	writeMu sync.Mutex
	done    chan struct{} // closed per connection teardown
	wg      sync.WaitGroup
}

func newSession(a adapter.Adapter, cfg Config, clk clock.Clock, dial DialFunc,
	events chan<- *market.Event, lifecycle chan<- LifecycleEvent) *Session {
	if dial == nil {
		dial = defaultDial(cfg.HandshakeTimeout)
	}
	return &Session{
		adapter:   a,
		cfg:       cfg,
		clk:       clk,
		dial:      dial,
		events:    events,
		lifecycle: lifecycle,
		subs:      make(map[Key]struct{}),
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscriptions returns a copy of the subscription set.
func (s *Session) Subscriptions() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	return keys
}

// Connect opens the WebSocket, starts the read and heartbeat loops, replays
// the subscription set, and emits a connected event.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("%s session already active", s.adapter.Name())
	}
	s.state = StateConnecting
	s.running = true
	s.mu.Unlock()

	if err := s.open(ctx); err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}
	return nil
}

// open dials and wires up a fresh connection. Caller must have set state to
// CONNECTING.
func (s *Session) open(ctx context.Context) error {
	conn, err := s.dial(ctx, s.adapter.WSURL())
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.adapter.Name(), err)
	}

	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPong = s.clk.Now()
		s.mu.Unlock()
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.attempt = 0
	s.lastPong = s.clk.Now()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(ctx, conn, done)
	if s.cfg.HeartbeatEnabled {
		s.wg.Add(1)
		go s.heartbeatLoop(conn, done)
	}

	s.replaySubscriptions(conn)
	metrics.RecordConnectionStatus(s.adapter.Name(), true)
	s.emit(LifecycleEvent{Kind: LifecycleConnected, Exchange: s.adapter.Name()})
	return nil
}

// replaySubscriptions sends a subscribe frame for every key in the set.
// Exchanges ignore duplicate subscriptions, so replay is idempotent.
func (s *Session) replaySubscriptions(conn Conn) {
	for _, key := range s.Subscriptions() {
		frame, err := s.adapter.BuildSubscribe(key.Symbol, key.DataType)
		if err != nil {
			continue
		}
		if err := s.write(conn, websocket.TextMessage, frame); err != nil {
			s.emit(LifecycleEvent{Kind: LifecycleError, Exchange: s.adapter.Name(),
				Err: fmt.Errorf("resubscribe %s/%s: %w", key.DataType, key.Symbol, err)})
		}
	}
}

// Subscribe adds (symbol, dataType) to the set and, when the session is
// open, sends the subscribe frame. Duplicate calls are no-ops.
func (s *Session) Subscribe(symbol string, dt market.DataType) error {
	key := Key{DataType: dt, Symbol: symbol}

	s.mu.Lock()
	if _, exists := s.subs[key]; exists {
		s.mu.Unlock()
		return nil
	}
	s.subs[key] = struct{}{}
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open {
		return nil
	}
	frame, err := s.adapter.BuildSubscribe(symbol, dt)
	if err != nil {
		return err
	}
	return s.write(conn, websocket.TextMessage, frame)
}

// Unsubscribe removes the key and, when open, sends the unsubscribe frame.
func (s *Session) Unsubscribe(symbol string, dt market.DataType) error {
	key := Key{DataType: dt, Symbol: symbol}

	s.mu.Lock()
	if _, exists := s.subs[key]; !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, key)
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open {
		return nil
	}
	frame, err := s.adapter.BuildUnsubscribe(symbol, dt)
	if err != nil {
		return err
	}
	return s.write(conn, websocket.TextMessage, frame)
}

// Disconnect performs an orderly shutdown: close frame, stop loops, emit
// disconnected. No reconnect is scheduled.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != StateOpen && s.state != StateConnecting {
		s.running = false
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.write(conn, websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateDisconnected
	s.conn = nil
	s.mu.Unlock()

	metrics.RecordConnectionStatus(s.adapter.Name(), false)
	s.emit(LifecycleEvent{Kind: LifecycleDisconnected, Exchange: s.adapter.Name()})
	return nil
}

func (s *Session) write(conn Conn, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// readLoop consumes frames until the connection drops, decoding each through
// the adapter and forwarding normalized events in arrival order.
func (s *Session) readLoop(ctx context.Context, conn Conn, done chan struct{}) {
	defer s.wg.Done()
	defer s.handleDisconnect(ctx, done)

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.state == StateClosing || !s.running
			s.mu.Unlock()
			if !closing {
				metrics.RecordConnectionError(s.adapter.Name(), "read")
				s.emit(LifecycleEvent{Kind: LifecycleError, Exchange: s.adapter.Name(),
					Err: fmt.Errorf("read: %w", err)})
			}
			return
		}

		s.mu.Lock()
		s.lastPong = s.clk.Now()
		s.mu.Unlock()

		decoded, err := s.adapter.Decode(raw)
		if err != nil {
			metrics.RecordDecodeError(s.adapter.Name())
			log.Debug().Err(err).Str("exchange", s.adapter.Name()).Msg("Dropped undecodable frame")
			continue
		}
		for _, ev := range decoded.Events {
			ev.LocalTS = s.clk.Now().UnixMilli()
			market.Fuse(ev, s.cfg.MaxSkewMS)
			metrics.RecordEvent(s.adapter.Name(), string(ev.Type))
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// heartbeatLoop sends the adapter's keep-alive frame on a ticker and forces
// a close when no traffic has arrived within the timeout.
func (s *Session) heartbeatLoop(conn Conn, done chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			open := s.state == StateOpen
			stale := s.clk.Now().Sub(s.lastPong) > s.cfg.HeartbeatTimeout
			s.mu.Unlock()
			if !open {
				return
			}
			if stale {
				log.Warn().Str("exchange", s.adapter.Name()).Msg("Heartbeat timeout, closing stuck session")
				metrics.RecordConnectionError(s.adapter.Name(), "heartbeat_timeout")
				conn.Close()
				return
			}

			hb := s.adapter.HeartbeatFrame()
			var err error
			switch hb.Kind {
			case adapter.HeartbeatWSPing:
				err = s.write(conn, websocket.PingMessage, nil)
			case adapter.HeartbeatText:
				err = s.write(conn, websocket.TextMessage, hb.Payload)
			}
			if err != nil {
				metrics.RecordConnectionError(s.adapter.Name(), "heartbeat_write")
				return
			}
		}
	}
}

// handleDisconnect runs when the read loop exits. For unplanned drops it
// transitions to DISCONNECTED and schedules reconnection.
func (s *Session) handleDisconnect(ctx context.Context, done chan struct{}) {
	s.mu.Lock()
	planned := s.state == StateClosing || !s.running
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.state = StateDisconnected
	select {
	case <-done:
	default:
		close(done)
	}
	s.mu.Unlock()

	metrics.RecordConnectionStatus(s.adapter.Name(), false)
	if planned {
		return
	}
	s.emit(LifecycleEvent{Kind: LifecycleDisconnected, Exchange: s.adapter.Name()})

	if s.cfg.ReconnectEnabled {
		go s.reconnectLoop(ctx)
	}
}

// reconnectLoop retries with exponential backoff until connected, the
// attempt cap is reached, or the session is stopped.
func (s *Session) reconnectLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.attempt++
		attempt := s.attempt
		s.mu.Unlock()

		if attempt > s.cfg.MaxAttempts {
			log.Error().Str("exchange", s.adapter.Name()).Int("attempts", s.cfg.MaxAttempts).
				Msg("Reconnect attempts exhausted")
			s.emit(LifecycleEvent{Kind: LifecycleReconnectFailed,
				Exchange: s.adapter.Name(), Attempt: attempt - 1})
			return
		}

		delay := Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)
		log.Info().Str("exchange", s.adapter.Name()).Int("attempt", attempt).
			Dur("delay", delay).Msg("Scheduling reconnect")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()

		metrics.RecordReconnect(s.adapter.Name())
		if err := s.open(ctx); err != nil {
			s.mu.Lock()
			s.state = StateDisconnected
			s.mu.Unlock()
			metrics.RecordConnectionError(s.adapter.Name(), "reconnect")
			s.emit(LifecycleEvent{Kind: LifecycleError, Exchange: s.adapter.Name(),
				Attempt: attempt, Err: err})
			continue
		}
		return
	}
}

func (s *Session) emit(ev LifecycleEvent) {
	select {
	case s.lifecycle <- ev:
	default:
		// Lifecycle consumers that fall behind lose notifications rather
		// than stalling the transport.
	}
}
