package session

import (
	"context"
	"fmt"
	"sync"

	"quantpipe-md-risk/internal/adapter"
	"quantpipe-md-risk/internal/clock"
	"quantpipe-md-risk/internal/market"
)

// Manager owns one Session per exchange and merges their normalized event
// and lifecycle streams.
type Manager struct {
	cfg  Config
	clk  clock.Clock
	dial DialFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	events    chan *market.Event
	lifecycle chan LifecycleEvent
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithDialFunc overrides the WebSocket dialer (used by tests).
func WithDialFunc(dial DialFunc) ManagerOption {
	return func(m *Manager) { m.dial = dial }
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) { m.clk = clk }
}

// NewManager creates a session manager with the given transport config.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       cfg,
		clk:       clock.Real{},
		sessions:  make(map[string]*Session),
		events:    make(chan *market.Event, 4096),
		lifecycle: make(chan LifecycleEvent, 256),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the merged normalized event stream of all sessions.
func (m *Manager) Events() <-chan *market.Event { return m.events }

// Lifecycle returns the merged lifecycle event stream.
func (m *Manager) Lifecycle() <-chan LifecycleEvent { return m.lifecycle }

// AddExchange registers a session for the adapter. Adding the same exchange
// twice is an error.
func (m *Manager) AddExchange(a adapter.Adapter) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[a.Name()]; exists {
		return nil, fmt.Errorf("exchange %s already registered", a.Name())
	}
	s := newSession(a, m.cfg, m.clk, m.dial, m.events, m.lifecycle)
	m.sessions[a.Name()] = s
	return s, nil
}

// RemoveExchange disconnects and forgets the exchange's session.
func (m *Manager) RemoveExchange(exchange string) error {
	m.mu.Lock()
	s, ok := m.sessions[exchange]
	delete(m.sessions, exchange)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	return s.Disconnect()
}

// Session returns the session for an exchange, or nil.
func (m *Manager) Session(exchange string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[exchange]
}

// Connect opens the exchange's session.
func (m *Manager) Connect(ctx context.Context, exchange string) error {
	s := m.Session(exchange)
	if s == nil {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	return s.Connect(ctx)
}

// Disconnect closes the exchange's session without removing it.
func (m *Manager) Disconnect(exchange string) error {
	s := m.Session(exchange)
	if s == nil {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	return s.Disconnect()
}

// Subscribe adds a stream subscription on one exchange.
func (m *Manager) Subscribe(exchange, symbol string, dt market.DataType) error {
	s := m.Session(exchange)
	if s == nil {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	return s.Subscribe(symbol, dt)
}

// Unsubscribe removes a stream subscription on one exchange.
func (m *Manager) Unsubscribe(exchange, symbol string, dt market.DataType) error {
	s := m.Session(exchange)
	if s == nil {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	return s.Unsubscribe(symbol, dt)
}

// Exchanges lists registered exchange names.
func (m *Manager) Exchanges() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown() {
	for _, name := range m.Exchanges() {
		if s := m.Session(name); s != nil {
			s.Disconnect()
		}
	}
}
