package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantpipe-md-risk/internal/adapter"
	"quantpipe-md-risk/internal/market"
)

// fakeConn is an in-memory Conn. Frames pushed via deliver show up on
// ReadMessage; writes are recorded for inspection.
type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) deliver(frame []byte) { c.incoming <- frame }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.incoming:
		return 1, frame, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([][]byte, len(c.writes))
	copy(frames, c.writes)
	return frames
}

// stubAdapter is a minimal adapter whose frames are plain JSON objects.
type stubAdapter struct{}

func (stubAdapter) Name() string  { return "stub" }
func (stubAdapter) WSURL() string { return "wss://stub.example/ws" }

func (stubAdapter) BuildSubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return json.Marshal(map[string]string{"op": "sub", "symbol": symbol, "type": string(dt)})
}

func (stubAdapter) BuildUnsubscribe(symbol string, dt market.DataType) ([]byte, error) {
	return json.Marshal(map[string]string{"op": "unsub", "symbol": symbol, "type": string(dt)})
}

func (stubAdapter) HeartbeatFrame() adapter.Heartbeat {
	return adapter.Heartbeat{Kind: adapter.HeartbeatWSPing}
}

func (stubAdapter) Decode(raw []byte) (adapter.Decoded, error) {
	var frame struct {
		Symbol string  `json:"symbol"`
		Last   float64 `json:"last"`
		TS     int64   `json:"ts"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return adapter.Decoded{}, err
	}
	if frame.Symbol == "" {
		return adapter.Decoded{}, nil
	}
	return adapter.Decoded{Events: []*market.Event{{
		Type:       market.DataTypeTicker,
		Exchange:   "stub",
		Symbol:     frame.Symbol,
		ExchangeTS: frame.TS,
		Ticker:     &market.Ticker{Last: frame.Last},
	}}}, nil
}

func (stubAdapter) ToNative(symbol string) string   { return symbol }
func (stubAdapter) FromNative(native string) string { return native }

// connFactory hands out fresh fakeConns per dial and remembers them in order.
type connFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  int // number of initial dials to fail
}

func (f *connFactory) dial(context.Context, string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *connFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

func (f *connFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func testConfig() Config {
	return Config{
		ReconnectEnabled: true,
		MaxAttempts:      5,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		HeartbeatEnabled: false,
		MaxSkewMS:        market.DefaultMaxSkewMS,
	}
}

func newTestManager(t *testing.T, factory *connFactory) (*Manager, *Session) {
	t.Helper()
	mgr := NewManager(testConfig(), WithDialFunc(factory.dial))
	sess, err := mgr.AddExchange(stubAdapter{})
	require.NoError(t, err)
	return mgr, sess
}

func TestSubscribeIsIdempotent(t *testing.T) {
	factory := &connFactory{}
	_, sess := newTestManager(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Disconnect()

	require.NoError(t, sess.Subscribe("BTC/USDT", market.DataTypeTicker))
	require.NoError(t, sess.Subscribe("BTC/USDT", market.DataTypeTicker))
	require.NoError(t, sess.Subscribe("BTC/USDT", market.DataTypeTicker))

	assert.Len(t, sess.Subscriptions(), 1)
	assert.Len(t, factory.conn(0).sentFrames(), 1, "duplicate subscribes send no extra frames")
}

func TestSubscribeBeforeConnectIsReplayedOnOpen(t *testing.T) {
	factory := &connFactory{}
	_, sess := newTestManager(t, factory)

	require.NoError(t, sess.Subscribe("BTC/USDT", market.DataTypeTicker))
	require.NoError(t, sess.Subscribe("ETH/USDT", market.DataTypeDepth))
	assert.Equal(t, 0, factory.dialCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Disconnect()

	assert.Len(t, factory.conn(0).sentFrames(), 2, "pending set replayed on connect")
}

func TestEventsFlowWithUnifiedTimestamp(t *testing.T) {
	factory := &connFactory{}
	mgr, sess := newTestManager(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Disconnect()

	now := time.Now().UnixMilli()
	factory.conn(0).deliver([]byte(fmt.Sprintf(
		`{"symbol":"BTC/USDT","last":50000,"ts":%d}`, now)))

	select {
	case ev := <-mgr.Events():
		assert.Equal(t, "BTC/USDT", ev.Symbol)
		assert.Equal(t, 50000.0, ev.Ticker.Last)
		assert.Greater(t, ev.UnifiedTS, int64(0))
		assert.GreaterOrEqual(t, ev.LocalTS, ev.ExchangeTS)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	factory := &connFactory{}
	_, sess := newTestManager(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Disconnect()

	require.NoError(t, sess.Subscribe("BTC/USDT", market.DataTypeTicker))
	require.NoError(t, sess.Subscribe("ETH/USDT", market.DataTypeTrade))

	// Kill the transport out from under the session.
	factory.conn(0).Close()

	require.Eventually(t, func() bool {
		return factory.dialCount() >= 2 && sess.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond, "session should reconnect")

	require.Eventually(t, func() bool {
		return len(factory.conn(1).sentFrames()) == 2
	}, 2*time.Second, 5*time.Millisecond, "subscription set replayed on the new connection")

	assert.Len(t, sess.Subscriptions(), 2, "subscription set survives the drop")
}

func TestReconnectRetriesFailedDials(t *testing.T) {
	factory := &connFactory{}
	_, sess := newTestManager(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Disconnect()

	factory.mu.Lock()
	factory.fail = 2
	factory.mu.Unlock()
	factory.conn(0).Close()

	require.Eventually(t, func() bool {
		return sess.State() == StateOpen && factory.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond, "reconnects after two refused dials")
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	factory := &connFactory{}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	mgr := NewManager(cfg, WithDialFunc(factory.dial))
	sess, err := mgr.AddExchange(stubAdapter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Disconnect()

	factory.mu.Lock()
	factory.fail = 1000
	factory.mu.Unlock()
	factory.conn(0).Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-mgr.Lifecycle():
			if ev.Kind == LifecycleReconnectFailed {
				assert.Equal(t, "stub", ev.Exchange)
				assert.Equal(t, StateDisconnected, sess.State())
				return
			}
		case <-deadline:
			t.Fatal("reconnectFailed lifecycle event never arrived")
		}
	}
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	factory := &connFactory{}
	_, sess := newTestManager(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	require.NoError(t, sess.Disconnect())

	assert.Equal(t, StateDisconnected, sess.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, factory.dialCount(), "planned disconnect schedules no redial")
}

func TestManagerRejectsDuplicateExchange(t *testing.T) {
	mgr := NewManager(testConfig(), WithDialFunc((&connFactory{}).dial))
	_, err := mgr.AddExchange(stubAdapter{})
	require.NoError(t, err)
	_, err = mgr.AddExchange(stubAdapter{})
	assert.Error(t, err)
}
