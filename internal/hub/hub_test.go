package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/internal/metrics"
	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

// fakeConn records written frames.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	failAt int // fail writes from this index on (0 = never)
	closed bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.frames)+1 >= f.failAt {
		return errors.ErrConnectionClosed
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// fakeIndex is a static channel -> subscriber mapping.
type fakeIndex struct {
	mu           sync.Mutex
	subs         map[string][]string
	disconnected []string
}

func (f *fakeIndex) Subscribers(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs[channel]...)
}

func (f *fakeIndex) Disconnect(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, connID)
}

func (f *fakeIndex) disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnected...)
}

func heartbeat(t *testing.T) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.TypeHeartbeat, wire.HeartbeatPayload{ServerTime: "2025-06-02T09:30:00Z"})
	require.NoError(t, err)
	return env
}

func TestSendDeliversToConnection(t *testing.T) {
	idx := &fakeIndex{subs: map[string][]string{}}
	h := New(idx, zap.NewNop())
	conn := &fakeConn{}
	h.Attach("conn-1", conn)
	defer h.Detach("conn-1")

	h.Send("conn-1", heartbeat(t))

	require.Eventually(t, func() bool { return conn.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendToUnknownConnectionIsNoop(t *testing.T) {
	h := New(&fakeIndex{subs: map[string][]string{}}, zap.NewNop())
	h.Send("ghost", heartbeat(t)) // must not panic or block
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	idx := &fakeIndex{subs: map[string][]string{
		"us_stocks": {"conn-1", "conn-2"},
	}}
	h := New(idx, zap.NewNop())
	c1, c2, c3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Attach("conn-1", c1)
	h.Attach("conn-2", c2)
	h.Attach("conn-3", c3) // attached but not subscribed

	h.Broadcast("us_stocks", heartbeat(t))

	require.Eventually(t, func() bool {
		return c1.count() == 1 && c2.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c3.count())
}

func TestBroadcastSurvivesDeadConnection(t *testing.T) {
	idx := &fakeIndex{subs: map[string][]string{
		"us_stocks": {"dead", "alive-1", "alive-2"},
	}}
	h := New(idx, zap.NewNop())
	dead := &fakeConn{failAt: 1}
	a1, a2 := &fakeConn{}, &fakeConn{}
	h.Attach("dead", dead)
	h.Attach("alive-1", a1)
	h.Attach("alive-2", a2)

	h.Broadcast("us_stocks", heartbeat(t))

	// The two healthy subscribers still receive the frame.
	require.Eventually(t, func() bool {
		return a1.count() == 1 && a2.count() == 1
	}, time.Second, 5*time.Millisecond)

	// The dead one is removed from hub and registry.
	require.Eventually(t, func() bool {
		return h.Len() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, idx.disconnects(), "dead")
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	idx := &fakeIndex{subs: map[string][]string{}}
	h := New(idx, zap.NewNop())
	h.buffer = 1

	// A connection whose writer never drains: block the pump on the first write.
	blocked := make(chan struct{})
	conn := &slowConn{unblock: blocked}
	h.Attach("slow", conn)

	env := heartbeat(t)
	h.Send("slow", env) // consumed by the pump, blocks in WriteMessage
	time.Sleep(10 * time.Millisecond)
	h.Send("slow", env) // fills the 1-slot buffer
	h.Send("slow", env) // overflow: must disconnect, not block

	assert.Equal(t, 0, h.Len())
	assert.Contains(t, idx.disconnects(), "slow")
	close(blocked)
}

// slowConn blocks in WriteMessage until unblocked.
type slowConn struct {
	unblock chan struct{}
	once    sync.Once
}

func (s *slowConn) WriteMessage([]byte) error {
	<-s.unblock
	return nil
}

func (s *slowConn) Close() error {
	return nil
}

func TestPublishOrderPreserved(t *testing.T) {
	idx := &fakeIndex{subs: map[string][]string{"us_stocks": {"conn-1"}}}
	h := New(idx, zap.NewNop())
	conn := &fakeConn{}
	h.Attach("conn-1", conn)

	for i := 0; i < 20; i++ {
		env, err := wire.NewEnvelope(wire.TypePriceQuote, wire.PriceQuotePayload{
			Symbol: "AAPL", CurrentPrice: float64(i + 1), MarketState: "open",
		})
		require.NoError(t, err)
		h.Broadcast("us_stocks", env)
	}

	require.Eventually(t, func() bool { return conn.count() == 20 }, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, raw := range conn.frames {
		env, err := wire.Decode(raw)
		require.NoError(t, err)
		var p wire.PriceQuotePayload
		require.NoError(t, env.DecodePayload(&p))
		assert.Equal(t, float64(i+1), p.CurrentPrice, "frame %d out of order", i)
	}
}

func TestReattachKeepsConnectionGaugeBalanced(t *testing.T) {
	idx := &fakeIndex{subs: map[string][]string{}}
	h := New(idx, zap.NewNop())
	base := testutil.ToFloat64(metrics.ActiveConnections)

	first := &fakeConn{}
	second := &fakeConn{}
	h.Attach("conn-1", first)
	h.Attach("conn-1", second)

	// The id holds one slot regardless of how often its transport is replaced.
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.ActiveConnections))
	assert.Equal(t, 1, h.Len())

	require.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.closed
	}, time.Second, 5*time.Millisecond)

	h.Detach("conn-1")
	assert.Equal(t, base, testutil.ToFloat64(metrics.ActiveConnections))
}

func TestDetachIdempotent(t *testing.T) {
	idx := &fakeIndex{subs: map[string][]string{}}
	h := New(idx, zap.NewNop())
	conn := &fakeConn{}
	h.Attach("conn-1", conn)

	h.Detach("conn-1")
	h.Detach("conn-1")
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, []string{"conn-1"}, idx.disconnects())

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)
}
