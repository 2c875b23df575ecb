package relay

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRouter(t *testing.T, mutate ...func(*config.RelayConfig)) (*Router, *fakeClock) {
	t.Helper()
	cfg := config.Default().Relay
	for _, m := range mutate {
		m(&cfg)
	}
	r := NewRouter(cfg, testLogger())
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r.now = clock.Now
	return r, clock
}

func newConn() *session.Conn {
	return session.NewConn(session.Relay, "127.0.0.1:9", 512)
}

// drain returns every message currently queued on c.
func drain(c *session.Conn) []wire.Message {
	var out []wire.Message
	for {
		select {
		case m := <-c.Out():
			out = append(out, m)
		default:
			return out
		}
	}
}

func ptr(v uint64) *uint64 { return &v }

func TestUnicastToLiveTarget(t *testing.T) {
	r, _ := newTestRouter(t)
	a, b := newConn(), newConn()
	r.Join("L1", 1, a)
	r.Join("L1", 2, b)

	d, err := r.Send("L1", 1, ptr(2), map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Delivered)

	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, "relay_message", got[0].Type())
	assert.EqualValues(t, 1, got[0]["from_player_id"])
	assert.Empty(t, drain(a))
}

func TestBroadcastSkipsSender(t *testing.T) {
	r, _ := newTestRouter(t)
	a, b, c := newConn(), newConn(), newConn()
	other := newConn()
	r.Join("L1", 1, a)
	r.Join("L1", 2, b)
	r.Join("L1", 3, c)
	r.Join("L2", 4, other)

	d, err := r.Send("L1", 1, nil, "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Delivered)
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
	assert.Len(t, drain(c), 1)
	assert.Empty(t, drain(other))
}

func TestOfflineTargetIsQueuedAndFlushedOnJoin(t *testing.T) {
	r, clock := newTestRouter(t)
	a := newConn()
	r.Join("L1", 1, a)

	for i := range 3 {
		d, err := r.Send("L1", 1, ptr(2), i)
		require.NoError(t, err)
		assert.True(t, d.Queued)
	}
	assert.Equal(t, 3, r.Stats().QueuedMessages)

	clock.Advance(4 * time.Minute)
	b := newConn()
	assert.Equal(t, 3, r.Join("L1", 2, b))

	got := drain(b)
	require.Len(t, got, 3)
	for i, m := range got {
		assert.Equal(t, i, m["data"], "queued messages arrive in order")
	}
	assert.Zero(t, r.Stats().QueuedMessages)
}

func TestQueuedMessagesExpire(t *testing.T) {
	r, clock := newTestRouter(t)
	r.Join("L1", 1, newConn())

	_, err := r.Send("L1", 1, ptr(2), "stale")
	require.NoError(t, err)
	clock.Advance(5*time.Minute + time.Second)
	_, err = r.Send("L1", 1, ptr(2), "fresh")
	require.NoError(t, err)

	b := newConn()
	assert.Equal(t, 1, r.Join("L1", 2, b))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0]["data"])
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	r, _ := newTestRouter(t, func(c *config.RelayConfig) { c.QueueLength = 3 })
	r.Join("L1", 1, newConn())
	for i := range 5 {
		_, err := r.Send("L1", 1, ptr(2), i)
		require.NoError(t, err)
	}

	b := newConn()
	r.Join("L1", 2, b)
	got := drain(b)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0]["data"])
	assert.Equal(t, 4, got[2]["data"])
}

func TestQueuesAreScopedToLobby(t *testing.T) {
	r, _ := newTestRouter(t)
	r.Join("L1", 1, newConn())
	_, err := r.Send("L1", 1, ptr(2), "for L1")
	require.NoError(t, err)

	b := newConn()
	assert.Zero(t, r.Join("L2", 2, b))
	assert.Empty(t, drain(b))
}

// Scenario: 101 messages in one second with a cap of 100.
func TestRateLimitFixedWindow(t *testing.T) {
	r, clock := newTestRouter(t)
	a := newConn()
	r.Join("L1", 1, a)

	for i := range 100 {
		d, err := r.Send("L1", 1, ptr(2), i)
		require.NoError(t, err, "message %d", i)
		assert.True(t, d.Queued)
	}
	_, err := r.Send("L1", 1, ptr(2), 100)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 100, r.Stats().QueuedMessages, "rejected messages are not queued")

	clock.Advance(500 * time.Millisecond)
	_, err = r.Send("L1", 1, ptr(2), "still limited")
	assert.ErrorIs(t, err, ErrRateLimited)

	clock.Advance(501 * time.Millisecond)
	_, err = r.Send("L1", 1, ptr(2), "new window")
	assert.NoError(t, err)

	b := newConn()
	r.Join("L1", 2, b)
	assert.Len(t, drain(b), 100)
}

func TestPayloadTooLarge(t *testing.T) {
	r, _ := newTestRouter(t, func(c *config.RelayConfig) { c.MaxMessageSize = 16 })
	r.Join("L1", 1, newConn())

	_, err := r.Send("L1", 1, ptr(2), strings.Repeat("x", 32))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, r.Stats().QueuedMessages)
}

func TestLeaveDeletesEmptyGroupAndClearsState(t *testing.T) {
	r, _ := newTestRouter(t, func(c *config.RelayConfig) { c.MaxMessagesPerSecond = 1 })
	a := newConn()
	r.Join("L1", 1, a)
	_, err := r.Send("L1", 1, nil, "x")
	require.NoError(t, err)
	_, err = r.Send("L1", 1, nil, "y")
	require.ErrorIs(t, err, ErrRateLimited)

	lobbyID, playerID, ok := r.Leave(a)
	require.True(t, ok)
	assert.Equal(t, "L1", lobbyID)
	assert.EqualValues(t, 1, playerID)
	assert.Zero(t, r.Stats().Groups)

	_, _, ok = r.Leave(a)
	assert.False(t, ok)

	r.Join("L1", 1, newConn())
	_, err = r.Send("L1", 1, nil, "z")
	assert.NoError(t, err, "a full leave resets the rate counter")
}

func TestReconnectKeepsRateCounter(t *testing.T) {
	r, _ := newTestRouter(t, func(c *config.RelayConfig) { c.MaxMessagesPerSecond = 1 })
	old := newConn()
	r.Join("L1", 1, old)
	_, err := r.Send("L1", 1, nil, "x")
	require.NoError(t, err)

	fresh := newConn()
	r.Join("L1", 1, fresh)
	r.Leave(old)

	_, err = r.Send("L1", 1, nil, "y")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRejoinMovesConnection(t *testing.T) {
	r, _ := newTestRouter(t)
	a := newConn()
	r.Join("L1", 1, a)
	r.Join("L2", 1, a)

	lobbyID, _, ok := r.Membership(a)
	require.True(t, ok)
	assert.Equal(t, "L2", lobbyID)
	assert.Equal(t, 1, r.Stats().Groups)
}

func TestUnicastRacingJoinIsNeverStranded(t *testing.T) {
	r, _ := newTestRouter(t, func(c *config.RelayConfig) { c.MaxMessagesPerSecond = 1 << 30 })
	sender := newConn()
	r.Join("L1", 1, sender)

	for i := range 500 {
		target := uint64(1000 + i)
		c := newConn()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Send("L1", 1, ptr(target), i)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			r.Join("L1", target, c)
		}()
		wg.Wait()

		got := drain(c)
		require.Len(t, got, 1, "iteration %d", i)
		assert.Equal(t, i, got[0]["data"])
		require.Zero(t, r.Stats().QueuedMessages, "iteration %d", i)
	}
}
