// internal/session/conn.go
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/webstar/internal/wire"
)

// Channel names the socket endpoint a connection arrived on.
type Channel string

const (
	Primary Channel = "primary"
	Relay   Channel = "relay"
)

// DefaultOutBuffer is the outbound queue depth per connection.
const DefaultOutBuffer = 64

// Conn is the record of one live socket. Outbound messages are queued on a
// buffered channel drained by a single writer goroutine, so frames on one
// socket never interleave. The channel is never closed; Close signals the
// writer through Done instead, which keeps Send safe from any goroutine.
type Conn struct {
	ID         uuid.UUID
	Channel    Channel
	RemoteAddr string

	out       chan wire.Message
	done      chan struct{}
	closeOnce sync.Once
	code      websocket.StatusCode
	reason    string

	encoding      atomic.Int32
	lastHeartbeat atomic.Int64
	dropped       atomic.Uint64
	authFailures  atomic.Int32

	mu       sync.Mutex
	lobbyID  string
	playerID uint64
}

// NewConn creates a record with a fresh connection id.
func NewConn(channel Channel, remoteAddr string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultOutBuffer
	}
	c := &Conn{
		ID:         uuid.New(),
		Channel:    channel,
		RemoteAddr: remoteAddr,
		out:        make(chan wire.Message, buffer),
		done:       make(chan struct{}),
	}
	c.Heartbeat(time.Now())
	return c
}

// Send queues msg without blocking. It returns false if the connection is
// closing or its queue is full; the message is dropped in both cases.
func (c *Conn) Send(msg wire.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Out is drained by the connection's writer.
func (c *Conn) Out() <-chan wire.Message {
	return c.out
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close asks the writer to close the socket with code and reason. Only the
// first call has any effect.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.code = code
		c.reason = reason
		close(c.done)
	})
}

// CloseStatus returns the code and reason passed to Close. It must only be
// called after Done is closed.
func (c *Conn) CloseStatus() (websocket.StatusCode, string) {
	return c.code, c.reason
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Dropped counts messages discarded because the queue was full.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// AuthFailed counts a rejected lobby password and returns the new total.
func (c *Conn) AuthFailed() int {
	return int(c.authFailures.Add(1))
}

func (c *Conn) AuthFailures() int {
	return int(c.authFailures.Load())
}

// Heartbeat records liveness at t.
func (c *Conn) Heartbeat(t time.Time) {
	c.lastHeartbeat.Store(t.UnixNano())
}

func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// SetEncoding records the encoding of the latest inbound frame; replies use it.
func (c *Conn) SetEncoding(enc wire.Encoding) {
	c.encoding.Store(int32(enc))
}

func (c *Conn) Encoding() wire.Encoding {
	return wire.Encoding(c.encoding.Load())
}

// Association returns the lobby and player this connection is bound to.
func (c *Conn) Association() (lobbyID string, playerID uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbyID, c.playerID, c.lobbyID != ""
}

func (c *Conn) setAssociation(lobbyID string, playerID uint64) {
	c.mu.Lock()
	c.lobbyID = lobbyID
	c.playerID = playerID
	c.mu.Unlock()
}
