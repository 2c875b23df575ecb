// internal/relay/router.go
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/webstar/internal/apperr"
	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/wire"
	"github.com/sirupsen/logrus"
)

var (
	ErrRateLimited     = apperr.New(apperr.RateLimited, "rate_limited", "Rate limit exceeded")
	ErrPayloadTooLarge = apperr.New(apperr.PayloadTooLarge, "payload_too_large", "Message too large")
	ErrNotJoined       = apperr.New(apperr.Protocol, "not_joined", "Not connected to relay")
)

// Delivery reports what Send did with a payload.
type Delivery struct {
	Delivered int
	Queued    bool
}

type member struct {
	conn     *session.Conn
	playerID uint64
}

// group is the set of relay connections for one lobby id.
type group struct {
	mu      sync.Mutex
	members map[uuid.UUID]member
}

type membership struct {
	lobbyID  string
	playerID uint64
}

type queueKey struct {
	lobbyID  string
	playerID uint64
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// Router owns relay groups, offline queues and rate counters. It knows
// nothing about the lobby directory: relay groups are keyed by the same lobby
// id but tracked independently.
//
// Locking: mu guards the groups and memberships maps and is taken before any
// group.mu or queueMu. queueMu and rateMu are leaf locks. Offline queues are
// only filled under mu held for reading and only taken under mu held for
// writing.
type Router struct {
	cfg    config.RelayConfig
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.RWMutex
	groups      map[string]*group
	memberships map[uuid.UUID]membership
	live        map[uint64]int

	queueMu sync.Mutex
	queues  map[queueKey]*ring

	rateMu sync.Mutex
	rates  map[uint64]*rateWindow
}

func NewRouter(cfg config.RelayConfig, logger *logrus.Logger) *Router {
	return &Router{
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		groups:      make(map[string]*group),
		memberships: make(map[uuid.UUID]membership),
		live:        make(map[uint64]int),
		queues:      make(map[queueKey]*ring),
		rates:       make(map[uint64]*rateWindow),
	}
}

// Join registers c in the relay group for lobbyID and flushes any messages
// queued for playerID that are still within the expiry window. It returns
// the number of queued messages delivered.
//
// Registration and the flush happen under r.mu, so a concurrent unicast
// either finds c live or has already queued its message.
func (r *Router) Join(lobbyID string, playerID uint64, c *session.Conn) int {
	r.mu.Lock()
	if _, ok := r.memberships[c.ID]; ok {
		r.detachLocked(c)
	}
	g, ok := r.groups[lobbyID]
	if !ok {
		g = &group{members: make(map[uuid.UUID]member)}
		r.groups[lobbyID] = g
	}
	g.mu.Lock()
	g.members[c.ID] = member{conn: c, playerID: playerID}
	g.mu.Unlock()
	r.memberships[c.ID] = membership{lobbyID: lobbyID, playerID: playerID}
	r.live[playerID]++

	key := queueKey{lobbyID: lobbyID, playerID: playerID}
	r.queueMu.Lock()
	q := r.queues[key]
	delete(r.queues, key)
	r.queueMu.Unlock()
	delivered, expired := r.flush(q, c)
	r.mu.Unlock()

	r.logger.Infof("Player %d connected to relay for lobby %s", playerID, lobbyID)
	if delivered > 0 || expired > 0 {
		r.logger.Infof("Delivered %d queued messages to player %d (%d expired)", delivered, playerID, expired)
	}
	return delivered
}

// flush sends q's unexpired entries to c, oldest first.
func (r *Router) flush(q *ring, c *session.Conn) (delivered, expired int) {
	if q == nil {
		return 0, 0
	}
	now := r.now()
	q.drain(func(item queued) {
		if now.Sub(item.at) >= r.cfg.MessageExpiry {
			expired++
			return
		}
		if c.Send(item.msg) {
			delivered++
		}
	})
	return delivered, expired
}

// Leave removes c from its group, deleting the group when it becomes empty.
// If this was the player's last relay connection, its queue and rate counter
// are cleared as well.
func (r *Router) Leave(c *session.Conn) (lobbyID string, playerID uint64, ok bool) {
	r.mu.Lock()
	m, ok := r.memberships[c.ID]
	if !ok {
		r.mu.Unlock()
		return "", 0, false
	}
	last := r.detachLocked(c)
	if last {
		r.queueMu.Lock()
		delete(r.queues, queueKey{lobbyID: m.lobbyID, playerID: m.playerID})
		r.queueMu.Unlock()
	}
	r.mu.Unlock()

	if last {
		r.rateMu.Lock()
		delete(r.rates, m.playerID)
		r.rateMu.Unlock()
	}
	r.logger.Infof("Player %d disconnected from relay for lobby %s", m.playerID, m.lobbyID)
	return m.lobbyID, m.playerID, true
}

// detachLocked drops c's membership and reports whether its player has no
// other live relay connection. Caller must hold r.mu for writing.
func (r *Router) detachLocked(c *session.Conn) bool {
	m := r.memberships[c.ID]
	delete(r.memberships, c.ID)
	if g, ok := r.groups[m.lobbyID]; ok {
		g.mu.Lock()
		delete(g.members, c.ID)
		empty := len(g.members) == 0
		g.mu.Unlock()
		if empty {
			delete(r.groups, m.lobbyID)
		}
	}
	r.live[m.playerID]--
	if r.live[m.playerID] <= 0 {
		delete(r.live, m.playerID)
		return true
	}
	return false
}

// Membership returns the (lobby, player) c joined as.
func (r *Router) Membership(c *session.Conn) (string, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memberships[c.ID]
	return m.lobbyID, m.playerID, ok
}

// Send relays data from fromPlayerID. With a target, it is unicast to the
// target's live connection in the group or queued for it; without one it is
// broadcast to every other member of the group. The rate limit and size
// limit are checked first and a rejected payload is never queued.
func (r *Router) Send(lobbyID string, fromPlayerID uint64, target *uint64, data interface{}) (Delivery, error) {
	now := r.now()
	if !r.allow(fromPlayerID, now) {
		return Delivery{}, ErrRateLimited
	}
	size, err := wire.Size(data)
	if err != nil {
		return Delivery{}, apperr.Validationf("Unserializable relay payload")
	}
	if size > r.cfg.MaxMessageSize {
		return Delivery{}, ErrPayloadTooLarge
	}

	msg := wire.New("relay_message").
		With("from_player_id", fromPlayerID).
		With("data", data).
		With("timestamp", now.UnixMilli())

	if target != nil {
		return r.unicast(lobbyID, *target, msg, now), nil
	}

	var d Delivery
	for _, m := range r.snapshot(lobbyID) {
		if m.playerID == fromPlayerID {
			continue
		}
		if m.conn.Send(msg) {
			d.Delivered++
		}
	}
	return d, nil
}

// unicast hands msg to target's live connection, or queues it when target
// has none. r.mu is held for reading from the liveness check through the
// enqueue so it cannot interleave with Join.
func (r *Router) unicast(lobbyID string, target uint64, msg wire.Message, now time.Time) Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := false
	for _, m := range r.membersLocked(lobbyID) {
		if m.playerID != target {
			continue
		}
		live = true
		if m.conn.Send(msg) {
			return Delivery{Delivered: 1}
		}
	}
	if live {
		// Target is connected but its outbound queue is full.
		return Delivery{}
	}
	r.enqueue(queueKey{lobbyID: lobbyID, playerID: target}, msg, now)
	r.logger.Debugf("Queued message for offline player %d in lobby %s", target, lobbyID)
	return Delivery{Queued: true}
}

// Broadcast sends msg to every member of lobbyID's group except except.
func (r *Router) Broadcast(lobbyID string, except *session.Conn, msg wire.Message) {
	for _, m := range r.snapshot(lobbyID) {
		if m.conn == except {
			continue
		}
		m.conn.Send(msg)
	}
}

// snapshot copies a group's members so sends happen without holding locks.
func (r *Router) snapshot(lobbyID string) []member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(lobbyID)
}

// membersLocked copies a group's members. Caller must hold r.mu.
func (r *Router) membersLocked(lobbyID string) []member {
	g, ok := r.groups[lobbyID]
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

// allow applies the fixed one-second window limiter for playerID.
func (r *Router) allow(playerID uint64, now time.Time) bool {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()
	w, ok := r.rates[playerID]
	if !ok || now.After(w.resetAt) {
		r.rates[playerID] = &rateWindow{count: 1, resetAt: now.Add(time.Second)}
		return true
	}
	if w.count >= r.cfg.MaxMessagesPerSecond {
		return false
	}
	w.count++
	return true
}

func (r *Router) enqueue(key queueKey, msg wire.Message, now time.Time) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	q, ok := r.queues[key]
	if !ok {
		q = newRing(r.cfg.QueueLength)
		r.queues[key] = q
	}
	q.push(queued{msg: msg, at: now})
}

// RouterStats is a point-in-time view for the stats endpoint.
type RouterStats struct {
	Groups         int `json:"groups"`
	Connections    int `json:"connections"`
	QueuedMessages int `json:"queued_messages"`
	QueuedPlayers  int `json:"queued_players"`
}

func (r *Router) Stats() RouterStats {
	var s RouterStats
	r.mu.RLock()
	s.Groups = len(r.groups)
	s.Connections = len(r.memberships)
	r.mu.RUnlock()

	r.queueMu.Lock()
	s.QueuedPlayers = len(r.queues)
	for _, q := range r.queues {
		s.QueuedMessages += q.len()
	}
	r.queueMu.Unlock()
	return s
}
