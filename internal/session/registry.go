// internal/session/registry.go
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks the live connections of one channel and, for connections
// bound to a lobby, indexes them by lobby and by player. The association on
// each Conn is only changed through Bind/Unbind so the indexes stay in step.
type Registry struct {
	mu       sync.RWMutex
	conns    map[uuid.UUID]*Conn
	byLobby  map[string]map[uuid.UUID]*Conn
	byPlayer map[uint64]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[uuid.UUID]*Conn),
		byLobby:  make(map[string]map[uuid.UUID]*Conn),
		byPlayer: make(map[uint64]*Conn),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Remove drops c and its association. It returns the association the
// connection held, if any.
func (r *Registry) Remove(c *Conn) (lobbyID string, playerID uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID)
	return r.unbindLocked(c)
}

// Bind associates c with (lobbyID, playerID), replacing any previous
// association.
func (r *Registry) Bind(c *Conn, lobbyID string, playerID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(c)
	c.setAssociation(lobbyID, playerID)
	members, ok := r.byLobby[lobbyID]
	if !ok {
		members = make(map[uuid.UUID]*Conn)
		r.byLobby[lobbyID] = members
	}
	members[c.ID] = c
	r.byPlayer[playerID] = c
}

// Unbind clears c's association and returns what it was.
func (r *Registry) Unbind(c *Conn) (lobbyID string, playerID uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(c)
}

// UnbindPlayer clears the association of whichever connection is bound to
// playerID in lobbyID. Used when the directory drops a player on its own.
func (r *Registry) UnbindPlayer(lobbyID string, playerID uint64) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	if cur, _, _ := c.Association(); cur != lobbyID {
		return nil, false
	}
	r.unbindLocked(c)
	return c, true
}

func (r *Registry) unbindLocked(c *Conn) (string, uint64, bool) {
	lobbyID, playerID, ok := c.Association()
	if !ok {
		return "", 0, false
	}
	if members := r.byLobby[lobbyID]; members != nil {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(r.byLobby, lobbyID)
		}
	}
	if r.byPlayer[playerID] == c {
		delete(r.byPlayer, playerID)
	}
	c.setAssociation("", 0)
	return lobbyID, playerID, true
}

func (r *Registry) Get(id uuid.UUID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Player returns the live connection bound to playerID in lobbyID.
func (r *Registry) Player(lobbyID string, playerID uint64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	if cur, _, _ := c.Association(); cur != lobbyID {
		return nil, false
	}
	return c, true
}

// Members returns a snapshot of the connections bound to lobbyID. Callers
// iterate the snapshot without holding any lock.
func (r *Registry) Members(lobbyID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.byLobby[lobbyID]
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Stale returns connections whose last heartbeat is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []*Conn {
	var out []*Conn
	for _, c := range r.All() {
		if c.LastHeartbeat().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
