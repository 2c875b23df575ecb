// internal/lobby/lobby.go
package lobby

import (
	"maps"
	"sync"
	"time"
)

// PlayerID is assigned by the server from a process-wide counter, so a lower
// id always means an earlier join.
type PlayerID uint64

// State is the lifecycle state of a lobby.
type State string

const (
	StateWaiting  State = "waiting"
	StateInGame   State = "in_game"
	StateFinished State = "finished"
)

// ValidState reports whether s is one of the known lobby states.
func ValidState(s State) bool {
	return s == StateWaiting || s == StateInGame || s == StateFinished
}

// Player is a member of exactly one lobby. It is owned by that lobby and only
// mutated under the lobby's lock.
type Player struct {
	ID       PlayerID
	Username string
	PeerID   string
	Ready    bool
	JoinedAt time.Time
	LastSeen time.Time
	Metadata map[string]interface{}
}

// Profile is the client-supplied part of a player record.
type Profile struct {
	Username string
	PeerID   string
	Metadata map[string]interface{}
}

// Lobby is an in-memory group of players. All fields are guarded by mu; the
// Directory hands out snapshots (Info) rather than the record itself.
type Lobby struct {
	mu sync.Mutex

	id           string
	name         string
	hostID       PlayerID
	public       bool
	maxPlayers   int
	gameSettings map[string]interface{}
	passwordHash string
	state        State
	createdAt    time.Time
	lastActivity time.Time

	// players is kept in join order.
	players []*Player

	// deleted is set once the Directory drops the lobby; late callers holding
	// the pointer treat it as absent.
	deleted bool
}

// PlayerInfo is the serialized form of a player inside lobby_info.
type PlayerInfo struct {
	PlayerID    PlayerID               `json:"player_id"`
	Username    string                 `json:"username"`
	PeerID      string                 `json:"peer_id,omitempty"`
	IsReady     bool                   `json:"is_ready"`
	ConnectedAt int64                  `json:"connected_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Info is a point-in-time copy of a lobby. Listings leave Players empty.
type Info struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	HostPlayerID   PlayerID               `json:"host_player_id"`
	MaxPlayers     int                    `json:"max_players"`
	CurrentPlayers int                    `json:"current_players"`
	IsPublic       bool                   `json:"is_public"`
	HasPassword    bool                   `json:"has_password"`
	State          State                  `json:"state"`
	GameSettings   map[string]interface{} `json:"game_settings"`
	CreatedAt      int64                  `json:"created_at"`
	Players        []PlayerInfo           `json:"players,omitempty"`
}

// touchUnsafe bumps lastActivity without ever moving it backwards.
// Caller must hold l.mu.
func (l *Lobby) touchUnsafe(now time.Time) {
	if now.After(l.lastActivity) {
		l.lastActivity = now
	}
}

// playerIndexUnsafe returns the position of id in l.players, or -1.
func (l *Lobby) playerIndexUnsafe(id PlayerID) int {
	for i, p := range l.players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (l *Lobby) playerUnsafe(id PlayerID) *Player {
	if i := l.playerIndexUnsafe(id); i >= 0 {
		return l.players[i]
	}
	return nil
}

// removePlayerUnsafe drops id and, if it was the host of a now non-empty
// lobby, promotes the member with the lowest id. It returns the removed
// player (nil if absent) and the new host (0 if unchanged).
func (l *Lobby) removePlayerUnsafe(id PlayerID, now time.Time) (*Player, PlayerID) {
	i := l.playerIndexUnsafe(id)
	if i < 0 {
		return nil, 0
	}
	p := l.players[i]
	l.players = append(l.players[:i], l.players[i+1:]...)
	l.touchUnsafe(now)

	var newHost PlayerID
	if l.hostID == id && len(l.players) > 0 {
		newHost = l.players[0].ID
		for _, other := range l.players[1:] {
			if other.ID < newHost {
				newHost = other.ID
			}
		}
		l.hostID = newHost
	}
	return p, newHost
}

func (l *Lobby) openUnsafe() bool {
	return l.public && l.state == StateWaiting && len(l.players) < l.maxPlayers
}

func (l *Lobby) allReadyUnsafe() bool {
	if len(l.players) < 2 {
		return false
	}
	for _, p := range l.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// infoUnsafe serializes the lobby. Maps are copied at the top level so the
// result can be encoded after the lock is released.
func (l *Lobby) infoUnsafe(withPlayers bool) Info {
	info := Info{
		ID:             l.id,
		Name:           l.name,
		HostPlayerID:   l.hostID,
		MaxPlayers:     l.maxPlayers,
		CurrentPlayers: len(l.players),
		IsPublic:       l.public,
		HasPassword:    l.passwordHash != "",
		State:          l.state,
		GameSettings:   maps.Clone(l.gameSettings),
		CreatedAt:      l.createdAt.UnixMilli(),
	}
	if info.GameSettings == nil {
		info.GameSettings = map[string]interface{}{}
	}
	if withPlayers {
		info.Players = make([]PlayerInfo, 0, len(l.players))
		for _, p := range l.players {
			info.Players = append(info.Players, p.info())
		}
	}
	return info
}

func (p *Player) info() PlayerInfo {
	return PlayerInfo{
		PlayerID:    p.ID,
		Username:    p.Username,
		PeerID:      p.PeerID,
		IsReady:     p.Ready,
		ConnectedAt: p.JoinedAt.UnixMilli(),
		Metadata:    maps.Clone(p.Metadata),
	}
}
