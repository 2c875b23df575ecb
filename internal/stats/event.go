// internal/stats/event.go
package stats

import "time"

// Event types emitted for lobby lifecycle analytics.
const (
	EventLobbyCreated   = "lobby_created"
	EventLobbyDestroyed = "lobby_destroyed"
	EventPlayerJoined   = "player_joined"
	EventPlayerLeft     = "player_left"
	EventHostMigrated   = "host_migrated"
	EventGameStarted    = "game_started"
	EventGameEnded      = "game_ended"
	EventPeerOffer      = "peer_offer"
	EventPeerFailed     = "peer_connection_failed"
	EventRelayFallback  = "relay_fallback"
)

// Event is one analytics record. It is only ever written outward; nothing in
// the server reads events back.
type Event struct {
	Type     string                 `json:"type"`
	LobbyID  string                 `json:"lobby_id,omitempty"`
	PlayerID uint64                 `json:"player_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	At       time.Time              `json:"at"`
}

// Sink consumes events. Implementations must not block the caller.
type Sink interface {
	Emit(Event)
}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}
