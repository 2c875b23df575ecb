// internal/signaling/handler.go
package signaling

import (
	"time"

	"github.com/jason-s-yu/webstar/internal/apperr"
	"github.com/jason-s-yu/webstar/internal/auth"
	"github.com/jason-s-yu/webstar/internal/lobby"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/stats"
	"github.com/jason-s-yu/webstar/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyInLobby  = apperr.New(apperr.Validation, "already_in_lobby", "Already in a lobby")
	ErrTargetNotFound  = apperr.New(apperr.NotFound, "target_not_found", "Target player not found")
	ErrTargetRequired  = apperr.New(apperr.Validation, "target_required", "Target player ID required for WebRTC signaling")
	ErrTooManyAttempts = apperr.New(apperr.RateLimited, "too_many_attempts", "Too many failed password attempts")
)

// maxPasswordFailures is how many wrong lobby passwords one connection may
// send before join_lobby is refused outright.
const maxPasswordFailures = 5

// Options carries the rendezvous hints and optional collaborators.
type Options struct {
	ICEServers    []webrtc.ICEServer
	RelayEndpoint string
	// PeerTimeout and PeerRetries are passed to clients as webrtc_config
	// so every peer gives up on a direct connection at the same point.
	PeerTimeout time.Duration
	PeerRetries int
	// Signer, when set, issues a relay_token with lobby_created/lobby_joined.
	Signer *auth.Signer
	Events stats.Sink
}

// Handler interprets frames on the primary channel. It mutates the lobby
// directory and routes replies and broadcasts through the connection
// registry's lobby associations.
type Handler struct {
	dir    *lobby.Directory
	conns  *session.Registry
	opts   Options
	logger *logrus.Logger
}

func NewHandler(dir *lobby.Directory, conns *session.Registry, opts Options, logger *logrus.Logger) *Handler {
	if opts.Events == nil {
		opts.Events = stats.Discard{}
	}
	if opts.RelayEndpoint == "" {
		opts.RelayEndpoint = "/relay"
	}
	return &Handler{dir: dir, conns: conns, opts: opts, logger: logger}
}

// Handle processes one inbound message from c. A returned error is reported
// to the sender; the connection stays open either way.
func (h *Handler) Handle(c *session.Conn, msg wire.Message) error {
	switch msg.Type() {
	case "heartbeat":
		return h.handleHeartbeat(c)
	case "ping":
		c.Send(wire.New("pong").With("timestamp", wire.Now()))
		return nil
	case "create_lobby":
		return h.handleCreateLobby(c, msg)
	case "join_lobby":
		return h.handleJoinLobby(c, msg)
	case "leave_lobby":
		return h.handleLeaveLobby(c)
	case "lobby_list":
		c.Send(wire.New("lobby_list").With("lobbies", h.dir.PublicLobbies()))
		return nil
	case "player_ready":
		return h.handlePlayerReady(c, msg)
	case "start_game":
		return h.handleStartGame(c, msg)
	case "end_game":
		return h.handleEndGame(c, msg)
	case "webrtc_offer", "webrtc_answer", "webrtc_ice_candidate":
		return h.handleWebRTCSignaling(c, msg)
	case "peer_connection_failed":
		return h.handlePeerConnectionFailed(c, msg)
	case "update_player_info":
		return h.handleUpdatePlayerInfo(c, msg)
	case "lobby_settings":
		return h.handleLobbySettings(c, msg)
	case "lobby_message":
		return h.handleLobbyMessage(c, msg)
	default:
		h.logger.Warnf("Unknown message type from %s: %s", c.ID, msg.Type())
		return apperr.New(apperr.Protocol, "unknown_message_type", "Unknown message type: "+msg.Type())
	}
}

// member returns c's lobby association or ErrNotInLobby.
func member(c *session.Conn) (string, lobby.PlayerID, error) {
	lobbyID, playerID, ok := c.Association()
	if !ok {
		return "", 0, lobby.ErrNotInLobby
	}
	return lobbyID, lobby.PlayerID(playerID), nil
}

func (h *Handler) handleHeartbeat(c *session.Conn) error {
	if lobbyID, playerID, ok := c.Association(); ok {
		h.dir.Touch(lobbyID, lobby.PlayerID(playerID))
	}
	c.Send(wire.New("heartbeat_ack").With("timestamp", wire.Now()))
	return nil
}

func (h *Handler) emit(typ, lobbyID string, playerID lobby.PlayerID, data map[string]interface{}) {
	h.opts.Events.Emit(stats.Event{
		Type:     typ,
		LobbyID:  lobbyID,
		PlayerID: uint64(playerID),
		Data:     data,
		At:       nowTime(),
	})
}

// Broadcast sends msg to every connection bound to lobbyID except the one
// bound to except (0 excludes nobody). A failed send to one member never
// affects the others.
func (h *Handler) Broadcast(lobbyID string, msg wire.Message, except lobby.PlayerID) int {
	sent := 0
	for _, c := range h.conns.Members(lobbyID) {
		_, playerID, ok := c.Association()
		if !ok || (except != 0 && lobby.PlayerID(playerID) == except) {
			continue
		}
		if c.Send(msg) {
			sent++
		} else {
			h.logger.WithFields(logrus.Fields{
				"conn_id":  c.ID,
				"lobby_id": lobbyID,
				"type":     msg.Type(),
			}).Warn("dropped broadcast to slow or closing connection")
		}
	}
	return sent
}

// AnnounceDeparture tells the remaining members of a lobby that a player has
// gone, and names the new host if one was promoted. The departing player's
// connection must already be unbound.
func (h *Handler) AnnounceDeparture(dep lobby.Departure, refreshList bool) {
	h.Broadcast(dep.LobbyID, wire.New("player_left").
		With("player_id", dep.Player.PlayerID).
		With("username", dep.Player.Username), 0)
	if refreshList {
		h.Broadcast(dep.LobbyID, wire.New("player_list_updated").With("player_list", dep.Remaining), 0)
	}
	h.emit(stats.EventPlayerLeft, dep.LobbyID, dep.Player.PlayerID, nil)

	if dep.NewHostID != 0 {
		h.Broadcast(dep.LobbyID, wire.New("host_migration").
			With("new_host_id", dep.NewHostID).
			With("timestamp", wire.Now()), 0)
		h.emit(stats.EventHostMigrated, dep.LobbyID, dep.NewHostID, map[string]interface{}{
			"previous_host_id": uint64(dep.Player.PlayerID),
		})
	}
}

// Disconnect handles the loss of c: the player is removed from its lobby and
// the remaining members are notified.
func (h *Handler) Disconnect(c *session.Conn) {
	lobbyID, playerID, ok := h.conns.Remove(c)
	if !ok {
		return
	}
	dep, removed := h.dir.RemovePlayer(lobbyID, lobby.PlayerID(playerID))
	if !removed {
		// Already reaped or the lobby is gone.
		return
	}
	h.AnnounceDeparture(dep, true)
}

// ApplyCleanup propagates a directory sweep: reaped players lose their
// association and are told so, remaining members are notified, and removed
// lobbies are reported.
func (h *Handler) ApplyCleanup(report lobby.CleanupReport) {
	for _, dep := range report.Reaped {
		if c, ok := h.conns.UnbindPlayer(dep.LobbyID, uint64(dep.Player.PlayerID)); ok {
			c.Send(wire.New("lobby_left").
				With("lobby_id", dep.LobbyID).
				With("reason", "inactive"))
		}
		h.AnnounceDeparture(dep, true)
	}
	for _, exp := range report.Expired {
		for _, p := range exp.Players {
			if c, ok := h.conns.UnbindPlayer(exp.LobbyID, uint64(p.PlayerID)); ok {
				c.Send(wire.New("lobby_closed").
					With("lobby_id", exp.LobbyID).
					With("reason", "expired").
					With("timestamp", wire.Now()))
			}
		}
	}
	for _, id := range report.RemovedLobbies {
		h.emit(stats.EventLobbyDestroyed, id, 0, nil)
	}
}
