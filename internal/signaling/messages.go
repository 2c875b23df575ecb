// internal/signaling/messages.go
package signaling

import (
	"errors"
	"time"

	"github.com/jason-s-yu/webstar/internal/apperr"
	"github.com/jason-s-yu/webstar/internal/lobby"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/stats"
	"github.com/jason-s-yu/webstar/internal/wire"
)

var nowTime = time.Now

func (h *Handler) handleCreateLobby(c *session.Conn, msg wire.Message) error {
	if _, _, ok := c.Association(); ok {
		return ErrAlreadyInLobby
	}
	settings, err := settingsFrom(wire.Message(msg.Map("lobby_info")))
	if err != nil {
		return err
	}
	profile := profileFrom(wire.Message(msg.Map("player_info")))

	playerID := h.dir.NextPlayerID()
	info, prev, err := h.dir.CreateLobby(playerID, settings, profile)
	if prev != nil {
		h.AnnounceDeparture(*prev, true)
	}
	if err != nil {
		return err
	}
	h.conns.Bind(c, info.ID, uint64(playerID))

	h.sendLobbyWelcome(c, "lobby_created", info, playerID)
	h.emit(stats.EventLobbyCreated, info.ID, playerID, map[string]interface{}{
		"name":        info.Name,
		"max_players": info.MaxPlayers,
		"is_public":   info.IsPublic,
	})
	return nil
}

func (h *Handler) handleJoinLobby(c *session.Conn, msg wire.Message) error {
	if _, _, ok := c.Association(); ok {
		return ErrAlreadyInLobby
	}
	lobbyID := msg.String("lobby_id")
	if lobbyID == "" {
		return apperr.Validationf("Lobby ID required")
	}
	if c.AuthFailures() >= maxPasswordFailures {
		return ErrTooManyAttempts
	}
	profile := profileFrom(wire.Message(msg.Map("player_info")))

	playerID := h.dir.NextPlayerID()
	info, prev, err := h.dir.JoinLobby(lobbyID, playerID, profile, msg.String("password"))
	if prev != nil {
		h.AnnounceDeparture(*prev, true)
	}
	if errors.Is(err, lobby.ErrWrongPassword) {
		if n := c.AuthFailed(); n >= maxPasswordFailures {
			h.logger.Warnf("Connection %s reached %d failed lobby passwords", c.ID, n)
		}
	}
	if err != nil {
		return err
	}
	h.conns.Bind(c, info.ID, uint64(playerID))

	h.sendLobbyWelcome(c, "lobby_joined", info, playerID)
	for _, p := range info.Players {
		if p.PlayerID == playerID {
			h.Broadcast(info.ID, wire.New("player_joined").With("player_info", p), playerID)
			break
		}
	}
	h.emit(stats.EventPlayerJoined, info.ID, playerID, nil)
	return nil
}

func (h *Handler) sendLobbyWelcome(c *session.Conn, typ string, info lobby.Info, playerID lobby.PlayerID) {
	reply := wire.New(typ).
		With("lobby_id", info.ID).
		With("player_id", playerID).
		With("lobby_info", info).
		With("ice_servers", h.opts.ICEServers)
	if h.opts.PeerTimeout > 0 {
		reply["webrtc_config"] = map[string]interface{}{
			"connection_timeout_ms": h.opts.PeerTimeout.Milliseconds(),
			"max_retries":           h.opts.PeerRetries,
		}
	}
	if h.opts.Signer != nil {
		token, err := h.opts.Signer.IssueRelayToken(info.ID, uint64(playerID))
		if err != nil {
			h.logger.Warnf("failed to issue relay token for player %d: %v", playerID, err)
		} else {
			reply["relay_token"] = token
		}
	}
	c.Send(reply)
}

func (h *Handler) handleLeaveLobby(c *session.Conn) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	h.conns.Unbind(c)
	dep, removed := h.dir.RemovePlayer(lobbyID, playerID)

	c.Send(wire.New("lobby_left").With("lobby_id", lobbyID))
	if removed {
		h.AnnounceDeparture(dep, false)
	}
	return nil
}

func (h *Handler) handlePlayerReady(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	ready := true
	if msg.Has("is_ready") {
		b, ok := msg.Bool("is_ready")
		if !ok {
			return apperr.Validationf("is_ready must be a boolean")
		}
		ready = b
	}

	allReady, err := h.dir.SetPlayerReady(lobbyID, playerID, ready)
	if err != nil {
		return err
	}
	h.Broadcast(lobbyID, wire.New("player_ready_changed").
		With("player_id", playerID).
		With("is_ready", ready), 0)
	if allReady {
		h.Broadcast(lobbyID, wire.New("all_players_ready"), 0)
	}
	return nil
}

func (h *Handler) handleEndGame(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	info, err := h.dir.EndGame(lobbyID, playerID)
	if err != nil {
		return err
	}
	reply := wire.New("game_ended").
		With("lobby_info", info).
		With("timestamp", wire.Now())
	if results := msg["results"]; results != nil {
		reply["results"] = results
	}
	h.Broadcast(lobbyID, reply, 0)
	h.emit(stats.EventGameEnded, lobbyID, playerID, nil)
	return nil
}

func (h *Handler) handleStartGame(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	info, err := h.dir.StartGame(lobbyID, playerID)
	if err != nil {
		return err
	}

	settings := msg.Map("game_settings")
	if settings == nil {
		settings = info.GameSettings
	}
	h.Broadcast(lobbyID, wire.New("game_started").
		With("game_settings", settings).
		With("timestamp", wire.Now()), 0)
	h.emit(stats.EventGameStarted, lobbyID, playerID, map[string]interface{}{"players": info.CurrentPlayers})
	return nil
}

func (h *Handler) handleWebRTCSignaling(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	target, ok := msg.Uint("target_player_id")
	if !ok || target == 0 {
		return ErrTargetRequired
	}
	targetConn, ok := h.conns.Player(lobbyID, target)
	if !ok {
		return ErrTargetNotFound
	}

	targetConn.Send(wire.New(msg.Type()).
		With("from_player_id", playerID).
		With("data", msg["data"]))
	if msg.Type() == "webrtc_offer" {
		h.emit(stats.EventPeerOffer, lobbyID, playerID, map[string]interface{}{"target_player_id": target})
	}
	h.logger.Debugf("WebRTC %s forwarded from %d to %d", msg.Type(), playerID, target)
	return nil
}

func (h *Handler) handlePeerConnectionFailed(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	target, ok := msg.Uint("target_player_id")
	if !ok || target == 0 {
		return ErrTargetRequired
	}
	reason := msg.String("reason")
	h.logger.Infof("WebRTC connection failed between %d and %d: %s", playerID, target, reason)
	h.emit(stats.EventPeerFailed, lobbyID, playerID, map[string]interface{}{
		"target_player_id": target,
		"reason":           reason,
	})

	if targetConn, ok := h.conns.Player(lobbyID, target); ok {
		targetConn.Send(wire.New("peer_connection_failed").
			With("from_player_id", playerID).
			With("reason", reason))
		targetConn.Send(wire.New("fallback_to_relay").
			With("relay_endpoint", h.opts.RelayEndpoint).
			With("target_player_id", playerID))
	}
	c.Send(wire.New("fallback_to_relay").
		With("relay_endpoint", h.opts.RelayEndpoint).
		With("target_player_id", target))
	h.emit(stats.EventRelayFallback, lobbyID, playerID, nil)
	return nil
}

func (h *Handler) handleUpdatePlayerInfo(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	p, err := h.dir.UpdatePlayer(lobbyID, playerID, lobby.PlayerUpdate{
		Username: msg.String("username"),
		PeerID:   msg.String("peer_id"),
		Metadata: msg.Map("metadata"),
	})
	if err != nil {
		return err
	}
	h.Broadcast(lobbyID, wire.New("player_info_updated").
		With("player_id", playerID).
		With("username", p.Username).
		With("peer_id", p.PeerID).
		With("metadata", p.Metadata), playerID)
	return nil
}

func (h *Handler) handleLobbySettings(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}

	var upd lobby.SettingsUpdate
	for _, key := range []string{"lobby_name", "name"} {
		if msg.Has(key) {
			name, ok := msg[key].(string)
			if !ok {
				return apperr.Validationf("%s must be a string", key)
			}
			upd.Name = &name
			break
		}
	}
	if msg.Has("max_players") {
		n, ok := msg.Int("max_players")
		if !ok {
			return apperr.Validationf("max_players must be an integer")
		}
		upd.MaxPlayers = &n
	}
	if msg.Has("is_public") {
		b, ok := msg.Bool("is_public")
		if !ok {
			return apperr.Validationf("is_public must be a boolean")
		}
		upd.IsPublic = &b
	}
	upd.GameSettings = msg.Map("game_settings")

	info, err := h.dir.UpdateSettings(lobbyID, playerID, upd)
	if err != nil {
		return err
	}
	h.Broadcast(lobbyID, wire.New("lobby_settings_updated").With("lobby_info", info), 0)
	h.logger.Infof("Lobby %s settings updated by host %d", lobbyID, playerID)
	return nil
}

func (h *Handler) handleLobbyMessage(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, err := member(c)
	if err != nil {
		return err
	}
	h.Broadcast(lobbyID, wire.New("lobby_message").
		With("from_player_id", playerID).
		With("data", msg["data"]).
		With("timestamp", wire.Now()), playerID)
	return nil
}

func settingsFrom(m wire.Message) (lobby.Settings, error) {
	s := lobby.Settings{
		Name:         m.String("name"),
		GameSettings: m.Map("game_settings"),
		Password:     m.String("password"),
	}
	if m.Has("max_players") {
		n, ok := m.Int("max_players")
		if !ok {
			return s, apperr.Validationf("max_players must be an integer")
		}
		s.MaxPlayers = n
	}
	if m.Has("is_public") {
		b, ok := m.Bool("is_public")
		if !ok {
			return s, apperr.Validationf("is_public must be a boolean")
		}
		s.IsPublic = &b
	}
	return s, nil
}

func profileFrom(m wire.Message) lobby.Profile {
	return lobby.Profile{
		Username: m.String("username"),
		PeerID:   m.String("peer_id"),
		Metadata: m.Map("metadata"),
	}
}
