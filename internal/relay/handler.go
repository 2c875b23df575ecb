// internal/relay/handler.go
package relay

import (
	"strings"

	"github.com/jason-s-yu/webstar/internal/apperr"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/wire"
	"github.com/sirupsen/logrus"
)

var ErrInvalidToken = apperr.New(apperr.Unauthorized, "invalid_token", "Invalid relay token")

// TokenVerifier checks a relay join token against the claimed identity.
type TokenVerifier interface {
	VerifyRelayToken(token, lobbyID string, playerID uint64) error
}

// Handler interprets frames on the relay channel.
type Handler struct {
	router   *Router
	verifier TokenVerifier
	logger   *logrus.Logger
}

// NewHandler builds a relay handler. A nil verifier disables token checks.
func NewHandler(router *Router, verifier TokenVerifier, logger *logrus.Logger) *Handler {
	return &Handler{router: router, verifier: verifier, logger: logger}
}

// Handle processes one inbound message. A returned error is reported to the
// sender as relay_error; the connection stays open.
func (h *Handler) Handle(c *session.Conn, msg wire.Message) error {
	switch msg.Type() {
	case "relay_join":
		return h.join(c, msg)
	case "relay_message":
		return h.relay(c, msg)
	case "relay_heartbeat":
		c.Send(wire.New("relay_heartbeat_ack").With("timestamp", wire.Now()))
		return nil
	default:
		h.logger.Warnf("Unknown relay message type: %s", msg.Type())
		return apperr.New(apperr.Protocol, "unknown_message_type", "Unknown message type: "+msg.Type())
	}
}

func (h *Handler) join(c *session.Conn, msg wire.Message) error {
	lobbyID := strings.ToUpper(strings.TrimSpace(msg.String("lobby_id")))
	playerID, ok := msg.Uint("player_id")
	if lobbyID == "" || !ok || playerID == 0 {
		return apperr.Validationf("Lobby ID and Player ID required")
	}
	if h.verifier != nil {
		if err := h.verifier.VerifyRelayToken(msg.String("token"), lobbyID, playerID); err != nil {
			h.logger.WithFields(logrus.Fields{
				"conn_id":   c.ID,
				"lobby_id":  lobbyID,
				"player_id": playerID,
			}).Warnf("relay token rejected: %v", err)
			return ErrInvalidToken
		}
	}

	delivered := h.router.Join(lobbyID, playerID, c)
	c.Send(wire.New("relay_joined").
		With("lobby_id", lobbyID).
		With("player_id", playerID).
		With("queued_delivered", delivered))
	h.router.Broadcast(lobbyID, c, wire.New("relay_player_joined").With("player_id", playerID))
	return nil
}

func (h *Handler) relay(c *session.Conn, msg wire.Message) error {
	lobbyID, playerID, ok := h.router.Membership(c)
	if !ok {
		return ErrNotJoined
	}

	var target *uint64
	if msg.Has("target_player_id") {
		t, ok := msg.Uint("target_player_id")
		if !ok {
			return apperr.Validationf("Invalid target player ID")
		}
		target = &t
	}

	d, err := h.router.Send(lobbyID, playerID, target, msg["data"])
	if err != nil {
		return err
	}
	if target != nil {
		h.logger.Debugf("Relay message from %d to %d in lobby %s (delivered=%d queued=%t)", playerID, *target, lobbyID, d.Delivered, d.Queued)
	} else {
		h.logger.Debugf("Relay message from %d to all in lobby %s (delivered=%d)", playerID, lobbyID, d.Delivered)
	}
	return nil
}

// Disconnect releases c's relay membership.
func (h *Handler) Disconnect(c *session.Conn) {
	h.router.Leave(c)
}
