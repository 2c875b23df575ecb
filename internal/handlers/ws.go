// internal/handlers/ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/webstar/internal/apperr"
	"github.com/jason-s-yu/webstar/internal/middleware"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/wire"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout     = 5 * time.Second
	pingInterval     = 30 * time.Second
	primaryReadLimit = 64 * 1024
)

var errInvalidFormat = apperr.New(apperr.Protocol, "invalid_message_format", "Invalid message format")

type handleFunc func(*session.Conn, wire.Message) error

// PrimaryHandler serves the signaling channel.
func (s *Supervisor) PrimaryHandler() http.HandlerFunc {
	return s.serve(session.Primary, s.deps.Signaling.Handle, s.deps.Signaling.Disconnect)
}

// RelayHandler serves the relay channel.
func (s *Supervisor) RelayHandler() http.HandlerFunc {
	return s.serve(session.Relay, s.deps.Relay.Handle, func(c *session.Conn) {
		s.deps.Relay.Disconnect(c)
		s.relayConns.Remove(c)
	})
}

func (s *Supervisor) serve(ch session.Channel, handle handleFunc, disconnect func(*session.Conn)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.admit() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.active.Done()

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns(s.cfg.CORSOrigins),
		})
		if err != nil {
			s.logger.Warnf("websocket accept error: %v", err)
			return
		}
		ws.SetReadLimit(s.readLimit(ch))

		c := session.NewConn(ch, r.RemoteAddr, session.DefaultOutBuffer)
		c.Heartbeat(s.now())
		s.track(c.ID, ws)
		defer s.untrack(c.ID)
		s.registry(ch).Add(c)
		s.deps.Stats.RecordConnection(string(ch))
		middleware.LogWebSocketConnect(s.logger, c.ID.String(), c.RemoteAddr, r.URL.Path)

		if s.shuttingDown() {
			c.Close(StatusShuttingDown, "Server shutting down")
		}
		if ch == session.Primary {
			c.Send(wire.New("connected").
				With("client_id", c.ID.String()).
				With("timestamp", wire.Now()))
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer cancel()
			s.writePump(ctx, ws, c)
		}()

		err = s.readPump(ctx, ws, c, handle)

		// Cleanup runs before the socket is released so the departure is
		// broadcast exactly once, whatever ended the connection.
		disconnect(c)
		c.Close(websocket.StatusNormalClosure, "")
		<-writerDone
		s.deps.Stats.RecordDisconnection(string(ch))
		middleware.LogWebSocketDisconnect(s.logger, c.ID.String(), c.RemoteAddr, r.URL.Path, disconnectError(err))
	}
}

// readLimit caps inbound frames. The relay limit leaves room above the
// configured payload cap so oversized payloads get a payload_too_large reply
// rather than a dropped socket.
func (s *Supervisor) readLimit(ch session.Channel) int64 {
	if ch == session.Relay {
		return int64(s.cfg.Relay.MaxMessageSize)*2 + 4096
	}
	return primaryReadLimit
}

// readPump processes frames in arrival order until the socket fails.
func (s *Supervisor) readPump(ctx context.Context, ws *websocket.Conn, c *session.Conn, handle handleFunc) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		c.Heartbeat(s.now())

		enc := wire.JSON
		if typ == websocket.MessageBinary {
			enc = wire.CBOR
		}
		c.SetEncoding(enc)

		msg, err := wire.Decode(enc, data)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"channel": c.Channel,
			}).Debugf("rejected frame: %v", err)
			s.reportError(c, errInvalidFormat)
			continue
		}
		s.deps.Stats.RecordMessage(string(c.Channel), msg.Type())
		s.dispatch(c, msg, handle)
	}
}

// dispatch runs handle, reporting its error (or a recovered panic) to c.
func (s *Supervisor) dispatch(c *session.Conn, msg wire.Message, handle handleFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"type":    msg.Type(),
			}).Errorf("panic in message handler: %v\n%s", r, debug.Stack())
			s.reportError(c, errors.New("handler panic"))
		}
	}()
	if err := handle(c, msg); err != nil {
		s.reportError(c, err)
	}
}

func (s *Supervisor) reportError(c *session.Conn, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.Internal {
		s.logger.Errorf("internal error on %s: %v", c.ID, err)
	}
	typ := "error"
	if c.Channel == session.Relay {
		typ = "relay_error"
	}
	c.Send(wire.New(typ).
		With("code", e.Code).
		With("message", e.Message).
		With("timestamp", wire.Now()))
	s.deps.Stats.RecordError(e.Code)
}

// writePump is the only writer for ws. It exits when the context ends, when
// a write fails, or after closing the socket once c is closed.
func (s *Supervisor) writePump(ctx context.Context, ws *websocket.Conn, c *session.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			s.flush(ctx, ws, c)
			code, reason := c.CloseStatus()
			if err := ws.Close(code, reason); err != nil {
				s.logger.Debugf("close %s: %v", c.ID, err)
			}
			return
		case msg := <-c.Out():
			if err := s.write(ctx, ws, c, msg); err != nil {
				s.logger.Warnf("Failed to write to websocket %s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Warnf("Failed to send ping to %s: %v. Assuming disconnect.", c.ID, err)
				return
			}
		}
	}
}

// flush writes whatever is still queued on c, best effort.
func (s *Supervisor) flush(ctx context.Context, ws *websocket.Conn, c *session.Conn) {
	for {
		select {
		case msg := <-c.Out():
			if err := s.write(ctx, ws, c, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Supervisor) write(ctx context.Context, ws *websocket.Conn, c *session.Conn, msg wire.Message) error {
	enc := c.Encoding()
	data, err := wire.Encode(enc, msg)
	if err != nil {
		s.logger.Warnf("failed to encode %s for %s: %v", msg.Type(), c.ID, err)
		return nil
	}
	typ := websocket.MessageText
	if enc == wire.CBOR {
		typ = websocket.MessageBinary
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, typ, data)
}

// originPatterns turns the CORS origin list into host patterns for the
// websocket origin check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		} else {
			out = append(out, strings.TrimSuffix(o, "/"))
		}
	}
	return out
}

// disconnectError hides the errors that mean an orderly close.
func disconnectError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
