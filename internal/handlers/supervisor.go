// internal/handlers/supervisor.go
package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/jason-s-yu/webstar/internal/lobby"
	"github.com/jason-s-yu/webstar/internal/relay"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/signaling"
	"github.com/jason-s-yu/webstar/internal/stats"
	"github.com/sirupsen/logrus"
)

// maxDropped is how many outbound messages a connection may lose to a full
// queue before the heartbeat sweep disconnects it.
const maxDropped = 256

// Deps are the shared components the supervisor drives.
type Deps struct {
	Directory *lobby.Directory
	Signaling *signaling.Handler
	Primary   *session.Registry
	Router    *relay.Router
	Relay     *relay.Handler
	Stats     *stats.Collector
}

// Supervisor owns the socket lifecycle for both channels: accept, read and
// write pumps, heartbeat liveness, the lobby cleanup sweep, and shutdown.
type Supervisor struct {
	cfg    *config.Config
	deps   Deps
	logger *logrus.Logger
	now    func() time.Time

	relayConns *session.Registry

	// sockets maps live connection ids to their websocket so shutdown can
	// force-close stragglers.
	socketsMu sync.Mutex
	sockets   map[uuid.UUID]*websocket.Conn

	// acceptMu orders active.Add against the Wait in Shutdown.
	acceptMu sync.Mutex
	closing  bool
	active   sync.WaitGroup
}

func NewSupervisor(cfg *config.Config, deps Deps, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		now:        time.Now,
		relayConns: session.NewRegistry(),
		sockets:    make(map[uuid.UUID]*websocket.Conn),
	}
}

func (s *Supervisor) registry(ch session.Channel) *session.Registry {
	if ch == session.Relay {
		return s.relayConns
	}
	return s.deps.Primary
}

// ConnectionCounts reports live sockets per channel.
func (s *Supervisor) ConnectionCounts() map[string]int {
	return map[string]int{
		string(session.Primary): s.deps.Primary.Len(),
		string(session.Relay):   s.relayConns.Len(),
	}
}

// Run drives the heartbeat and lobby cleanup sweeps until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(s.cfg.Heartbeat.CheckInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(s.cfg.Lobby.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			s.SweepHeartbeats()
		case <-cleanup.C:
			s.SweepLobbies()
		}
	}
}

// SweepHeartbeats closes every connection whose last inbound frame is older
// than the heartbeat timeout, and every connection that keeps overflowing
// its outbound queue. The socket handlers do the actual cleanup.
func (s *Supervisor) SweepHeartbeats() int {
	cutoff := s.now().Add(-s.cfg.Heartbeat.Timeout)
	closed := 0
	for _, reg := range []*session.Registry{s.deps.Primary, s.relayConns} {
		for _, c := range reg.Stale(cutoff) {
			if c.Closed() {
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"channel": c.Channel,
				"remote":  c.RemoteAddr,
			}).Warn("heartbeat timeout, disconnecting")
			c.Close(StatusHeartbeatTimeout, "Heartbeat timeout")
			closed++
		}
		for _, c := range reg.All() {
			if !c.Closed() && c.Dropped() > maxDropped {
				s.logger.Warnf("Connection %s dropped %d messages, disconnecting", c.ID, c.Dropped())
				c.Close(StatusSlowConsumer, "Client too slow")
				closed++
			}
		}
	}
	return closed
}

// SweepLobbies reaps inactive players and expired lobbies and tells the
// affected clients.
func (s *Supervisor) SweepLobbies() lobby.CleanupReport {
	report := s.deps.Directory.CleanupInactive()
	s.deps.Signaling.ApplyCleanup(report)
	if len(report.Reaped) > 0 || len(report.RemovedLobbies) > 0 {
		s.logger.Infof("Cleanup: reaped %d inactive players, removed %d lobbies", len(report.Reaped), len(report.RemovedLobbies))
	}
	return report
}

// Shutdown stops accepting sockets, asks every live connection to close with
// StatusShuttingDown, and waits for the handlers to finish. When ctx expires
// first the remaining sockets are closed without a handshake.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.acceptMu.Lock()
	s.closing = true
	s.acceptMu.Unlock()

	for _, reg := range []*session.Registry{s.deps.Primary, s.relayConns} {
		for _, c := range reg.All() {
			c.Close(StatusShuttingDown, "Server shutting down")
		}
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All connections closed")
		return nil
	case <-ctx.Done():
		s.socketsMu.Lock()
		n := len(s.sockets)
		for _, ws := range s.sockets {
			ws.CloseNow()
		}
		s.socketsMu.Unlock()
		s.logger.Warnf("Shutdown grace expired, force-closed %d connections", n)
		<-done
		return ctx.Err()
	}
}

// admit registers a socket handler with the shutdown wait group. It fails
// once shutdown has begun.
func (s *Supervisor) admit() bool {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	if s.closing {
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Supervisor) shuttingDown() bool {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	return s.closing
}

func (s *Supervisor) track(id uuid.UUID, ws *websocket.Conn) {
	s.socketsMu.Lock()
	s.sockets[id] = ws
	s.socketsMu.Unlock()
}

func (s *Supervisor) untrack(id uuid.UUID) {
	s.socketsMu.Lock()
	delete(s.sockets, id)
	s.socketsMu.Unlock()
}
