// internal/handlers/api.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/webstar/internal/middleware"
	"github.com/jason-s-yu/webstar/internal/wire"
)

// Routes mounts both socket channels and the read-only HTTP snapshots.
func (s *Supervisor) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.HandleFunc("GET /stats", s.StatsHandler)
	mux.HandleFunc("GET /lobbies", s.LobbiesHandler)
	mux.Handle("/ws", s.PrimaryHandler())
	mux.Handle(s.cfg.Relay.Endpoint, s.RelayHandler())

	var h http.Handler = mux
	h = middleware.CORS(s.cfg.CORSOrigins)(h)
	h = middleware.LogMiddleware(s.logger)(h)
	return h
}

// HealthHandler reports liveness plus a few headline numbers.
func (s *Supervisor) HealthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Stats.Snapshot()
	counts := s.ConnectionCounts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        snap.Health.Status,
		"issues":        snap.Health.Issues,
		"uptime_ms":     snap.UptimeMs,
		"lobbies":       s.deps.Directory.LobbyCount(),
		"clients":       counts["primary"],
		"relay_clients": counts["relay"],
		"memory":        snap.Memory,
		"timestamp":     wire.Now(),
	})
}

// Snapshot gathers server, lobby, relay and connection statistics. It backs
// both /stats and the periodic Redis publish.
func (s *Supervisor) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"server":      s.deps.Stats.Snapshot(),
		"lobbies":     s.deps.Directory.Stats(),
		"relay":       s.deps.Router.Stats(),
		"connections": s.ConnectionCounts(),
	}
}

// StatsHandler returns the full statistics snapshot.
func (s *Supervisor) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// LobbiesHandler lists public lobbies that can still be joined.
func (s *Supervisor) LobbiesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Directory.PublicLobbies())
}
