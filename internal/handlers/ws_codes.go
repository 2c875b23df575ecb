// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Close codes used by the supervisor. The 3xxx range is registered for
// application use; the others are standard codes given a fixed meaning here.
const (
	StatusHeartbeatTimeout = websocket.StatusPolicyViolation // No frame within the heartbeat timeout.
	StatusShuttingDown     = websocket.StatusGoingAway       // Server is stopping.

	StatusSlowConsumer websocket.StatusCode = 3000 // Outbound queue kept overflowing; the client is not reading.
)
