package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/webstar/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a reachable Postgres; set DATABASE_URL to enable.
func TestInsertEvents(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	store := NewEventStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema creation is idempotent")

	lobbyID := "T" + uuid.NewString()[:8]
	now := time.Now()
	require.NoError(t, store.InsertEvents(ctx, []stats.Event{
		{Type: stats.EventLobbyCreated, LobbyID: lobbyID, PlayerID: 1, At: now},
		{Type: stats.EventPlayerJoined, LobbyID: lobbyID, PlayerID: 2, At: now},
		{Type: stats.EventPlayerJoined, LobbyID: lobbyID, PlayerID: 3, Data: map[string]interface{}{"k": "v"}, At: now},
	}))

	n, err := store.CountEvents(ctx, lobbyID, stats.EventPlayerJoined)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
