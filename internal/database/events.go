package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/webstar/internal/stats"
)

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS lobby_events (
		id          BIGSERIAL PRIMARY KEY,
		event_type  TEXT        NOT NULL,
		lobby_id    TEXT        NOT NULL DEFAULT '',
		player_id   BIGINT      NOT NULL DEFAULT 0,
		data        JSONB,
		occurred_at TIMESTAMPTZ NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS lobby_events_lobby_idx ON lobby_events (lobby_id, occurred_at);
`

// EventStore persists lobby lifecycle events for offline analysis.
type EventStore struct {
	pool *pgxpool.Pool
}

func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// EnsureSchema creates the lobby_events table if it is missing.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create lobby_events: %w", err)
	}
	return nil
}

// InsertEvents writes events in a single transaction.
func (s *EventStore) InsertEvents(ctx context.Context, events []stats.Event) error {
	q := `
		INSERT INTO lobby_events (event_type, lobby_id, player_id, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	return beginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, e := range events {
			var data []byte
			if len(e.Data) > 0 {
				var err error
				if data, err = json.Marshal(e.Data); err != nil {
					return fmt.Errorf("marshal %s event data: %w", e.Type, err)
				}
			}
			if _, err := tx.Exec(ctx, q, e.Type, e.LobbyID, int64(e.PlayerID), data, e.At); err != nil {
				return fmt.Errorf("insert %s event: %w", e.Type, err)
			}
		}
		return nil
	})
}

// CountEvents returns how many events of type typ were recorded for lobbyID.
func (s *EventStore) CountEvents(ctx context.Context, lobbyID, typ string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lobby_events WHERE lobby_id = $1 AND event_type = $2`,
		lobbyID, typ,
	).Scan(&n)
	return n, err
}
