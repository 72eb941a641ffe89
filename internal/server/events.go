package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Event types recorded in the server_events audit trail.
const (
	EventRegistered   = "registered"
	EventAccepted     = "accepted"
	EventRejected     = "rejected"
	EventTokenDenied  = "token_denied"
	EventWentStale    = "went_stale"
	EventConfigChange = "config_change"
)

// Event is one row of the server_events table.
type Event struct {
	ID        int64           `json:"id"`
	ServerID  int64           `json:"server_id"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventLog is the audit trail of lifecycle decisions and anomalies.
type EventLog struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewEventLog(pool *pgxpool.Pool, logger zerolog.Logger) *EventLog {
	return &EventLog{pool: pool, logger: logger}
}

// Record appends an event. Failures are logged and swallowed: the
// audit trail must never fail the operation it describes.
func (l *EventLog) Record(ctx context.Context, serverID int64, eventType, message string, detail any) {
	var raw []byte
	if detail != nil {
		var err error
		raw, err = json.Marshal(detail)
		if err != nil {
			l.logger.Error().Err(err).Str("event_type", eventType).Msg("unable to marshal event detail")
			raw = nil
		}
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO server_events (server_id, event_type, message, detail)
		VALUES ($1, $2, $3, $4)`, serverID, eventType, message, raw)
	if err != nil {
		l.logger.Error().Err(err).Str("event_type", eventType).Int64("server_id", serverID).Msg("unable to record event")
	}
}

// ListByServer returns the newest events for one server.
func (l *EventLog) ListByServer(ctx context.Context, serverID int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, server_id, event_type, COALESCE(message, ''), detail, created_at
		FROM server_events
		WHERE server_id = $1
		ORDER BY id DESC
		LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ServerID, &e.EventType, &e.Message, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
