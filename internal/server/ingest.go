package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

// MetricsStore persists validated snapshots.
type MetricsStore interface {
	InsertSnapshot(ctx context.Context, serverID int64, snap transport.MetricsSnapshot) error
	LatestSnapshot(ctx context.Context, serverID int64) (*StoredSnapshot, error)
}

// StoredSnapshot is a snapshot row as read back for the admin API.
type StoredSnapshot struct {
	ID         int64           `json:"id"`
	ServerID   int64           `json:"server_id"`
	Timestamp  time.Time       `json:"timestamp"`
	CPU        json.RawMessage `json:"cpu,omitempty"`
	Memory     json.RawMessage `json:"memory,omitempty"`
	Disks      json.RawMessage `json:"disk,omitempty"`
	GPUs       json.RawMessage `json:"gpus,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PgMetricsStore implements MetricsStore on PostgreSQL, storing each
// metric category as JSONB so partial snapshots keep their shape.
type PgMetricsStore struct {
	pool *pgxpool.Pool
}

func NewPgMetricsStore(pool *pgxpool.Pool) *PgMetricsStore {
	return &PgMetricsStore{pool: pool}
}

func (s *PgMetricsStore) InsertSnapshot(ctx context.Context, serverID int64, snap transport.MetricsSnapshot) error {
	cpu, err := marshalNullable(snap.CPU != nil, snap.CPU)
	if err != nil {
		return err
	}
	memory, err := marshalNullable(snap.Memory != nil, snap.Memory)
	if err != nil {
		return err
	}
	disks, err := marshalNullable(len(snap.Disks) > 0, snap.Disks)
	if err != nil {
		return err
	}
	gpus, err := marshalNullable(len(snap.GPUs) > 0, snap.GPUs)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO server_metrics (server_id, ts, cpu, memory, disks, gpus)
	VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, query, serverID, time.Unix(snap.Timestamp, 0).UTC(), cpu, memory, disks, gpus)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

func (s *PgMetricsStore) LatestSnapshot(ctx context.Context, serverID int64) (*StoredSnapshot, error) {
	query := `
	SELECT id, server_id, ts, cpu, memory, disks, gpus, received_at
	FROM server_metrics
	WHERE server_id = $1
	ORDER BY ts DESC
	LIMIT 1`

	var out StoredSnapshot
	err := s.pool.QueryRow(ctx, query, serverID).Scan(
		&out.ID,
		&out.ServerID,
		&out.Timestamp,
		&out.CPU,
		&out.Memory,
		&out.Disks,
		&out.GPUs,
		&out.ReceivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &out, nil
}

// marshalNullable returns nil (SQL NULL) when the category is absent.
func marshalNullable(present bool, v any) ([]byte, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal metrics: %w", err)
	}
	return data, nil
}
