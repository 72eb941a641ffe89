package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MarkServersStale flags accepted agents whose last_seen is before
// the cutoff. Returns the number of rows updated.
func MarkServersStale(ctx context.Context, pool *pgxpool.Pool, cutoff time.Time) (int64, error) {
	query := `
	UPDATE servers
	SET liveness = 'stale', updated_at = CURRENT_TIMESTAMP
	WHERE register_status = 'ACCEPTED'
		AND liveness = 'online'
		AND last_seen < $1
	`

	cmdTag, err := pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
