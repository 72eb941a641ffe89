package agent

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	enqueued_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_enqueued ON snapshots(enqueued_at);
`

// CacheEntry is a queued snapshot together with its queue bookkeeping.
type CacheEntry struct {
	ID         int64
	EnqueuedAt time.Time
	Attempts   int
	Snapshot   transport.MetricsSnapshot
}

// Cache is a durable FIFO queue of metrics snapshots backed by a
// SQLite file in the agent's data directory. Snapshots survive agent
// restarts and server outages; the queue is bounded, dropping the
// oldest entries once the capacity is exceeded.
type Cache struct {
	mu       sync.Mutex
	conn     *sqlite.Conn
	capacity int
	evicted  uint64
	logger   zerolog.Logger
}

// OpenCache opens (creating if needed) the snapshot cache at path.
func OpenCache(path string, capacity int, logger zerolog.Logger) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache database: %w", err)
	}
	if err := sqlitex.ExecuteScript(conn, cacheSchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to initialize cache schema: %w", err)
	}
	return &Cache{conn: conn, capacity: capacity, logger: logger}, nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Enqueue appends a snapshot to the tail of the queue. If the queue
// is at capacity the oldest entries are evicted to make room; every
// eviction is counted and logged.
func (c *Cache) Enqueue(snap transport.MetricsSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("unable to marshal snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = sqlitex.Execute(c.conn, `INSERT INTO snapshots (enqueued_at, payload) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{time.Now().Unix(), string(payload)},
	})
	if err != nil {
		return fmt.Errorf("unable to enqueue snapshot: %w", err)
	}
	return c.evictOverflowLocked()
}

func (c *Cache) evictOverflowLocked() error {
	n, err := c.lenLocked()
	if err != nil {
		return err
	}
	overflow := n - c.capacity
	if overflow <= 0 {
		return nil
	}

	err = sqlitex.Execute(c.conn, `
		DELETE FROM snapshots WHERE id IN (
			SELECT id FROM snapshots ORDER BY id ASC LIMIT ?
		)`, &sqlitex.ExecOptions{Args: []any{overflow}})
	if err != nil {
		return fmt.Errorf("unable to evict overflow: %w", err)
	}
	c.evicted += uint64(overflow)
	c.logger.Warn().
		Int("dropped", overflow).
		Uint64("total_evicted", c.evicted).
		Msg("cache full, dropped oldest snapshots")
	return nil
}

// Peek returns up to limit entries from the head of the queue without
// removing them. Entries come back in enqueue order.
func (c *Cache) Peek(limit int) ([]CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []CacheEntry
	err := sqlitex.Execute(c.conn, `
		SELECT id, enqueued_at, attempts, payload
		FROM snapshots ORDER BY id ASC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e := CacheEntry{
				ID:         stmt.ColumnInt64(0),
				EnqueuedAt: time.Unix(stmt.ColumnInt64(1), 0),
				Attempts:   stmt.ColumnInt(2),
			}
			if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &e.Snapshot); err != nil {
				c.logger.Warn().Err(err).Int64("id", e.ID).Msg("corrupt cached snapshot, skipping")
				return nil
			}
			entries = append(entries, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to read cache: %w", err)
	}
	return entries, nil
}

// Ack removes delivered entries from the queue.
func (c *Cache) Ack(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		err := sqlitex.Execute(c.conn, `DELETE FROM snapshots WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
		})
		if err != nil {
			return fmt.Errorf("unable to ack snapshot %d: %w", id, err)
		}
	}
	return nil
}

// MarkAttempt bumps the delivery attempt counter after a failed send.
func (c *Cache) MarkAttempt(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		err := sqlitex.Execute(c.conn, `UPDATE snapshots SET attempts = attempts + 1 WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
		})
		if err != nil {
			return fmt.Errorf("unable to mark attempt on snapshot %d: %w", id, err)
		}
	}
	return nil
}

// Prune drops entries older than maxAge and returns how many were
// removed. Aged-out entries count as evictions.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).Unix()
	err := sqlitex.Execute(c.conn, `DELETE FROM snapshots WHERE enqueued_at < ?`, &sqlitex.ExecOptions{
		Args: []any{cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("unable to prune cache: %w", err)
	}
	removed := c.conn.Changes()
	if removed > 0 {
		c.evicted += uint64(removed)
		c.logger.Warn().Int("dropped", removed).Msg("pruned expired snapshots from cache")
	}
	return removed, nil
}

// Len returns the number of queued snapshots.
func (c *Cache) Len() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lenLocked()
}

func (c *Cache) lenLocked() (int, error) {
	var n int
	err := sqlitex.Execute(c.conn, `SELECT COUNT(*) FROM snapshots`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("unable to count cache entries: %w", err)
	}
	return n, nil
}

// Evicted reports how many snapshots have been dropped since open.
func (c *Cache) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}
