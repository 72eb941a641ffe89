package agent

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shafraz007/server-status-platform/internal/transport"
)

func testSnapshot(ts int64) transport.MetricsSnapshot {
	return transport.MetricsSnapshot{
		ClientID:  "test-client",
		Hostname:  "test-host",
		Timestamp: ts,
		Memory: &transport.MemoryMetrics{
			TotalBytes:  16 << 30,
			UsedBytes:   8 << 30,
			UsedPercent: 50,
		},
	}
}

func openTestCache(t *testing.T, dir string, capacity int) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(dir, "cache.db"), capacity, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheFIFOOrder(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 10)

	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, c.Enqueue(testSnapshot(ts)))
	}

	entries, err := c.Peek(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Snapshot.Timestamp)
	}

	// Peek does not consume.
	n, err := c.Len()
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestCacheAckRemovesDeliveredEntries(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 10)

	for ts := int64(1); ts <= 4; ts++ {
		require.NoError(t, c.Enqueue(testSnapshot(ts)))
	}

	entries, err := c.Peek(2)
	require.NoError(t, err)
	require.NoError(t, c.Ack([]int64{entries[0].ID, entries[1].ID}))

	remaining, err := c.Peek(10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, int64(3), remaining[0].Snapshot.Timestamp)
	require.Equal(t, int64(4), remaining[1].Snapshot.Timestamp)
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 3)

	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, c.Enqueue(testSnapshot(ts)))
	}

	n, err := c.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(2), c.Evicted())

	entries, err := c.Peek(10)
	require.NoError(t, err)
	require.Equal(t, int64(3), entries[0].Snapshot.Timestamp)
	require.Equal(t, int64(5), entries[2].Snapshot.Timestamp)
}

func TestCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	c, err := OpenCache(path, 10, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Enqueue(testSnapshot(1)))
	require.NoError(t, c.Enqueue(testSnapshot(2)))
	require.NoError(t, c.Close())

	reopened, err := OpenCache(path, 10, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Peek(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(1), entries[0].Snapshot.Timestamp)
}

func TestCacheMarkAttempt(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 10)
	require.NoError(t, c.Enqueue(testSnapshot(1)))

	entries, err := c.Peek(1)
	require.NoError(t, err)
	require.Equal(t, 0, entries[0].Attempts)

	require.NoError(t, c.MarkAttempt([]int64{entries[0].ID}))
	require.NoError(t, c.MarkAttempt([]int64{entries[0].ID}))

	entries, err = c.Peek(1)
	require.NoError(t, err)
	require.Equal(t, 2, entries[0].Attempts)
}

func TestCachePruneDropsExpiredEntries(t *testing.T) {
	c := openTestCache(t, t.TempDir(), 10)
	require.NoError(t, c.Enqueue(testSnapshot(1)))
	require.NoError(t, c.Enqueue(testSnapshot(2)))

	// Nothing is older than an hour yet.
	removed, err := c.Prune(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	time.Sleep(1100 * time.Millisecond)
	removed, err = c.Prune(time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, uint64(2), c.Evicted())
}
