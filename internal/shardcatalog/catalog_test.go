package shardcatalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

func TestGetMissingReturnsFalse(t *testing.T) {
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	_, ok, err := cat.Get(context.Background(), 0x1234)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertThenGetRoundTrips(t *testing.T) {
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	ctx := context.Background()
	id := hibp.ShardID(0xABCDE)
	now := time.Now().Truncate(time.Second).UTC()

	require.NoError(t, cat.Upsert(ctx, id, "etag-1", now))
	rec, ok, err := cat.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "etag-1", rec.ETag)
	require.True(t, rec.UpdatedAt.Equal(now))

	later := now.Add(time.Hour)
	require.NoError(t, cat.Upsert(ctx, id, "etag-2", later))
	rec, ok, err = cat.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "etag-2", rec.ETag)
	require.True(t, rec.UpdatedAt.Equal(later))
}

func TestBatchFlushesAtThreshold(t *testing.T) {
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	ctx := context.Background()
	b, err := cat.NewBatch(ctx, 3)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second).UTC()
	for i := 0; i < 7; i++ {
		require.NoError(t, b.Upsert(ctx, hibp.ShardID(i), "etag", now))
	}
	require.NoError(t, b.Close(ctx))

	for i := 0; i < 7; i++ {
		_, ok, err := cat.Get(ctx, hibp.ShardID(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
}
