package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLockClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestJobLockAcquireRelease(t *testing.T) {
	lock := NewJobLock(newLockClient(t), time.Minute)
	ctx := context.Background()
	key := JobLockKey("ledger_reconcile")

	token, ok, err := lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, lock.Release(ctx, key, token))

	_, ok, err = lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJobLockReleaseIgnoresForeignToken(t *testing.T) {
	lock := NewJobLock(newLockClient(t), time.Minute)
	ctx := context.Background()
	key := JobLockKey("expiry_scan")

	token, ok, err := lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx, key, "someone-else"))

	// Still held by the original token.
	_, ok, err = lock.Acquire(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, lock.Release(ctx, key, token))
}

func TestJobLockNilClientIsNoop(t *testing.T) {
	var lock *JobLock
	token, ok, err := lock.Acquire(context.Background(), JobLockKey("noop"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, token)
	require.NoError(t, lock.Release(context.Background(), JobLockKey("noop"), token))
}
