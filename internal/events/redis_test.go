package events_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/vibefix/internal/events"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Skipf("invalid redis URL: %v", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		t.Skipf("redis not available: %v", pingErr)
	}

	t.Cleanup(func() {
		cleanupLockKeys(context.Background(), client)
		client.Close()
	})
	cleanupLockKeys(context.Background(), client)

	return client
}

func cleanupLockKeys(ctx context.Context, client *redis.Client) {
	iter := client.Scan(ctx, 0, "vibefix:lock:*", 0).Iterator()
	for iter.Next(ctx) {
		client.Del(ctx, iter.Val())
	}
}

func TestRedisLockManager(t *testing.T) {
	client := getRedisClient(t)
	manager := events.NewRedisLockManager(client)
	ctx := context.Background()

	t.Run("acquire and release lock", func(t *testing.T) {
		lock, err := manager.Acquire(ctx, "pr-lock-1", "job-1", 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, lock)

		assert.Equal(t, "pr-lock-1", lock.Key())
		assert.Equal(t, "job-1", lock.Owner())

		locked, err := manager.IsLocked(ctx, "pr-lock-1")
		require.NoError(t, err)
		assert.True(t, locked)

		require.NoError(t, lock.Unlock(ctx))

		locked, err = manager.IsLocked(ctx, "pr-lock-1")
		require.NoError(t, err)
		assert.False(t, locked)
	})

	t.Run("lock contention", func(t *testing.T) {
		lock1, err := manager.Acquire(ctx, "pr-lock-2", "job-1", 5*time.Second)
		require.NoError(t, err)
		defer lock1.Unlock(ctx)

		lock2, acquired, err := manager.TryAcquire(ctx, "pr-lock-2", "job-2", 5*time.Second)
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Nil(t, lock2)
	})

	t.Run("same owner reacquires", func(t *testing.T) {
		lock1, err := manager.Acquire(ctx, "pr-lock-3", "job-1", 5*time.Second)
		require.NoError(t, err)

		lock2, acquired, err := manager.TryAcquire(ctx, "pr-lock-3", "job-1", 5*time.Second)
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.NotNil(t, lock2)

		require.NoError(t, lock1.Unlock(ctx))

		locked, err := manager.IsLocked(ctx, "pr-lock-3")
		require.NoError(t, err)
		assert.False(t, locked)
	})

	t.Run("extend lock", func(t *testing.T) {
		lock, err := manager.Acquire(ctx, "pr-lock-4", "job-1", 2*time.Second)
		require.NoError(t, err)
		defer lock.Unlock(ctx)

		originalExpiry := lock.ExpiresAt()
		time.Sleep(100 * time.Millisecond)

		require.NoError(t, lock.Extend(ctx, 5*time.Second))
		assert.True(t, lock.ExpiresAt().After(originalExpiry))
	})

	t.Run("extend by non-owner fails", func(t *testing.T) {
		lock, err := manager.Acquire(ctx, "pr-lock-5", "job-1", 5*time.Second)
		require.NoError(t, err)
		defer lock.Unlock(ctx)

		err = manager.Release(ctx, "pr-lock-5", "job-2")
		require.ErrorIs(t, err, events.ErrLockNotHeld)
	})

	t.Run("lock info", func(t *testing.T) {
		lock, err := manager.Acquire(ctx, "pr-lock-6", "job-1", 5*time.Second)
		require.NoError(t, err)
		defer lock.Unlock(ctx)

		info, err := manager.GetLockInfo(ctx, "pr-lock-6")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, "pr-lock-6", info.Key)
		assert.Equal(t, "job-1", info.Owner)
	})

	t.Run("is held check", func(t *testing.T) {
		lock, err := manager.Acquire(ctx, "pr-lock-7", "job-1", 5*time.Second)
		require.NoError(t, err)

		held, err := lock.IsHeld(ctx)
		require.NoError(t, err)
		assert.True(t, held)

		require.NoError(t, lock.Unlock(ctx))

		held, err = lock.IsHeld(ctx)
		require.NoError(t, err)
		assert.False(t, held)
	})
}

func TestBackendFactory(t *testing.T) {
	t.Run("memory backend", func(t *testing.T) {
		ctx := context.Background()

		backends, err := events.NewBackends(ctx, events.DefaultBackendConfig())
		require.NoError(t, err)
		require.NotNil(t, backends)
		assert.NotNil(t, backends.Locking)

		require.NoError(t, backends.Close())
	})

	t.Run("redis backend requires URL", func(t *testing.T) {
		ctx := context.Background()
		cfg := events.BackendConfig{LockBackend: events.BackendRedis}

		_, err := events.NewBackends(ctx, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis URL required")
	})

	t.Run("unknown backend rejected", func(t *testing.T) {
		ctx := context.Background()
		cfg := events.BackendConfig{LockBackend: events.BackendType("postgres")}

		_, err := events.NewBackends(ctx, cfg)
		require.Error(t, err)
	})

	t.Run("fallback to memory on redis failure", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		cfg := events.BackendConfig{
			LockBackend: events.BackendRedis,
			RedisURL:    "redis://127.0.0.1:1/0",
		}

		backends, err := events.NewBackendsWithFallback(ctx, cfg)
		require.NoError(t, err)
		require.NotNil(t, backends)
		assert.NotNil(t, backends.Locking)

		require.NoError(t, backends.Close())
	})
}
