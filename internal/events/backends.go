package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

// BackendType selects the storage behind the lock manager.
type BackendType string

// Backend type constants.
const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
)

// BackendConfig configures the coordination backend.
type BackendConfig struct {
	// LockBackend is the backend for distributed locking.
	LockBackend BackendType

	// RedisURL is the Redis connection string.
	RedisURL string
}

// DefaultBackendConfig returns the in-memory default.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{LockBackend: BackendMemory}
}

// Backends holds the coordination backend implementations.
type Backends struct {
	Locking LockManager

	redisClient *redis.Client
	memManager  *InMemoryLockManager
}

// Close releases any resources held by the backends.
func (b *Backends) Close() error {
	if b.memManager != nil {
		if err := b.memManager.Close(); err != nil {
			return err
		}
	}
	if b.redisClient != nil {
		return b.redisClient.Close()
	}
	return nil
}

// HealthCheck verifies the backend is reachable.
func (b *Backends) HealthCheck(ctx context.Context) error {
	if b.redisClient != nil {
		if err := b.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
	}
	return nil
}

// NewBackends creates backend implementations from the configuration.
func NewBackends(ctx context.Context, cfg BackendConfig) (*Backends, error) {
	log := util.Log(ctx)
	backends := &Backends{}

	switch cfg.LockBackend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("redis URL required when using redis backend")
		}

		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}

		backends.redisClient = redis.NewClient(opts)

		if pingErr := backends.redisClient.Ping(ctx).Err(); pingErr != nil {
			_ = backends.redisClient.Close()
			return nil, fmt.Errorf("redis ping: %w", pingErr)
		}

		backends.Locking = NewRedisLockManager(backends.redisClient)
		log.Info("using Redis lock manager", "url", sanitizeRedisURL(cfg.RedisURL))

	case BackendMemory:
		backends.memManager = NewInMemoryLockManager()
		backends.Locking = backends.memManager
		log.Info("using in-memory lock manager")

	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}

	return backends, nil
}

// NewBackendsWithFallback creates backends, falling back to in-memory if
// Redis is unreachable. A single replica still excludes correctly that way.
func NewBackendsWithFallback(ctx context.Context, cfg BackendConfig) (*Backends, error) {
	log := util.Log(ctx)

	backends, err := NewBackends(ctx, cfg)
	if err != nil {
		log.Warn("falling back to in-memory lock manager", "error", err.Error())

		cfg.LockBackend = BackendMemory
		return NewBackends(ctx, cfg)
	}

	return backends, nil
}

// sanitizeRedisURL removes the password from a Redis URL for logging.
func sanitizeRedisURL(url string) string {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return "[invalid]"
	}

	sanitized := fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB)
	if opts.Username != "" {
		sanitized = fmt.Sprintf("redis://%s@%s/%d", opts.Username, opts.Addr, opts.DB)
	}

	return sanitized
}
