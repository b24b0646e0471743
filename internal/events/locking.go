package events

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff configuration constants.
const (
	lockBaseBackoff    = 100 * time.Millisecond
	lockMaxBackoff     = 30 * time.Second
	lockJitterFraction = 0.3
	lockMaxAttemptCap  = 10
)

// Common locking errors.
var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockExpired     = errors.New("lock expired")
	ErrLockNotHeld     = errors.New("lock not held by caller")
)

// DistributedLock represents a held distributed lock.
type DistributedLock interface {
	// Key returns the lock key.
	Key() string

	// Owner returns the lock owner.
	Owner() string

	// ExpiresAt returns when the lock expires.
	ExpiresAt() time.Time

	// Unlock releases the lock.
	Unlock(ctx context.Context) error

	// Extend extends the lock TTL.
	Extend(ctx context.Context, duration time.Duration) error

	// IsHeld returns true if the lock is still held.
	IsHeld(ctx context.Context) (bool, error)
}

// LockManager manages distributed locks.
type LockManager interface {
	// Acquire attempts to acquire a lock, blocking with backoff until
	// acquired, the context deadline passes, or the context is cancelled.
	Acquire(ctx context.Context, key string, owner string, ttl time.Duration) (DistributedLock, error)

	// TryAcquire attempts to acquire a lock without blocking.
	TryAcquire(ctx context.Context, key string, owner string, ttl time.Duration) (DistributedLock, bool, error)

	// Release releases a lock.
	Release(ctx context.Context, key string, owner string) error

	// GetLockInfo returns information about a lock, nil if not held.
	GetLockInfo(ctx context.Context, key string) (*LockInfo, error)

	// IsLocked returns true if the key is locked.
	IsLocked(ctx context.Context, key string) (bool, error)
}

// LockInfo describes a currently held lock.
type LockInfo struct {
	// Key is the lock key.
	Key string `json:"key"`

	// Owner is the lock owner (job ID).
	Owner string `json:"owner"`

	// AcquiredAt is when the lock was acquired, when known.
	AcquiredAt time.Time `json:"acquired_at,omitzero"`

	// ExpiresAt is when the lock expires unless extended.
	ExpiresAt time.Time `json:"expires_at"`
}

// VerificationLock serializes verification loops per pull request.
// Two loops on one PR would race corrective commits on the same branch.
type VerificationLock struct {
	manager LockManager
}

// NewVerificationLock creates a verification lock helper.
func NewVerificationLock(manager LockManager) *VerificationLock {
	return &VerificationLock{manager: manager}
}

// TryAcquirePullRequest attempts the per-PR lock without blocking.
// A held lock means another loop is already verifying this PR.
func (v *VerificationLock) TryAcquirePullRequest(
	ctx context.Context,
	jobID JobID,
	repo string,
	prNumber int,
	ttl time.Duration,
) (DistributedLock, bool, error) {
	key := VerificationLockKey(repo, prNumber)
	return v.manager.TryAcquire(ctx, key, jobID.String(), ttl)
}

// Holder reports which job currently verifies the PR, empty if none.
func (v *VerificationLock) Holder(ctx context.Context, repo string, prNumber int) (string, error) {
	info, err := v.manager.GetLockInfo(ctx, VerificationLockKey(repo, prNumber))
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.Owner, nil
}

// InMemoryLockManager is a process-local lock manager. It backs single
// replica deployments and tests; multi-replica deployments use Redis.
type InMemoryLockManager struct {
	mu        sync.RWMutex
	locks     map[string]*inMemoryLock
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type inMemoryLock struct {
	key        string
	owner      string
	acquiredAt time.Time
	expiresAt  time.Time
	manager    *InMemoryLockManager
	released   bool
}

// NewInMemoryLockManager creates a new in-memory lock manager.
func NewInMemoryLockManager() *InMemoryLockManager {
	m := &InMemoryLockManager{
		locks:     make(map[string]*inMemoryLock),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	go m.cleanupExpired()
	return m
}

// Close stops the lock manager's cleanup goroutine gracefully.
func (m *InMemoryLockManager) Close() error {
	close(m.stopCh)
	<-m.stoppedCh
	return nil
}

func (m *InMemoryLockManager) cleanupExpired() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, lock := range m.locks {
				if lock.expiresAt.Before(now) {
					delete(m.locks, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Acquire attempts to acquire a lock with exponential backoff.
func (m *InMemoryLockManager) Acquire(ctx context.Context, key string, owner string, ttl time.Duration) (DistributedLock, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}

	attempt := 0
	for {
		lock, acquired, err := m.TryAcquire(ctx, key, owner, ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			return lock, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}

		backoff := calculateLockBackoff(attempt)
		attempt++

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// calculateLockBackoff computes backoff duration with exponential increase and jitter.
func calculateLockBackoff(attempt int) time.Duration {
	backoff := min(
		lockBaseBackoff*time.Duration(1<<min(attempt, lockMaxAttemptCap)),
		lockMaxBackoff,
	)

	// Jitter does not need cryptographic randomness.
	jitterRange := float64(backoff) * lockJitterFraction
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterRange) //nolint:gosec // non-security jitter

	return backoff + jitter
}

// TryAcquire attempts to acquire a lock without blocking.
func (m *InMemoryLockManager) TryAcquire(_ context.Context, key string, owner string, ttl time.Duration) (DistributedLock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	existing, ok := m.locks[key]
	if ok && existing.expiresAt.After(now) {
		if existing.owner == owner {
			// Re-entrant acquire extends the TTL.
			existing.expiresAt = now.Add(ttl)
			return existing, true, nil
		}
		return nil, false, nil
	}

	lock := &inMemoryLock{
		key:        key,
		owner:      owner,
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
		manager:    m,
	}
	m.locks[key] = lock
	return lock, true, nil
}

// Release releases a lock.
func (m *InMemoryLockManager) Release(_ context.Context, key string, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.locks[key]
	if !ok {
		return nil
	}

	if existing.owner != owner {
		return ErrLockNotHeld
	}

	delete(m.locks, key)
	return nil
}

// GetLockInfo returns information about a lock.
func (m *InMemoryLockManager) GetLockInfo(_ context.Context, key string) (*LockInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lock, ok := m.locks[key]
	if !ok || lock.expiresAt.Before(time.Now()) {
		return nil, nil //nolint:nilnil // nil info is valid for absent locks
	}

	return &LockInfo{
		Key:        lock.key,
		Owner:      lock.owner,
		AcquiredAt: lock.acquiredAt,
		ExpiresAt:  lock.expiresAt,
	}, nil
}

// IsLocked returns true if the key is locked.
func (m *InMemoryLockManager) IsLocked(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lock, ok := m.locks[key]
	if !ok {
		return false, nil
	}

	return lock.expiresAt.After(time.Now()), nil
}

// Key returns the lock key.
func (l *inMemoryLock) Key() string {
	return l.key
}

// Owner returns the lock owner.
func (l *inMemoryLock) Owner() string {
	return l.owner
}

// ExpiresAt returns when the lock expires.
func (l *inMemoryLock) ExpiresAt() time.Time {
	return l.expiresAt
}

// Unlock releases the lock.
func (l *inMemoryLock) Unlock(ctx context.Context) error {
	if l.released {
		return nil
	}
	err := l.manager.Release(ctx, l.key, l.owner)
	if err == nil {
		l.released = true
	}
	return err
}

// Extend extends the lock TTL.
func (l *inMemoryLock) Extend(_ context.Context, duration time.Duration) error {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()

	existing, ok := l.manager.locks[l.key]
	if !ok {
		return ErrLockExpired
	}

	if existing.owner != l.owner {
		return ErrLockNotHeld
	}

	if existing.expiresAt.Before(time.Now()) {
		return ErrLockExpired
	}

	existing.expiresAt = time.Now().Add(duration)
	l.expiresAt = existing.expiresAt
	return nil
}

// IsHeld returns true if the lock is still held.
func (l *inMemoryLock) IsHeld(_ context.Context) (bool, error) {
	l.manager.mu.RLock()
	defer l.manager.mu.RUnlock()

	existing, ok := l.manager.locks[l.key]
	if !ok {
		return false, nil
	}

	return existing.owner == l.owner && existing.expiresAt.After(time.Now()), nil
}

// WithLock executes a function while holding a lock.
func WithLock(ctx context.Context, manager LockManager, key, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := manager.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock(ctx)

	return fn(ctx)
}

// LockExtender renews a lock while long-running work holds it. Verification
// loops run for minutes against a short lock TTL so a crashed loop frees
// its PR quickly.
type LockExtender struct {
	lock      DistributedLock
	interval  time.Duration
	extension time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewLockExtender creates a lock extender that automatically renews the lock.
func NewLockExtender(lock DistributedLock, interval, extension time.Duration) *LockExtender {
	return &LockExtender{
		lock:      lock,
		interval:  interval,
		extension: extension,
		done:      make(chan struct{}),
	}
}

// Start begins automatic lock extension.
func (e *LockExtender) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.lock.Extend(ctx, e.extension); err != nil {
					// The lock may have expired; stop renewing.
					return
				}
			}
		}
	}()
}

// Stop stops automatic lock extension and releases the lock.
func (e *LockExtender) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
	return e.lock.Unlock(ctx)
}
