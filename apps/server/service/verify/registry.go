package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/vibefix/internal/events"
)

// ErrAlreadyRunning is returned when a verification loop already holds the
// pull request.
var ErrAlreadyRunning = errors.New("a verification loop is already running for this pull request")

// Lock renewal constants. The TTL is short relative to a full loop so a
// crashed replica frees its PR quickly; the extender renews well inside it.
const (
	lockTTL            = 2 * time.Minute
	lockExtendInterval = 30 * time.Second
)

// LoopStatus is a point-in-time view of one registered loop.
type LoopStatus struct {
	Key       string       `json:"key"`
	JobID     events.JobID `json:"job_id"`
	Repo      string       `json:"repo"`
	PRNumber  int          `json:"pr_number"`
	Branch    string       `json:"branch"`
	Running   bool         `json:"running"`
	StartedAt time.Time    `json:"started_at"`
	Result    *Result      `json:"result,omitempty"`
}

type runningLoop struct {
	status LoopStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns detached verification loops and enforces the one-loop-per-PR
// rule. Exclusion is backed by the distributed lock manager so it holds
// across replicas, with the in-process map serving status and cancellation.
type Registry struct {
	locks *events.VerificationLock

	mu    sync.Mutex
	loops map[string]*runningLoop
}

// NewRegistry creates a loop registry over the given lock manager.
func NewRegistry(manager events.LockManager) *Registry {
	return &Registry{
		locks: events.NewVerificationLock(manager),
		loops: make(map[string]*runningLoop),
	}
}

// Start launches the loop on a detached goroutine and returns its key. At
// most one loop runs per pull request; a second start returns
// ErrAlreadyRunning. The loop outlives the caller's request: only Cancel or
// Shutdown stops it early. A finished loop's entry stays queryable and is
// replaced on the next Start for the same PR.
func (r *Registry) Start(ctx context.Context, loop *Loop) (string, error) {
	key := loop.Key()

	lock, acquired, err := r.locks.TryAcquirePullRequest(ctx, loop.params.JobID,
		loop.params.Repo.String(), loop.params.PRNumber, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire verification lock: %w", err)
	}
	if !acquired {
		return "", ErrAlreadyRunning
	}

	r.mu.Lock()
	if existing, ok := r.loops[key]; ok && existing.status.Running {
		r.mu.Unlock()
		_ = lock.Unlock(ctx)
		return "", ErrAlreadyRunning
	}

	// The loop keeps the request's values (logger, trace) but not its
	// lifetime; cancellation comes only from Cancel or Shutdown.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	running := &runningLoop{
		status: LoopStatus{
			Key:       key,
			JobID:     loop.params.JobID,
			Repo:      loop.params.Repo.String(),
			PRNumber:  loop.params.PRNumber,
			Branch:    loop.params.Branch,
			Running:   true,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.loops[key] = running
	r.mu.Unlock()

	extender := events.NewLockExtender(lock, lockExtendInterval, lockTTL)
	extender.Start(loopCtx)

	go func() {
		defer close(running.done)

		result := loop.Run(loopCtx)

		r.mu.Lock()
		running.status.Running = false
		running.status.Result = result
		r.mu.Unlock()

		releaseCtx := context.WithoutCancel(loopCtx)
		if stopErr := extender.Stop(releaseCtx); stopErr != nil {
			util.Log(releaseCtx).WithError(stopErr).
				Warn("failed to release verification lock", "key", key)
		}
		cancel()
	}()

	util.Log(ctx).Info("verification loop started",
		"key", key, "job_id", loop.params.JobID.String())
	return key, nil
}

// Cancel stops the loop for the given key. It reports whether a running loop
// was told to stop; the loop finalizes its Cancelled result asynchronously.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	running, ok := r.loops[key]
	if !ok || !running.status.Running {
		return false
	}
	running.cancel()
	return true
}

// Status returns a point-in-time copy of the loop state for the key.
func (r *Registry) Status(key string) (*LoopStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	running, ok := r.loops[key]
	if !ok {
		return nil, false
	}
	statusCopy := running.status
	return &statusCopy, true
}

// Shutdown cancels every running loop and waits for them to finalize, up to
// the context deadline.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	waiting := make([]*runningLoop, 0, len(r.loops))
	for _, running := range r.loops {
		if running.status.Running {
			running.cancel()
			waiting = append(waiting, running)
		}
	}
	r.mu.Unlock()

	for _, running := range waiting {
		select {
		case <-running.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
