package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"
)

// ErrDatabaseUnavailable is returned when the database connection is not available.
var ErrDatabaseUnavailable = errors.New("database connection is not available")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for journal persistence.
type Repository interface {
	CreateJob(ctx context.Context, record *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	ListRecentJobs(ctx context.Context, limit int) ([]*JobRecord, error)
	CompleteJob(ctx context.Context, id string, completion JobCompletion) error
	SetJobFailureDetail(ctx context.Context, id, kind, detail string) error
	SetJobPullRequest(ctx context.Context, id, branch string, prNumber int, prURL string) error

	StartVerification(ctx context.Context, record *VerificationRecord) error
	GetVerification(ctx context.Context, key string) (*VerificationRecord, error)
	RecordVerificationIteration(ctx context.Context, key string, iteration int, ciState string) error
	FinishVerification(ctx context.Context, key string, completion VerificationCompletion) error
}

// NewRepository creates a journal repository. With a database pool it uses
// PostgreSQL; without one it falls back to in-memory storage, which backs
// tests and database-less deployments.
func NewRepository(_ context.Context, p pool.Pool) Repository {
	if p != nil {
		return &PGRepository{pool: p}
	}
	return NewMemoryRepository()
}

// PGRepository is the PostgreSQL implementation of Repository.
type PGRepository struct {
	pool pool.Pool
}

func (r *PGRepository) db(ctx context.Context, readOnly bool) *gorm.DB {
	if r.pool == nil {
		return nil
	}
	return r.pool.DB(ctx, readOnly)
}

// CreateJob creates a new job record.
func (r *PGRepository) CreateJob(ctx context.Context, record *JobRecord) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	record.CreatedAt = time.Now()
	record.UpdatedAt = time.Now()
	return db.Create(record).Error
}

// GetJob retrieves a job record by ID.
func (r *PGRepository) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var record JobRecord
	if err := db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &record, nil
}

// ListRecentJobs lists job records newest first.
func (r *PGRepository) ListRecentJobs(ctx context.Context, limit int) ([]*JobRecord, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var records []*JobRecord
	if err := db.Order("received_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CompleteJob applies the terminal outcome to a job record.
func (r *PGRepository) CompleteJob(ctx context.Context, id string, completion JobCompletion) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	updates := map[string]interface{}{
		"status":       completion.Status,
		"completed_at": &completion.CompletedAt,
		"updated_at":   time.Now(),
	}
	if completion.ErrorKind != "" {
		updates["error_kind"] = completion.ErrorKind
	}
	if completion.PRNumber != 0 {
		updates["pr_number"] = completion.PRNumber
		updates["pr_url"] = completion.PRURL
	}

	return db.Model(&JobRecord{}).Where("id = ?", id).Updates(updates).Error
}

// SetJobFailureDetail records the failure kind and user-facing detail.
func (r *PGRepository) SetJobFailureDetail(ctx context.Context, id, kind, detail string) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Model(&JobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"error_kind":   kind,
		"error_detail": detail,
		"updated_at":   time.Now(),
	}).Error
}

// SetJobPullRequest records the opened pull request on the job row.
func (r *PGRepository) SetJobPullRequest(
	ctx context.Context,
	id, branch string,
	prNumber int,
	prURL string,
) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Model(&JobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"branch":     branch,
		"pr_number":  prNumber,
		"pr_url":     prURL,
		"updated_at": time.Now(),
	}).Error
}

// StartVerification creates or replaces the loop record for its key. A PR
// can be verified more than once; the newest loop owns the row.
func (r *PGRepository) StartVerification(ctx context.Context, record *VerificationRecord) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	record.Running = true
	record.CreatedAt = time.Now()
	record.UpdatedAt = time.Now()
	return db.Save(record).Error
}

// GetVerification retrieves a loop record by key.
func (r *PGRepository) GetVerification(ctx context.Context, key string) (*VerificationRecord, error) {
	db := r.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var record VerificationRecord
	if err := db.First(&record, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: verification %s", ErrNotFound, key)
		}
		return nil, err
	}
	return &record, nil
}

// RecordVerificationIteration updates the loop's progress counters.
func (r *PGRepository) RecordVerificationIteration(
	ctx context.Context,
	key string,
	iteration int,
	ciState string,
) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Model(&VerificationRecord{}).Where("key = ?", key).Updates(map[string]interface{}{
		"iterations":    iteration,
		"last_ci_state": ciState,
		"updated_at":    time.Now(),
	}).Error
}

// FinishVerification applies the terminal loop result to its record.
func (r *PGRepository) FinishVerification(
	ctx context.Context,
	key string,
	completion VerificationCompletion,
) error {
	db := r.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	return db.Model(&VerificationRecord{}).Where("key = ?", key).Updates(map[string]interface{}{
		"running":       false,
		"success":       completion.Success,
		"iterations":    completion.Iterations,
		"final_status":  completion.FinalStatus,
		"error_message": completion.ErrorMessage,
		"finished_at":   &completion.FinishedAt,
		"updated_at":    time.Now(),
	}).Error
}

// MemoryRepository is an in-memory journal for tests and database-less runs.
type MemoryRepository struct {
	mu            sync.RWMutex
	jobs          map[string]*JobRecord
	verifications map[string]*VerificationRecord
}

// NewMemoryRepository creates an empty in-memory journal.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:          make(map[string]*JobRecord),
		verifications: make(map[string]*VerificationRecord),
	}
}

// CreateJob creates a new job record.
func (r *MemoryRepository) CreateJob(_ context.Context, record *JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record.CreatedAt = time.Now()
	record.UpdatedAt = time.Now()
	r.jobs[record.ID] = record
	return nil
}

// GetJob retrieves a job record by ID.
func (r *MemoryRepository) GetJob(_ context.Context, id string) (*JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	recordCopy := *record
	return &recordCopy, nil
}

// ListRecentJobs lists job records newest first.
func (r *MemoryRepository) ListRecentJobs(_ context.Context, limit int) ([]*JobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*JobRecord, 0, len(r.jobs))
	for _, record := range r.jobs {
		recordCopy := *record
		records = append(records, &recordCopy)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ReceivedAt.After(records[j].ReceivedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// CompleteJob applies the terminal outcome to a job record.
func (r *MemoryRepository) CompleteJob(_ context.Context, id string, completion JobCompletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}

	record.Status = completion.Status
	record.CompletedAt = &completion.CompletedAt
	if completion.ErrorKind != "" {
		record.ErrorKind = completion.ErrorKind
	}
	if completion.PRNumber != 0 {
		record.PRNumber = completion.PRNumber
		record.PRURL = completion.PRURL
	}
	record.UpdatedAt = time.Now()
	return nil
}

// SetJobFailureDetail records the failure kind and user-facing detail.
func (r *MemoryRepository) SetJobFailureDetail(_ context.Context, id, kind, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	record.ErrorKind = kind
	record.ErrorDetail = detail
	record.UpdatedAt = time.Now()
	return nil
}

// SetJobPullRequest records the opened pull request on the job row.
func (r *MemoryRepository) SetJobPullRequest(
	_ context.Context,
	id, branch string,
	prNumber int,
	prURL string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	record.Branch = branch
	record.PRNumber = prNumber
	record.PRURL = prURL
	record.UpdatedAt = time.Now()
	return nil
}

// StartVerification creates or replaces the loop record for its key.
func (r *MemoryRepository) StartVerification(_ context.Context, record *VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record.Running = true
	record.CreatedAt = time.Now()
	record.UpdatedAt = time.Now()
	r.verifications[record.Key] = record
	return nil
}

// GetVerification retrieves a loop record by key.
func (r *MemoryRepository) GetVerification(_ context.Context, key string) (*VerificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.verifications[key]
	if !ok {
		return nil, fmt.Errorf("%w: verification %s", ErrNotFound, key)
	}
	recordCopy := *record
	return &recordCopy, nil
}

// RecordVerificationIteration updates the loop's progress counters.
func (r *MemoryRepository) RecordVerificationIteration(
	_ context.Context,
	key string,
	iteration int,
	ciState string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.verifications[key]
	if !ok {
		return fmt.Errorf("%w: verification %s", ErrNotFound, key)
	}
	record.Iterations = iteration
	record.LastCIState = ciState
	record.UpdatedAt = time.Now()
	return nil
}

// FinishVerification applies the terminal loop result to its record.
func (r *MemoryRepository) FinishVerification(
	_ context.Context,
	key string,
	completion VerificationCompletion,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.verifications[key]
	if !ok {
		return fmt.Errorf("%w: verification %s", ErrNotFound, key)
	}
	record.Running = false
	record.Success = completion.Success
	record.Iterations = completion.Iterations
	record.FinalStatus = completion.FinalStatus
	record.ErrorMessage = completion.ErrorMessage
	record.FinishedAt = &completion.FinishedAt
	record.UpdatedAt = time.Now()
	return nil
}
