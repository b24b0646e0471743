// Package journal persists the lifecycle of fix jobs and verification loops
// as a queryable read model. It is fed by projections subscribed to the
// lifecycle event topic, never written by the pipeline directly.
package journal

import (
	"time"
)

// Job statuses as stored at rest. Terminal values match the outcome kinds
// carried on the JobCompleted event.
const (
	JobStatusRunning   = "running"
	JobStatusCommitted = "committed"
	JobStatusNoFix     = "no_actionable_fix"
	JobStatusFailed    = "failed"
)

// JobRecord is one fix job's lifecycle row.
type JobRecord struct {
	ID            string     `json:"id"                       gorm:"primaryKey"`
	Repo          string     `json:"repo"`
	Description   string     `json:"description,omitempty"`
	VisualInputs  int        `json:"visual_inputs"`
	HasCaptureURL bool       `json:"has_capture_url"`
	HasVideo      bool       `json:"has_video"`
	Status        string     `json:"status"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	PRNumber      int        `json:"pr_number,omitempty"`
	PRURL         string     `json:"pr_url,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the table name for the JobRecord model.
func (JobRecord) TableName() string {
	return "fix_jobs"
}

// JobCompletion carries the terminal fields applied when a job finishes.
type JobCompletion struct {
	Status      string
	ErrorKind   string
	PRNumber    int
	PRURL       string
	CompletedAt time.Time
}

// VerificationRecord is one verification loop's lifecycle row, keyed by the
// same repo#pr key the loop registry uses.
type VerificationRecord struct {
	Key          string     `json:"key"            gorm:"primaryKey"`
	JobID        string     `json:"job_id"`
	Repo         string     `json:"repo"`
	PRNumber     int        `json:"pr_number"`
	Branch       string     `json:"branch"`
	Running      bool       `json:"running"`
	Iterations   int        `json:"iterations"`
	LastCIState  string     `json:"last_ci_state,omitempty"`
	Success      bool       `json:"success"`
	FinalStatus  string     `json:"final_status,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the table name for the VerificationRecord model.
func (VerificationRecord) TableName() string {
	return "verification_loops"
}

// VerificationCompletion carries the terminal fields applied when a loop
// finishes.
type VerificationCompletion struct {
	Success      bool
	Iterations   int
	FinalStatus  string
	ErrorMessage string
	FinishedAt   time.Time
}
