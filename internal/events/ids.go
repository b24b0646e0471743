// Package events provides the event envelope, lifecycle taxonomy, queue
// wiring, and coordination primitives shared by the fix pipeline and the
// verification loop.
package events

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// branchPrefix is the prefix for branches created by the fix pipeline.
const branchPrefix = "fix-vibe"

// JobID identifies one fix request for its lifetime. It is a v4 UUID; the
// first 8 hex characters seed the branch name, so IDs must be random rather
// than time-ordered to keep same-second jobs from colliding.
type JobID struct {
	id uuid.UUID
}

// NewJobID generates a new job ID.
func NewJobID() JobID {
	return JobID{id: uuid.New()}
}

// ParseJobID parses a job ID from its canonical or hex form.
func ParseJobID(s string) (JobID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, fmt.Errorf("invalid job ID %q: %w", s, err)
	}
	return JobID{id: id}, nil
}

// MustParseJobID parses a job ID, panicking on error.
func MustParseJobID(s string) JobID {
	id, err := ParseJobID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical dashed representation.
func (j JobID) String() string {
	return j.id.String()
}

// Hex returns the 32-character hex representation without dashes.
func (j JobID) Hex() string {
	return hex.EncodeToString(j.id[:])
}

// Short returns the first 8 hex characters for branch names and logs.
func (j JobID) Short() string {
	return j.Hex()[:8]
}

// IsZero returns true if this is the zero value.
func (j JobID) IsZero() bool {
	return j.id == uuid.Nil
}

// MarshalJSON implements json.Marshaler.
func (j JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JobID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	j.id = id
	return nil
}

// EventID identifies a single event. XIDs are time-ordered, so event IDs
// double as a coarse ordering key within a job.
type EventID struct {
	id xid.ID
}

// NewEventID generates a new event ID.
func NewEventID() EventID {
	return EventID{id: xid.New()}
}

// ParseEventID parses an event ID from string.
func ParseEventID(s string) (EventID, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event ID %q: %w", s, err)
	}
	return EventID{id: id}, nil
}

// String returns the string representation.
func (e EventID) String() string {
	return e.id.String()
}

// Time returns the timestamp embedded in the ID.
func (e EventID) Time() time.Time {
	return e.id.Time()
}

// IsZero returns true if this is the zero value.
func (e EventID) IsZero() bool {
	return e.id.IsNil()
}

// MarshalJSON implements json.Marshaler.
func (e EventID) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *EventID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := xid.FromString(s)
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

// DerivedIdentifiers provides names derived from a job identity.
type DerivedIdentifiers struct {
	JobID JobID
	Repo  string
}

// NewDerivedIdentifiers creates derived identifiers for a job.
func NewDerivedIdentifiers(jobID JobID, repo string) DerivedIdentifiers {
	return DerivedIdentifiers{JobID: jobID, Repo: repo}
}

// BranchName returns the fix branch name for this job.
func (d DerivedIdentifiers) BranchName() string {
	return fmt.Sprintf("%s-%s", branchPrefix, d.JobID.Short())
}

// CaptureDir returns the screenshot staging directory for this job.
func (d DerivedIdentifiers) CaptureDir(basePath string) string {
	return fmt.Sprintf("%s/%s", basePath, d.JobID.Hex())
}

// VerificationLockKey returns the lock key that serializes verification
// loops per pull request. One loop per PR at a time.
func VerificationLockKey(repo string, prNumber int) string {
	return fmt.Sprintf("verify:pr:%s:%d", repo, prNumber)
}
