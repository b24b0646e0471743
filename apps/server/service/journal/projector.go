package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/util"

	"github.com/antinvestor/vibefix/internal/events"
)

// Projections returns the full set of event handlers that keep the journal
// current. Register them all on the lifecycle topic dispatcher.
func Projections(journal Repository) []events.FrameEventHandler {
	return []events.FrameEventHandler{
		NewJobReceivedProjection(journal),
		NewJobCompletedProjection(journal),
		NewPipelineFailedProjection(journal),
		NewPullRequestOpenedProjection(journal),
		NewVerificationStartedProjection(journal),
		NewVerificationIteratedProjection(journal),
		NewVerificationFinishedProjection(journal, events.VerificationSucceeded),
		NewVerificationFinishedProjection(journal, events.VerificationExhausted),
		NewVerificationFinishedProjection(journal, events.VerificationFailed),
		NewVerificationFinishedProjection(journal, events.VerificationCancelled),
	}
}

// JobReceivedProjection opens a job row when a request passes validation.
type JobReceivedProjection struct {
	*events.BaseEventHandler
	journal Repository
}

// NewJobReceivedProjection creates the JobReceived projection.
func NewJobReceivedProjection(journal Repository) *JobReceivedProjection {
	return &JobReceivedProjection{
		BaseEventHandler: events.NewBaseEventHandler(
			events.JobReceived.String(), &events.JobReceivedPayload{}),
		journal: journal,
	}
}

// Validate validates the payload.
func (p *JobReceivedProjection) Validate(_ context.Context, payload any) error {
	received, ok := payload.(*events.JobReceivedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}
	if received.JobID.IsZero() {
		return errors.New("job_id is required")
	}
	if received.Repo == "" {
		return errors.New("repo is required")
	}
	return nil
}

// Execute opens the job row.
func (p *JobReceivedProjection) Execute(ctx context.Context, payload any) error {
	received, ok := payload.(*events.JobReceivedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}

	return p.journal.CreateJob(ctx, &JobRecord{
		ID:            received.JobID.String(),
		Repo:          received.Repo,
		Description:   received.Description,
		VisualInputs:  received.VisualInputs,
		HasCaptureURL: received.HasCaptureURL,
		HasVideo:      received.HasVideo,
		Status:        JobStatusRunning,
		ReceivedAt:    received.ReceivedAt,
	})
}

// JobCompletedProjection finalizes a job row with its terminal outcome.
type JobCompletedProjection struct {
	*events.BaseEventHandler
	journal Repository
}

// NewJobCompletedProjection creates the JobCompleted projection.
func NewJobCompletedProjection(journal Repository) *JobCompletedProjection {
	return &JobCompletedProjection{
		BaseEventHandler: events.NewBaseEventHandler(
			events.JobCompleted.String(), &events.JobCompletedPayload{}),
		journal: journal,
	}
}

// Validate validates the payload.
func (p *JobCompletedProjection) Validate(_ context.Context, payload any) error {
	completed, ok := payload.(*events.JobCompletedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}
	if completed.JobID.IsZero() {
		return errors.New("job_id is required")
	}
	if completed.Outcome == "" {
		return errors.New("outcome is required")
	}
	return nil
}

// Execute finalizes the job row.
func (p *JobCompletedProjection) Execute(ctx context.Context, payload any) error {
	completed, ok := payload.(*events.JobCompletedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}

	return p.journal.CompleteJob(ctx, completed.JobID.String(), JobCompletion{
		Status:      completed.Outcome,
		ErrorKind:   completed.ErrorKind,
		PRNumber:    completed.PRNumber,
		PRURL:       completed.PRURL,
		CompletedAt: completed.CompletedAt,
	})
}

// PipelineFailedProjection records the failure kind and user-facing detail.
// JobCompleted carries the kind alone; the detail only travels here.
type PipelineFailedProjection struct {
	*events.BaseEventHandler
	journal Repository
}

// NewPipelineFailedProjection creates the PipelineFailed projection.
func NewPipelineFailedProjection(journal Repository) *PipelineFailedProjection {
	return &PipelineFailedProjection{
		BaseEventHandler: events.NewBaseEventHandler(
			events.PipelineFailed.String(), &events.PipelineFailedPayload{}),
		journal: journal,
	}
}

// Validate validates the payload.
func (p *PipelineFailedProjection) Validate(_ context.Context, payload any) error {
	failed, ok := payload.(*events.PipelineFailedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}
	if failed.JobID.IsZero() {
		return errors.New("job_id is required")
	}
	return nil
}

// Execute records the failure detail.
func (p *PipelineFailedProjection) Execute(ctx context.Context, payload any) error {
	failed, ok := payload.(*events.PipelineFailedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}

	return p.journal.SetJobFailureDetail(ctx, failed.JobID.String(), failed.Kind, failed.Detail)
}

// PullRequestOpenedProjection records the opened pull request on the job row.
type PullRequestOpenedProjection struct {
	*events.BaseEventHandler
	journal Repository
}

// NewPullRequestOpenedProjection creates the PullRequestOpened projection.
func NewPullRequestOpenedProjection(journal Repository) *PullRequestOpenedProjection {
	return &PullRequestOpenedProjection{
		BaseEventHandler: events.NewBaseEventHandler(
			events.PullRequestOpened.String(), &events.PullRequestOpenedPayload{}),
		journal: journal,
	}
}

// Validate validates the payload.
func (p *PullRequestOpenedProjection) Validate(_ context.Context, payload any) error {
	opened, ok := payload.(*events.PullRequestOpenedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}
	if opened.JobID.IsZero() {
		return errors.New("job_id is required")
	}
	if opened.PRNumber <= 0 {
		return errors.New("pr_number is required")
	}
	return nil
}

// Execute records the pull request reference.
func (p *PullRequestOpenedProjection) Execute(ctx context.Context, payload any) error {
	opened, ok := payload.(*events.PullRequestOpenedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}

	return p.journal.SetJobPullRequest(ctx, opened.JobID.String(),
		opened.HeadBranch, opened.PRNumber, opened.PRURL)
}

// VerificationStartedProjection opens a loop row when verification begins.
type VerificationStartedProjection struct {
	*events.BaseEventHandler
	journal Repository
}

// NewVerificationStartedProjection creates the VerificationStarted projection.
func NewVerificationStartedProjection(journal Repository) *VerificationStartedProjection {
	return &VerificationStartedProjection{
		BaseEventHandler: events.NewBaseEventHandler(
			events.VerificationStarted.String(), &events.VerificationStartedPayload{}),
		journal: journal,
	}
}

// Validate validates the payload.
func (p *VerificationStartedProjection) Validate(_ context.Context, payload any) error {
	started, ok := payload.(*events.VerificationStartedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}
	if started.JobID.IsZero() {
		return errors.New("job_id is required")
	}
	if started.Repo == "" || started.PRNumber <= 0 {
		return errors.New("repo and pr_number are required")
	}
	return nil
}

// Execute opens the loop row.
func (p *VerificationStartedProjection) Execute(ctx context.Context, payload any) error {
	started, ok := payload.(*events.VerificationStartedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}

	return p.journal.StartVerification(ctx, &VerificationRecord{
		Key:       events.VerificationLockKey(started.Repo, started.PRNumber),
		JobID:     started.JobID.String(),
		Repo:      started.Repo,
		PRNumber:  started.PRNumber,
		Branch:    started.Branch,
		StartedAt: started.StartedAt,
	})
}

// VerificationIteratedProjection tracks per-iteration progress.
type VerificationIteratedProjection struct {
	*events.BaseEventHandler
	journal Repository
}

// NewVerificationIteratedProjection creates the VerificationIterated projection.
func NewVerificationIteratedProjection(journal Repository) *VerificationIteratedProjection {
	return &VerificationIteratedProjection{
		BaseEventHandler: events.NewBaseEventHandler(
			events.VerificationIterated.String(), &events.VerificationIteratedPayload{}),
		journal: journal,
	}
}

// Validate validates the payload.
func (p *VerificationIteratedProjection) Validate(_ context.Context, payload any) error {
	iterated, ok := payload.(*events.VerificationIteratedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}
	if iterated.Iteration <= 0 {
		return errors.New("iteration must be positive")
	}
	return nil
}

// Execute updates the loop's progress counters.
func (p *VerificationIteratedProjection) Execute(ctx context.Context, payload any) error {
	iterated, ok := payload.(*events.VerificationIteratedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}

	key := events.VerificationLockKey(iterated.Repo, iterated.PRNumber)
	return p.journal.RecordVerificationIteration(ctx, key, iterated.Iteration, iterated.CIState)
}

// VerificationFinishedProjection finalizes a loop row. All four terminal
// event types carry the same payload, so one projection type serves them,
// instantiated per event type.
type VerificationFinishedProjection struct {
	*events.BaseEventHandler
	journal Repository
}

// NewVerificationFinishedProjection creates a terminal projection for the
// given verification event type.
func NewVerificationFinishedProjection(
	journal Repository,
	eventType events.EventType,
) *VerificationFinishedProjection {
	return &VerificationFinishedProjection{
		BaseEventHandler: events.NewBaseEventHandler(
			eventType.String(), &events.VerificationFinishedPayload{}),
		journal: journal,
	}
}

// Validate validates the payload.
func (p *VerificationFinishedProjection) Validate(_ context.Context, payload any) error {
	finished, ok := payload.(*events.VerificationFinishedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}
	if finished.Repo == "" || finished.PRNumber <= 0 {
		return errors.New("repo and pr_number are required")
	}
	return nil
}

// Execute finalizes the loop row.
func (p *VerificationFinishedProjection) Execute(ctx context.Context, payload any) error {
	finished, ok := payload.(*events.VerificationFinishedPayload)
	if !ok {
		return fmt.Errorf("invalid payload type: %T", payload)
	}

	key := events.VerificationLockKey(finished.Repo, finished.PRNumber)
	err := p.journal.FinishVerification(ctx, key, VerificationCompletion{
		Success:      finished.Success,
		Iterations:   finished.Iterations,
		FinalStatus:  finished.FinalState,
		ErrorMessage: finished.ErrorMessage,
		FinishedAt:   finished.FinishedAt,
	})
	if err != nil {
		// A terminal event for a loop the journal never saw opens a row on
		// the spot, so restarts do not lose outcomes.
		if errors.Is(err, ErrNotFound) {
			util.Log(ctx).Warn("finalizing unknown verification loop", "key", key)
			record := &VerificationRecord{
				Key:      key,
				Repo:     finished.Repo,
				PRNumber: finished.PRNumber,
				JobID:    finished.JobID.String(),
			}
			if createErr := p.journal.StartVerification(ctx, record); createErr != nil {
				return createErr
			}
			return p.journal.FinishVerification(ctx, key, VerificationCompletion{
				Success:      finished.Success,
				Iterations:   finished.Iterations,
				FinalStatus:  finished.FinalState,
				ErrorMessage: finished.ErrorMessage,
				FinishedAt:   finished.FinishedAt,
			})
		}
		return err
	}
	return nil
}
