package events

import "strings"

// EventType identifies an event in the job lifecycle.
// Format: vibefix.{aggregate}.{action} where aggregate is one of
// job, pipeline, or verify.
type EventType string

// Job lifecycle events.
const (
	// JobReceived fires when a fix request passes validation.
	JobReceived EventType = "vibefix.job.received"

	// JobCompleted fires once per job with the final outcome kind.
	JobCompleted EventType = "vibefix.job.completed"
)

// Fix pipeline events.
const (
	// PipelineStarted fires when the pipeline begins orchestrating a job.
	PipelineStarted EventType = "vibefix.pipeline.started"

	// ScreenshotsCaptured fires after the capture attempt, degraded or not.
	ScreenshotsCaptured EventType = "vibefix.pipeline.screenshots_captured"

	// ContextBuilt fires once the scouted files are fetched.
	ContextBuilt EventType = "vibefix.pipeline.context_built"

	// AnalysisCompleted fires when the reasoning gateway returns an analysis.
	AnalysisCompleted EventType = "vibefix.pipeline.analysis_completed"

	// NoFixFound fires when the analysis carries no actionable fix.
	// Terminal for the job, and a success: no bug means nothing to commit.
	NoFixFound EventType = "vibefix.pipeline.no_fix_found"

	// FixCommitted fires after the fix lands on the new branch.
	FixCommitted EventType = "vibefix.pipeline.fix_committed"

	// PullRequestOpened fires once the pull request exists.
	PullRequestOpened EventType = "vibefix.pipeline.pr_opened"

	// PipelineFailed fires when any pipeline step fails terminally.
	PipelineFailed EventType = "vibefix.pipeline.failed"
)

// Verification loop events.
const (
	// VerificationStarted fires when a loop acquires its PR and begins polling.
	VerificationStarted EventType = "vibefix.verify.started"

	// VerificationIterated fires at the end of each correction cycle.
	VerificationIterated EventType = "vibefix.verify.iteration_completed"

	// VerificationSucceeded fires when CI goes green.
	VerificationSucceeded EventType = "vibefix.verify.succeeded"

	// VerificationExhausted fires when the iteration budget is spent.
	VerificationExhausted EventType = "vibefix.verify.exhausted"

	// VerificationFailed fires on a terminal loop failure such as missing
	// diagnostics or a commit that cannot land.
	VerificationFailed EventType = "vibefix.verify.failed"

	// VerificationCancelled fires when a loop is cancelled externally.
	VerificationCancelled EventType = "vibefix.verify.cancelled"
)

// String returns the string representation.
func (t EventType) String() string {
	return string(t)
}

// Domain returns the first segment of the event type.
func (t EventType) Domain() string {
	parts := strings.SplitN(string(t), ".", 2)
	return parts[0]
}

// Aggregate returns the middle segment (job, pipeline, verify).
func (t EventType) Aggregate() string {
	parts := strings.Split(string(t), ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// Action returns the final segment of the event type.
func (t EventType) Action() string {
	parts := strings.Split(string(t), ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

// IsTerminal returns true for events that end their aggregate's lifecycle.
func (t EventType) IsTerminal() bool {
	switch t {
	case JobCompleted, NoFixFound, PullRequestOpened, PipelineFailed,
		VerificationSucceeded, VerificationExhausted,
		VerificationFailed, VerificationCancelled:
		return true
	default:
		return false
	}
}

// IsFailure returns true for events that represent a failure outcome.
func (t EventType) IsFailure() bool {
	switch t {
	case PipelineFailed, VerificationExhausted, VerificationFailed:
		return true
	default:
		return false
	}
}

// IsValid returns true if the event type is part of the taxonomy.
func (t EventType) IsValid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// AllEventTypes returns every event type in the taxonomy.
func AllEventTypes() []EventType {
	return []EventType{
		JobReceived,
		JobCompleted,
		PipelineStarted,
		ScreenshotsCaptured,
		ContextBuilt,
		AnalysisCompleted,
		NoFixFound,
		FixCommitted,
		PullRequestOpened,
		PipelineFailed,
		VerificationStarted,
		VerificationIterated,
		VerificationSucceeded,
		VerificationExhausted,
		VerificationFailed,
		VerificationCancelled,
	}
}
