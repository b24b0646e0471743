package events

import "time"

// Payload structs for the lifecycle taxonomy. Severities, outcome kinds,
// and CI states travel as plain strings so this package stays a leaf.

// JobReceivedPayload is the payload for JobReceived.
type JobReceivedPayload struct {
	// JobID is the job identifier.
	JobID JobID `json:"job_id"`

	// Repo is the target repository in owner/name form.
	Repo string `json:"repo"`

	// VisualInputs is the number of visual evidence items supplied.
	VisualInputs int `json:"visual_inputs"`

	// HasCaptureURL is true when a live URL was supplied for capture.
	HasCaptureURL bool `json:"has_capture_url"`

	// HasVideo is true when one of the inputs is a video.
	HasVideo bool `json:"has_video"`

	// Description is the optional caller-supplied bug description.
	Description string `json:"description,omitempty"`

	// ReceivedAt is when the request passed validation.
	ReceivedAt time.Time `json:"received_at"`
}

// JobCompletedPayload is the payload for JobCompleted.
type JobCompletedPayload struct {
	JobID JobID `json:"job_id"`

	// Outcome is the pipeline outcome kind: committed, no_actionable_fix,
	// or failed.
	Outcome string `json:"outcome"`

	// ErrorKind is set when Outcome is failed.
	ErrorKind string `json:"error_kind,omitempty"`

	// PRNumber and PRURL are set when Outcome is committed.
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// PipelineStartedPayload is the payload for PipelineStarted.
type PipelineStartedPayload struct {
	JobID     JobID     `json:"job_id"`
	Repo      string    `json:"repo"`
	StartedAt time.Time `json:"started_at"`
}

// ScreenshotsCapturedPayload is the payload for ScreenshotsCaptured.
type ScreenshotsCapturedPayload struct {
	JobID JobID `json:"job_id"`

	// SourceURL is the page that was captured.
	SourceURL string `json:"source_url"`

	// Count is the number of screenshots produced. Zero with Degraded set
	// means the capture failed and the run continued on uploaded media.
	Count int `json:"count"`

	// Degraded is true when capture failed and was absorbed.
	Degraded bool `json:"degraded"`

	DurationMS int64 `json:"duration_ms"`
}

// ContextBuiltPayload is the payload for ContextBuilt.
type ContextBuiltPayload struct {
	JobID JobID `json:"job_id"`

	// FilesScouted is how many paths the relevance ranking returned.
	FilesScouted int `json:"files_scouted"`

	// FilesResolved is how many of those had fetchable content.
	FilesResolved int `json:"files_resolved"`

	// TotalBytes is the combined size of the context after truncation.
	TotalBytes int `json:"total_bytes"`

	// ScoutDegraded is true when ranking failed and the extension
	// heuristic was used instead.
	ScoutDegraded bool `json:"scout_degraded"`
}

// AnalysisCompletedPayload is the payload for AnalysisCompleted.
type AnalysisCompletedPayload struct {
	JobID JobID `json:"job_id"`

	// Severity is High, Medium, or Low.
	Severity string `json:"severity"`

	// HasFix is true when the analysis produced a complete fix.
	HasFix bool `json:"has_fix"`

	// Provider is the reasoning provider that answered.
	Provider string `json:"provider,omitempty"`

	LatencyMS int64 `json:"latency_ms"`
}

// NoFixFoundPayload is the payload for NoFixFound.
type NoFixFoundPayload struct {
	JobID     JobID  `json:"job_id"`
	Narrative string `json:"narrative"`
	Severity  string `json:"severity"`
}

// FixCommittedPayload is the payload for FixCommitted.
type FixCommittedPayload struct {
	JobID     JobID  `json:"job_id"`
	Branch    string `json:"branch"`
	BaseRef   string `json:"base_ref"`
	FilePath  string `json:"file_path"`
	CommitSHA string `json:"commit_sha"`
}

// PullRequestOpenedPayload is the payload for PullRequestOpened.
type PullRequestOpenedPayload struct {
	JobID      JobID  `json:"job_id"`
	PRNumber   int    `json:"pr_number"`
	PRURL      string `json:"pr_url"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
}

// PipelineFailedPayload is the payload for PipelineFailed.
type PipelineFailedPayload struct {
	JobID JobID `json:"job_id"`

	// Kind is the error kind: invalid_input, repo_access, permission_denied,
	// no_context, reasoning_failure, commit_failure, pr_failure.
	Kind string `json:"kind"`

	// Detail is the user-actionable message.
	Detail string `json:"detail"`

	FailedAt time.Time `json:"failed_at"`
}

// VerificationStartedPayload is the payload for VerificationStarted.
type VerificationStartedPayload struct {
	JobID JobID `json:"job_id"`

	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
	Branch   string `json:"branch"`
	FilePath string `json:"file_path"`

	// MaxIterations is the correction budget for this loop.
	MaxIterations int `json:"max_iterations"`

	StartedAt time.Time `json:"started_at"`
}

// VerificationIteratedPayload is the payload for VerificationIterated.
type VerificationIteratedPayload struct {
	JobID JobID `json:"job_id"`

	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`

	// Iteration is the 1-based correction cycle number.
	Iteration int `json:"iteration"`

	// CIState is the observed state that triggered the cycle.
	CIState string `json:"ci_state"`

	// FailedChecks is how many diagnostic logs were collected.
	FailedChecks int `json:"failed_checks"`

	// CommitSHA is the recommit created by this cycle.
	CommitSHA string `json:"commit_sha,omitempty"`
}

// VerificationFinishedPayload is the shared payload for the four terminal
// verification events.
type VerificationFinishedPayload struct {
	JobID JobID `json:"job_id"`

	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`

	Success    bool   `json:"success"`
	Iterations int    `json:"iterations"`
	FinalState string `json:"final_state"`

	// ErrorMessage is set for failed and cancelled terminals.
	ErrorMessage string `json:"error_message,omitempty"`

	FinishedAt time.Time `json:"finished_at"`
}
