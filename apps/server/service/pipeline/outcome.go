package pipeline

import (
	"github.com/antinvestor/vibefix/internal/gateways/github"
	"github.com/antinvestor/vibefix/internal/reasoning"
)

// ErrorKind classifies pipeline failures so callers can act on the category
// instead of parsing message text.
type ErrorKind string

// Error kinds, one per failing step.
const (
	ErrorKindInvalidInput     ErrorKind = "invalid_input"
	ErrorKindRepoAccess       ErrorKind = "repo_access"
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindNoContext        ErrorKind = "no_context"
	ErrorKindReasoningFailure ErrorKind = "reasoning_failure"
	ErrorKindCommitFailure    ErrorKind = "commit_failure"
	ErrorKindPRFailure        ErrorKind = "pr_failure"
)

// OutcomeKind names the three terminal shapes of a pipeline run.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeCommitted       OutcomeKind = "committed"
	OutcomeNoActionableFix OutcomeKind = "no_actionable_fix"
	OutcomeFailed          OutcomeKind = "failed"
)

// Outcome is the terminal result of one pipeline run. Exactly one of the
// three kinds applies; NoActionableFix is a success ("no bug found"), not
// an error.
type Outcome struct {
	Kind OutcomeKind

	// PullRequest is set on Committed.
	PullRequest *github.PullRequestRef

	// Analysis is set on Committed and NoActionableFix.
	Analysis *reasoning.AnalysisResult

	// ScreenshotsCaptured lists capture-gateway artifact paths; nil when no
	// capture URL was given or the capture failed and was absorbed.
	ScreenshotsCaptured []string

	// Branch is the fix branch. On commit or PR failure it names residue
	// the caller may want to clean up by hand.
	Branch string

	// ErrorKind and Detail are set on Failed. Detail is user-actionable.
	ErrorKind ErrorKind
	Detail    string
}

// Committed reports whether the run delivered a pull request.
func (o *Outcome) Committed() bool {
	return o.Kind == OutcomeCommitted
}

// Failed reports whether the run aborted with an error kind.
func (o *Outcome) Failed() bool {
	return o.Kind == OutcomeFailed
}

func committedOutcome(pr *github.PullRequestRef, analysis *reasoning.AnalysisResult) *Outcome {
	return &Outcome{
		Kind:        OutcomeCommitted,
		PullRequest: pr,
		Analysis:    analysis,
		Branch:      pr.HeadBranch,
	}
}

func noFixOutcome(analysis *reasoning.AnalysisResult) *Outcome {
	return &Outcome{
		Kind:     OutcomeNoActionableFix,
		Analysis: analysis,
	}
}

func failedOutcome(kind ErrorKind, detail string) *Outcome {
	return &Outcome{
		Kind:      OutcomeFailed,
		ErrorKind: kind,
		Detail:    detail,
	}
}
