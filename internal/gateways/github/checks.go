package github

import (
	"context"
	"fmt"
	"net/http"
)

// combinedStatusResponse is the combined commit status for a commit.
type combinedStatusResponse struct {
	State    string         `json:"state"`
	SHA      string         `json:"sha"`
	Statuses []commitStatus `json:"statuses"`
}

// commitStatus is one legacy status context on a commit.
type commitStatus struct {
	Context     string `json:"context"`
	State       string `json:"state"`
	Description string `json:"description"`
}

// checkRunsResponse lists check runs for a commit.
type checkRunsResponse struct {
	TotalCount int        `json:"total_count"`
	CheckRuns  []checkRun `json:"check_runs"`
}

// checkRun is one check run (GitHub Actions and similar).
type checkRun struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Conclusion string         `json:"conclusion"`
	Output     checkRunOutput `json:"output"`
}

// checkRunOutput is the reported output of a check run.
type checkRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// conclusionState maps a check run conclusion to a CIState. A run that
// has not completed carries no conclusion yet and counts as pending.
func conclusionState(conclusion string) CIState {
	switch conclusion {
	case "":
		return CIPending
	case "success":
		return CISuccess
	case "failure":
		return CIFailure
	default:
		return CIError
	}
}

// statusState maps a legacy commit status state to a CIState.
func statusState(state string) CIState {
	switch state {
	case "success":
		return CISuccess
	case "failure":
		return CIFailure
	case "pending", "":
		return CIPending
	default:
		return CIError
	}
}

// aggregateState folds individual check states into one commit state.
// Failure dominates error, error dominates pending, and a commit with
// no reported checks at all is pending because CI may not have started.
func aggregateState(checks []CheckStatus) CIState {
	if len(checks) == 0 {
		return CIPending
	}

	var sawError, sawPending bool
	for _, check := range checks {
		switch check.State {
		case CIFailure:
			return CIFailure
		case CIError:
			sawError = true
		case CIPending:
			sawPending = true
		case CISuccess:
		}
	}

	if sawError {
		return CIError
	}
	if sawPending {
		return CIPending
	}
	return CISuccess
}

// GetCIStatus aggregates commit statuses and check runs for the head
// of a pull request. Both sources feed the check list, statuses first,
// so repositories reporting through only one of them still resolve.
func (c *Client) GetCIStatus(ctx context.Context, ref RepoRef, prNumber int) (*CIStatus, error) {
	pr, err := c.GetPullRequest(ctx, ref, prNumber)
	if err != nil {
		return nil, err
	}
	return c.GetCommitCIStatus(ctx, ref, pr.HeadSHA)
}

// GetCommitCIStatus aggregates CI signal for a single commit.
func (c *Client) GetCommitCIStatus(ctx context.Context, ref RepoRef, sha string) (*CIStatus, error) {
	combined, runs, err := c.fetchCommitChecks(ctx, ref, sha)
	if err != nil {
		return nil, err
	}

	status := &CIStatus{
		SHA:    sha,
		Checks: make([]CheckStatus, 0, len(combined.Statuses)+len(runs.CheckRuns)),
	}

	for _, s := range combined.Statuses {
		status.Checks = append(status.Checks, CheckStatus{
			Name:        s.Context,
			State:       statusState(s.State),
			Description: s.Description,
		})
	}
	for _, run := range runs.CheckRuns {
		status.Checks = append(status.Checks, CheckStatus{
			Name:        run.Name,
			State:       conclusionState(run.Conclusion),
			Description: run.Output.Title,
		})
	}

	status.State = aggregateState(status.Checks)
	return status, nil
}

// GetFailedCheckLogs returns the diagnostic output of every failing
// status context and check run on the pull request head. The filter
// mirrors aggregateState so a failing CIStatus always has at least one
// retrievable log entry.
func (c *Client) GetFailedCheckLogs(ctx context.Context, ref RepoRef, prNumber int) ([]CheckFailureLog, error) {
	pr, err := c.GetPullRequest(ctx, ref, prNumber)
	if err != nil {
		return nil, err
	}

	combined, runs, err := c.fetchCommitChecks(ctx, ref, pr.HeadSHA)
	if err != nil {
		return nil, err
	}

	logs := make([]CheckFailureLog, 0)
	for _, s := range combined.Statuses {
		if state := statusState(s.State); state != CIFailure && state != CIError {
			continue
		}
		logs = append(logs, CheckFailureLog{
			CheckName:  s.Context,
			Conclusion: s.State,
			Summary:    s.Description,
		})
	}
	for _, run := range runs.CheckRuns {
		if state := conclusionState(run.Conclusion); state != CIFailure && state != CIError {
			continue
		}
		logs = append(logs, CheckFailureLog{
			CheckName:  run.Name,
			Conclusion: run.Conclusion,
			Title:      run.Output.Title,
			Summary:    run.Output.Summary,
		})
	}
	return logs, nil
}

// fetchCommitChecks fetches both CI signal sources for a commit.
func (c *Client) fetchCommitChecks(ctx context.Context, ref RepoRef, sha string) (*combinedStatusResponse, *checkRunsResponse, error) {
	var combined combinedStatusResponse
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", ref.Owner, ref.Name, sha)
	if err := c.do(ctx, http.MethodGet, path, nil, &combined); err != nil {
		return nil, nil, fmt.Errorf("combined status: %w", err)
	}

	var runs checkRunsResponse
	path = fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", ref.Owner, ref.Name, sha)
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, nil, fmt.Errorf("check runs: %w", err)
	}

	return &combined, &runs, nil
}
