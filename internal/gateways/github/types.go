package github

import (
	"fmt"
	"strings"
)

// RepoRef identifies a repository by owner and name.
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ParseRepoRef parses an "owner/name" pair or a github.com URL into a
// RepoRef. A trailing ".git" suffix is tolerated.
func ParseRepoRef(raw string) (RepoRef, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSuffix(trimmed, ".git")
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimPrefix(trimmed, "www.")
	trimmed = strings.TrimPrefix(trimmed, "github.com/")
	trimmed = strings.Trim(trimmed, "/")

	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("invalid repository reference %q: want owner/name", raw)
	}

	return RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

// String returns the owner/name form.
func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// IsZero reports whether the reference is unset.
func (r RepoRef) IsZero() bool {
	return r.Owner == "" && r.Name == ""
}

// TreeEntry is one entry of a recursive repository tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Kind string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// IsBlob reports whether the entry is a file rather than a directory.
func (e TreeEntry) IsBlob() bool {
	return e.Kind == "blob"
}

// PullRequestRef identifies a pull request that was opened.
type PullRequestRef struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
}

// PullRequest carries the pull request detail needed when polling CI,
// including the head commit the status endpoints key on.
type PullRequest struct {
	Number     int
	URL        string
	State      string
	HeadSHA    string
	HeadBranch string
	BaseBranch string
}

// CIState is the aggregate CI state of a commit.
type CIState string

const (
	CIPending CIState = "pending"
	CISuccess CIState = "success"
	CIFailure CIState = "failure"
	CIError   CIState = "error"
)

// Terminal reports whether polling can stop for the current head commit.
func (s CIState) Terminal() bool {
	return s == CISuccess || s == CIFailure || s == CIError
}

// CheckStatus is the state of a single status context or check run.
type CheckStatus struct {
	Name        string  `json:"name"`
	State       CIState `json:"state"`
	Description string  `json:"description,omitempty"`
}

// CIStatus aggregates commit statuses and check runs for one commit.
// It is recomputed from the API on every poll, never cached.
type CIStatus struct {
	State  CIState       `json:"state"`
	SHA    string        `json:"sha"`
	Checks []CheckStatus `json:"checks"`
}

// FailedChecks returns the names of checks in a failure or error state.
func (s *CIStatus) FailedChecks() []string {
	var names []string
	for _, check := range s.Checks {
		if check.State == CIFailure || check.State == CIError {
			names = append(names, check.Name)
		}
	}
	return names
}

// CheckFailureLog is the diagnostic output of one failed check.
type CheckFailureLog struct {
	CheckName  string `json:"check_name"`
	Conclusion string `json:"conclusion"`
	Title      string `json:"title,omitempty"`
	Summary    string `json:"summary,omitempty"`
}
