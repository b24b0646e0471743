// Package github is a thin GitHub REST v3 client covering the
// repository operations the fix pipeline and verification loop need:
// tree listing, blob fetch, branch and commit creation, pull requests,
// and aggregated CI status with failed-check diagnostics.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL        = "https://api.github.com"
	defaultTimeoutSeconds = 30
	acceptHeader          = "application/vnd.github+json"
	apiVersion            = "2022-11-28"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Token          string
	BaseURL        string
	TimeoutSeconds int
	UserAgent      string
}

// Client is an authenticated GitHub REST client. Construct one per job
// so credentials never outlive the request that presented them.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new GitHub client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.TimeoutSeconds
	if timeout == 0 {
		timeout = defaultTimeoutSeconds
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "vibefix"
	}

	return &Client{
		token:     cfg.Token,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

// do sends one API request and decodes the response into out when out
// is non-nil. Non-2xx responses are mapped to the package sentinels.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return mapStatusError(resp, respBody)
	}

	if out == nil {
		return nil
	}
	if unmarshalErr := json.Unmarshal(respBody, out); unmarshalErr != nil {
		return fmt.Errorf("unmarshal response: %w", unmarshalErr)
	}
	return nil
}

// repoDetail is the subset of the repository response the client uses.
type repoDetail struct {
	DefaultBranch string          `json:"default_branch"`
	Permissions   repoPermissions `json:"permissions"`
}

// repoPermissions reflects the acting credential's rights on a repo.
type repoPermissions struct {
	Admin bool `json:"admin"`
	Push  bool `json:"push"`
	Pull  bool `json:"pull"`
}

// getRepo fetches repository detail for the authenticated credential.
func (c *Client) getRepo(ctx context.Context, ref RepoRef) (*repoDetail, error) {
	var detail repoDetail
	path := fmt.Sprintf("/repos/%s/%s", ref.Owner, ref.Name)
	if err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CheckWriteAccess reports whether the acting credential can push to
// the repository.
func (c *Client) CheckWriteAccess(ctx context.Context, ref RepoRef) (bool, error) {
	detail, err := c.getRepo(ctx, ref)
	if err != nil {
		return false, err
	}
	return detail.Permissions.Push || detail.Permissions.Admin, nil
}

// treeResponse is a git tree listing.
type treeResponse struct {
	SHA       string      `json:"sha"`
	Tree      []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// ListTree returns the recursive file tree of the repository's default
// branch.
func (c *Client) ListTree(ctx context.Context, ref RepoRef) ([]TreeEntry, error) {
	detail, err := c.getRepo(ctx, ref)
	if err != nil {
		return nil, err
	}

	branch := detail.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	var tree treeResponse
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1",
		ref.Owner, ref.Name, url.PathEscape(branch))
	if err = c.do(ctx, http.MethodGet, path, nil, &tree); err != nil {
		return nil, err
	}
	return tree.Tree, nil
}

// contentsResponse is a file from the contents API.
type contentsResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
}

// GetFile fetches one file's decoded content from the default branch.
// A missing path surfaces as ErrNotFound.
func (c *Client) GetFile(ctx context.Context, ref RepoRef, path string) ([]byte, error) {
	var contents contentsResponse
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", ref.Owner, ref.Name, escapePath(path))
	if err := c.do(ctx, http.MethodGet, apiPath, nil, &contents); err != nil {
		return nil, err
	}

	if contents.Type != "" && contents.Type != "file" {
		return nil, fmt.Errorf("%w: %s is a %s, not a file", ErrValidation, path, contents.Type)
	}

	// The contents API wraps base64 at 60 columns.
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(contents.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return decoded, nil
}

// refResponse is a git reference.
type refResponse struct {
	Ref    string    `json:"ref"`
	Object refObject `json:"object"`
}

// refObject is the object a git reference points at.
type refObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

// createRefRequest creates a git reference.
type createRefRequest struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// CreateBranch creates branch name from the head of base. A missing
// base surfaces as ErrNotFound so callers can try the next candidate;
// a denial surfaces as ErrPermission and must not be retried.
func (c *Client) CreateBranch(ctx context.Context, ref RepoRef, base, name string) error {
	var baseRef refResponse
	path := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s",
		ref.Owner, ref.Name, url.PathEscape(base))
	if err := c.do(ctx, http.MethodGet, path, nil, &baseRef); err != nil {
		return fmt.Errorf("resolve base %s: %w", base, err)
	}

	req := createRefRequest{Ref: "refs/heads/" + name, SHA: baseRef.Object.SHA}
	path = fmt.Sprintf("/repos/%s/%s/git/refs", ref.Owner, ref.Name)
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("create ref %s: %w", name, err)
	}
	return nil
}

// updateFileRequest writes a file through the contents API.
type updateFileRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

// updateFileResponse is the result of a contents write.
type updateFileResponse struct {
	Content contentsResponse `json:"content"`
	Commit  commitDetail     `json:"commit"`
}

// commitDetail is the commit created by a contents write.
type commitDetail struct {
	SHA string `json:"sha"`
}

// CommitFile writes content to path on branch, replacing the existing
// blob when one is present, and returns the new commit SHA.
func (c *Client) CommitFile(ctx context.Context, ref RepoRef, branch, path, message string, content []byte) (string, error) {
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", ref.Owner, ref.Name, escapePath(path))

	// Replacing a file needs its current blob SHA.
	var existing contentsResponse
	blobSHA := ""
	err := c.do(ctx, http.MethodGet, apiPath+"?ref="+url.QueryEscape(branch), nil, &existing)
	switch {
	case err == nil:
		blobSHA = existing.SHA
	case errors.Is(err, ErrNotFound):
		// New file on this branch.
	default:
		return "", fmt.Errorf("resolve existing blob: %w", err)
	}

	req := updateFileRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  branch,
		SHA:     blobSHA,
	}

	var resp updateFileResponse
	if putErr := c.do(ctx, http.MethodPut, apiPath, req, &resp); putErr != nil {
		return "", putErr
	}
	return resp.Commit.SHA, nil
}

// createPullRequest opens a pull request.
type createPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// pullResponse is a pull request from the API.
type pullResponse struct {
	Number  int        `json:"number"`
	HTMLURL string     `json:"html_url"`
	State   string     `json:"state"`
	Head    pullBranch `json:"head"`
	Base    pullBranch `json:"base"`
}

// pullBranch is one side of a pull request.
type pullBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// OpenPullRequest opens a pull request from head into base.
func (c *Client) OpenPullRequest(ctx context.Context, ref RepoRef, title, body, head, base string) (*PullRequestRef, error) {
	req := createPullRequest{Title: title, Body: body, Head: head, Base: base}

	var resp pullResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls", ref.Owner, ref.Name)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	return &PullRequestRef{
		Number:     resp.Number,
		URL:        resp.HTMLURL,
		HeadBranch: resp.Head.Ref,
		BaseBranch: resp.Base.Ref,
	}, nil
}

// GetPullRequest fetches current pull request detail. The head SHA is
// re-read on every call because recommits move it.
func (c *Client) GetPullRequest(ctx context.Context, ref RepoRef, number int) (*PullRequest, error) {
	var resp pullResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Name, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return &PullRequest{
		Number:     resp.Number,
		URL:        resp.HTMLURL,
		State:      resp.State,
		HeadSHA:    resp.Head.SHA,
		HeadBranch: resp.Head.Ref,
		BaseBranch: resp.Base.Ref,
	}, nil
}

// escapePath escapes each segment of a repository path while keeping
// the separators.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
