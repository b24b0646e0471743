//nolint:testpackage // white-box testing requires internal package access
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/antinvestor/vibefix/apps/server/config"
	"github.com/antinvestor/vibefix/apps/server/service/pipeline"
	"github.com/antinvestor/vibefix/apps/server/service/verify"
	"github.com/antinvestor/vibefix/internal/capture"
	"github.com/antinvestor/vibefix/internal/events"
	"github.com/antinvestor/vibefix/internal/gateways/github"
	"github.com/antinvestor/vibefix/internal/reasoning"
)

// fakeRepo serves the pipeline's repository surface and the loop's CI
// surface. All methods are safe for the detached loop goroutine.
type fakeRepo struct {
	mu sync.Mutex

	treeErr      error
	fileErr      error
	accessDenied bool
	branchErr    error
	commitErr    error
	prErr        error

	// ciStates is consumed one per poll; the last entry sticks.
	ciStates []github.CIState
	logs     []github.CheckFailureLog

	commits  []string
	prOpened int
}

func (f *fakeRepo) ListTree(_ context.Context, _ github.RepoRef) ([]github.TreeEntry, error) {
	if f.treeErr != nil {
		return nil, f.treeErr
	}
	return []github.TreeEntry{
		{Path: "src/App.tsx", Kind: "blob", Size: 512},
		{Path: "README.md", Kind: "blob", Size: 128},
	}, nil
}

func (f *fakeRepo) GetFile(_ context.Context, _ github.RepoRef, _ string) ([]byte, error) {
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return []byte("export const App = () => null\n"), nil
}

func (f *fakeRepo) CheckWriteAccess(_ context.Context, _ github.RepoRef) (bool, error) {
	return !f.accessDenied, nil
}

func (f *fakeRepo) CreateBranch(_ context.Context, _ github.RepoRef, _, _ string) error {
	return f.branchErr
}

func (f *fakeRepo) CommitFile(
	_ context.Context, _ github.RepoRef, _, _, message string, _ []byte,
) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, message)
	return "sha-test", nil
}

func (f *fakeRepo) OpenPullRequest(
	_ context.Context, _ github.RepoRef, _, _, head, base string,
) (*github.PullRequestRef, error) {
	if f.prErr != nil {
		return nil, f.prErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prOpened++
	return &github.PullRequestRef{
		Number:     7,
		URL:        "https://github.com/acme/shop/pull/7",
		HeadBranch: head,
		BaseBranch: base,
	}, nil
}

func (f *fakeRepo) GetCIStatus(_ context.Context, _ github.RepoRef, _ int) (*github.CIStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := github.CIPending
	if len(f.ciStates) > 0 {
		state = f.ciStates[0]
		if len(f.ciStates) > 1 {
			f.ciStates = f.ciStates[1:]
		}
	}
	return &github.CIStatus{State: state, SHA: "head"}, nil
}

func (f *fakeRepo) GetFailedCheckLogs(_ context.Context, _ github.RepoRef, _ int) ([]github.CheckFailureLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeRepo) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

type fakeReasoner struct {
	mu sync.Mutex

	rankErr    error
	analysis   *reasoning.AnalysisResult
	analyzeErr error
	correction *reasoning.Correction

	fixCalls    int
	videoCalls  int
	corrections int
}

func (f *fakeReasoner) RankRelevantFiles(_ context.Context, _ []string, _ string) ([]string, error) {
	if f.rankErr != nil {
		return nil, f.rankErr
	}
	return []string{"src/App.tsx"}, nil
}

func (f *fakeReasoner) ProposeFix(
	_ context.Context, _ []reasoning.SourceFile, _ string, _ []reasoning.Attachment,
) (*reasoning.AnalysisResult, *reasoning.Invocation, error) {
	f.mu.Lock()
	f.fixCalls++
	f.mu.Unlock()
	if f.analyzeErr != nil {
		return nil, nil, f.analyzeErr
	}
	return f.analysis, &reasoning.Invocation{Provider: reasoning.ProviderGoogle}, nil
}

func (f *fakeReasoner) ProposeFixFromVideo(
	_ context.Context, _ []reasoning.SourceFile, _ string, _ reasoning.Attachment,
) (*reasoning.AnalysisResult, *reasoning.Invocation, error) {
	f.mu.Lock()
	f.videoCalls++
	f.mu.Unlock()
	if f.analyzeErr != nil {
		return nil, nil, f.analyzeErr
	}
	return f.analysis, &reasoning.Invocation{Provider: reasoning.ProviderGoogle}, nil
}

func (f *fakeReasoner) ProposeCorrection(
	_ context.Context, _ string, _ []reasoning.CheckFailure, _ string,
) (*reasoning.Correction, *reasoning.Invocation, error) {
	f.mu.Lock()
	f.corrections++
	f.mu.Unlock()
	return f.correction, &reasoning.Invocation{Provider: reasoning.ProviderGoogle}, nil
}

type emittedEvent struct {
	eventType events.EventType
	payload   any
}

type fakeEmitter struct {
	mu      sync.Mutex
	emitted []emittedEvent
}

func (f *fakeEmitter) EmitWithType(_ context.Context, eventType events.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emittedEvent{eventType: eventType, payload: payload})
	return nil
}

func (f *fakeEmitter) has(eventType events.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.emitted {
		if e.eventType == eventType {
			return true
		}
	}
	return false
}

type fakeResults struct {
	mu      sync.Mutex
	queue   string
	results []*events.JobResult
}

func (f *fakeResults) PublishResult(_ context.Context, queueName string, result *events.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = queueName
	f.results = append(f.results, result)
	return nil
}

type fakeCapturer struct {
	artifacts []capture.Artifact
	err       error
}

func (f *fakeCapturer) Capture(_ context.Context, _ string) ([]capture.Artifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.artifacts, nil
}

func testConfig() *appconfig.ServerConfig {
	cfg := &appconfig.ServerConfig{}
	cfg.GitHubToken = "svc-token"
	cfg.MaxUploadBytes = 1 << 20
	cfg.MaxVisualInputs = 4
	cfg.QueueJobResultsName = "vibefix.job.results"
	cfg.VerifyMaxIterations = 2
	cfg.VerifyPollTimeoutSeconds = 1
	cfg.VerifyPollIntervalSeconds = 1
	cfg.VerifySettleDelaySeconds = 1
	return cfg
}

func workingAnalysis() *reasoning.AnalysisResult {
	return &reasoning.AnalysisResult{
		Analysis: "cart badge overlaps the icon",
		Severity: reasoning.SeverityHigh,
		Fix: &reasoning.Fix{
			FilePath: "src/App.tsx",
			Code:     "export const App = () => <Cart />\n",
		},
	}
}

// newFixHandlerForTest wires a handler over the fakes, capturing the token
// each request presents to the gateway factory.
func newFixHandlerForTest(
	cfg *appconfig.ServerConfig,
	repo *fakeRepo,
	reasoner *fakeReasoner,
	capturer pipeline.Capturer,
	emitter *fakeEmitter,
	results *fakeResults,
	registry *verify.Registry,
) (*FixHandler, *[]string) {
	var tokens []string
	var mu sync.Mutex

	h := NewFixHandler(cfg, reasoner, capturer, emitter, results, registry)
	h.repoGateway = func(token string) RepoGateway {
		mu.Lock()
		tokens = append(tokens, token)
		mu.Unlock()
		return repo
	}
	return h, &tokens
}

type formFile struct {
	field string
	name  string
	data  []byte
}

func multipartBody(t *testing.T, fields map[string]string, files []formFile) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeFixResponse(t *testing.T, rr *httptest.ResponseRecorder) FixResponse {
	t.Helper()
	var resp FixResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHandleSubmit_MultipartCommitted(t *testing.T) {
	repo := &fakeRepo{}
	reasoner := &fakeReasoner{analysis: workingAnalysis()}
	emitter := &fakeEmitter{}
	results := &fakeResults{}
	cfg := testConfig()

	h, tokens := newFixHandlerForTest(cfg, repo, reasoner, nil, emitter, results, nil)

	body, contentType := multipartBody(t,
		map[string]string{
			"repo_url":        "https://github.com/acme/shop",
			"bug_description": "badge looks broken",
			"auto_verify":     "false",
		},
		[]formFile{{field: "images", name: "bug.png", data: []byte("png-bytes")}},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeFixResponse(t, rr)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "committed", resp.Outcome)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "https://github.com/acme/shop/pull/7", resp.PRURL)
	assert.Equal(t, 7, resp.PRNumber)
	require.NotNil(t, resp.Analysis)
	assert.Equal(t, "cart badge overlaps the icon", resp.Analysis.Analysis)
	assert.Equal(t, "src/App.tsx", resp.Analysis.Fix.FilePath)
	assert.Empty(t, resp.VerificationKey, "auto_verify=false must not start a loop")

	// No capture URL: the field serializes as an explicit null.
	assert.Contains(t, rr.Body.String(), `"screenshots_captured":null`)

	require.Equal(t, []string{"svc-token"}, *tokens, "service token used when the form carries none")

	assert.True(t, emitter.has(events.JobReceived))
	assert.True(t, emitter.has(events.JobCompleted))

	require.Len(t, results.results, 1)
	assert.Equal(t, "vibefix.job.results", results.queue)
	assert.Equal(t, events.JobStatusCommitted, results.results[0].Status)
	assert.Equal(t, 7, results.results[0].Result["pr_number"])
}

func TestHandleSubmit_FormTokenBeatsServiceToken(t *testing.T) {
	repo := &fakeRepo{}
	reasoner := &fakeReasoner{analysis: workingAnalysis()}
	h, tokens := newFixHandlerForTest(testConfig(), repo, reasoner, nil, &fakeEmitter{}, &fakeResults{}, nil)

	body, contentType := multipartBody(t,
		map[string]string{
			"repo_url":     "acme/shop",
			"github_token": "caller-token",
			"auto_verify":  "false",
		},
		[]formFile{{field: "images", name: "bug.png", data: []byte("x")}},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"caller-token"}, *tokens)
}

func TestHandleSubmit_JSONWithCaptureURL(t *testing.T) {
	repo := &fakeRepo{}
	reasoner := &fakeReasoner{analysis: workingAnalysis()}
	capturer := &fakeCapturer{artifacts: []capture.Artifact{
		{Path: "/tmp/cap/full.png", Data: []byte("shot-1")},
		{Path: "/tmp/cap/fold.png", Data: []byte("shot-2")},
	}}
	h, _ := newFixHandlerForTest(testConfig(), repo, reasoner, capturer, &fakeEmitter{}, &fakeResults{}, nil)

	payload := `{"repo_url":"acme/shop","deployed_url":"https://shop.example.com","auto_verify":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeFixResponse(t, rr)
	assert.Equal(t, "committed", resp.Outcome)
	assert.Equal(t, []string{"/tmp/cap/full.png", "/tmp/cap/fold.png"}, resp.ScreenshotsCaptured)
}

func TestHandleSubmit_ValidationFailure(t *testing.T) {
	h, _ := newFixHandlerForTest(testConfig(), &fakeRepo{}, &fakeReasoner{}, nil, &fakeEmitter{}, &fakeResults{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "repo_url is required")
	assert.Contains(t, rr.Body.String(), "At least one visual input required")
}

func TestHandleSubmit_NoTokenAnywhere(t *testing.T) {
	cfg := testConfig()
	cfg.GitHubToken = ""
	emitter := &fakeEmitter{}
	h, tokens := newFixHandlerForTest(cfg, &fakeRepo{}, &fakeReasoner{}, nil, emitter, &fakeResults{}, nil)

	payload := `{"repo_url":"acme/shop","deployed_url":"https://shop.example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "No GitHub token available")
	assert.Empty(t, *tokens)
	assert.Empty(t, emitter.emitted, "a rejected submission never reaches the lifecycle topic")
}

func TestHandleSubmit_ErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(repo *fakeRepo, reasoner *fakeReasoner)
		wantStatus int
		wantKind   string
	}{
		{
			name:       "repo access failure is a caller mistake",
			setup:      func(repo *fakeRepo, _ *fakeReasoner) { repo.treeErr = github.ErrNotFound },
			wantStatus: http.StatusBadRequest,
			wantKind:   "repo_access",
		},
		{
			name:       "permission failure",
			setup:      func(repo *fakeRepo, _ *fakeReasoner) { repo.branchErr = github.ErrPermission },
			wantStatus: http.StatusForbidden,
			wantKind:   "permission_denied",
		},
		{
			name:       "reasoning failure is on the service",
			setup:      func(_ *fakeRepo, reasoner *fakeReasoner) { reasoner.analyzeErr = reasoning.ErrAllProvidersFailed },
			wantStatus: http.StatusInternalServerError,
			wantKind:   "reasoning_failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeRepo{}
			reasoner := &fakeReasoner{analysis: workingAnalysis()}
			tt.setup(repo, reasoner)

			results := &fakeResults{}
			h, _ := newFixHandlerForTest(testConfig(), repo, reasoner, nil, &fakeEmitter{}, results, nil)

			payload := `{"repo_url":"acme/shop","deployed_url":"https://shop.example.com","auto_verify":false}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", strings.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()

			h.HandleSubmit(rr, req)

			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			resp := decodeFixResponse(t, rr)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, "failed", resp.Outcome)
			assert.Equal(t, tt.wantKind, resp.ErrorKind)
			assert.NotEmpty(t, resp.Error)

			require.Len(t, results.results, 1)
			assert.Equal(t, events.JobStatusFailed, results.results[0].Status)
			require.NotNil(t, results.results[0].Error)
			assert.Equal(t, tt.wantKind, results.results[0].Error.Kind)
		})
	}
}

func TestHandleSubmit_VideoRoutesToVideoAnalysis(t *testing.T) {
	repo := &fakeRepo{}
	reasoner := &fakeReasoner{analysis: workingAnalysis()}
	h, _ := newFixHandlerForTest(testConfig(), repo, reasoner, nil, &fakeEmitter{}, &fakeResults{}, nil)

	body, contentType := multipartBody(t,
		map[string]string{"repo_url": "acme/shop", "auto_verify": "false"},
		[]formFile{{field: "video", name: "bug.mp4", data: []byte("mp4-bytes")}},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, reasoner.videoCalls)
	assert.Equal(t, 0, reasoner.fixCalls)
}

func TestHandleSubmit_RejectsNonVideoUpload(t *testing.T) {
	h, _ := newFixHandlerForTest(testConfig(), &fakeRepo{}, &fakeReasoner{}, nil, &fakeEmitter{}, &fakeResults{}, nil)

	body, contentType := multipartBody(t,
		map[string]string{"repo_url": "acme/shop"},
		[]formFile{{field: "video", name: "bug.txt", data: []byte("not a video")}},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "video must be MP4, WebM, or MOV")
}

func TestHandleSubmit_OversizedFileRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUploadBytes = 8
	h, _ := newFixHandlerForTest(cfg, &fakeRepo{}, &fakeReasoner{}, nil, &fakeEmitter{}, &fakeResults{}, nil)

	body, contentType := multipartBody(t,
		map[string]string{"repo_url": "acme/shop"},
		[]formFile{{field: "images", name: "big.png", data: bytes.Repeat([]byte("a"), 64)}},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "exceeds maximum size")
}

func TestHandleSubmit_UnsupportedContentType(t *testing.T) {
	h, _ := newFixHandlerForTest(testConfig(), &fakeRepo{}, &fakeReasoner{}, nil, &fakeEmitter{}, &fakeResults{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", strings.NewReader("repo_url=acme/shop"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unsupported content type")
}

func TestHandleSubmit_AutoVerifyStartsLoop(t *testing.T) {
	manager := events.NewInMemoryLockManager()
	defer func() { _ = manager.Close() }()
	registry := verify.NewRegistry(manager)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Shutdown(shutdownCtx)
	}()

	repo := &fakeRepo{ciStates: []github.CIState{github.CISuccess}}
	reasoner := &fakeReasoner{analysis: workingAnalysis()}
	emitter := &fakeEmitter{}
	h, _ := newFixHandlerForTest(testConfig(), repo, reasoner, nil, emitter, &fakeResults{}, registry)

	body, contentType := multipartBody(t,
		map[string]string{"repo_url": "acme/shop"},
		[]formFile{{field: "images", name: "bug.png", data: []byte("png")}},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fix", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	h.HandleSubmit(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeFixResponse(t, rr)
	require.NotEmpty(t, resp.VerificationKey)

	status, found := registry.Status(resp.VerificationKey)
	require.True(t, found)
	assert.Equal(t, 7, status.PRNumber)

	// CI passes on the first poll, so the detached loop finishes promptly.
	require.Eventually(t, func() bool {
		st, ok := registry.Status(resp.VerificationKey)
		return ok && !st.Running
	}, 2*time.Second, 10*time.Millisecond)

	finished, _ := registry.Status(resp.VerificationKey)
	require.NotNil(t, finished.Result)
	assert.True(t, finished.Result.Success)
	assert.True(t, emitter.has(events.VerificationSucceeded))
	assert.Equal(t, 1, repo.commitCount(), "only the pipeline's fix commit; green CI needs no corrections")
	assert.Equal(t, 0, reasoner.corrections)
}
