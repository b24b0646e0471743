package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/vibefix/apps/server/config"
	"github.com/antinvestor/vibefix/apps/server/service/pipeline"
	"github.com/antinvestor/vibefix/apps/server/service/verify"
	"github.com/antinvestor/vibefix/internal/events"
	"github.com/antinvestor/vibefix/internal/gateways/github"
	"github.com/antinvestor/vibefix/internal/reasoning"
)

// multipartMemory is the in-memory buffer for multipart parsing; larger
// uploads spill to disk.
const multipartMemory = 32 << 20

// RepoGateway is the full repository surface the server wires per request:
// the pipeline's write path plus the verification loop's CI path. One
// gateway instance carries one caller's credentials.
type RepoGateway interface {
	pipeline.RepoGateway
	verify.CIGateway
}

// Reasoner is the reasoning surface shared by the pipeline and the loop.
type Reasoner interface {
	pipeline.Reasoner
	verify.Corrector
}

// ResultPublisher publishes terminal job results to the results queue.
type ResultPublisher interface {
	PublishResult(ctx context.Context, queueName string, result *events.JobResult) error
}

// FixHandler handles fix submissions: it parses the visual evidence, runs
// the pipeline synchronously, and on a committed fix starts the detached
// verification loop.
type FixHandler struct {
	cfg       *appconfig.ServerConfig
	reasoner  Reasoner
	capturer  pipeline.Capturer
	emitter   pipeline.Emitter
	results   ResultPublisher
	registry  *verify.Registry
	verifyCfg verify.Config

	// repoGateway builds a repository gateway holding the effective token.
	repoGateway func(token string) RepoGateway
}

// NewFixHandler creates a fix handler. capturer, results, and registry may
// be nil; the matching features then degrade or switch off.
func NewFixHandler(
	cfg *appconfig.ServerConfig,
	reasoner Reasoner,
	capturer pipeline.Capturer,
	emitter pipeline.Emitter,
	results ResultPublisher,
	registry *verify.Registry,
) *FixHandler {
	return &FixHandler{
		cfg:      cfg,
		reasoner: reasoner,
		capturer: capturer,
		emitter:  emitter,
		results:  results,
		registry: registry,
		verifyCfg: verify.Config{
			MaxIterations: cfg.VerifyMaxIterations,
			PollTimeout:   time.Duration(cfg.VerifyPollTimeoutSeconds) * time.Second,
			PollInterval:  time.Duration(cfg.VerifyPollIntervalSeconds) * time.Second,
			SettleDelay:   time.Duration(cfg.VerifySettleDelaySeconds) * time.Second,
		},
		repoGateway: func(token string) RepoGateway {
			return github.NewClient(github.ClientConfig{
				Token:          token,
				BaseURL:        cfg.GitHubAPIBaseURL,
				TimeoutSeconds: cfg.GitHubTimeoutSeconds,
			})
		},
	}
}

// upload is one received evidence file.
type upload struct {
	Name string
	Data []byte
}

// submitRequest is the parsed fix submission, multipart or JSON.
type submitRequest struct {
	RepoURL     string
	CaptureURL  string
	Description string
	GitHubToken string
	AutoVerify  bool
	Images      []upload
	Video       *upload
}

// submitJSON is the JSON body shape. Evidence comes from the capture URL;
// file uploads need multipart.
type submitJSON struct {
	RepoURL        string `json:"repo_url"`
	DeployedURL    string `json:"deployed_url,omitempty"`
	BugDescription string `json:"bug_description,omitempty"`
	GitHubToken    string `json:"github_token,omitempty"`
	AutoVerify     *bool  `json:"auto_verify,omitempty"`
}

// AnalysisFix is one proposed code change.
type AnalysisFix struct {
	FilePath string `json:"file_path"`
	Code     string `json:"code"`
}

// AnalysisResult is the analysis portion of a fix response.
type AnalysisResult struct {
	Analysis string      `json:"analysis"`
	Severity string      `json:"severity"`
	Fix      AnalysisFix `json:"fix"`
}

// FixResponse is the response for a fix submission. It mirrors the analysis
// response shape, extended with the outcome kind and the verification key
// when a loop was started.
type FixResponse struct {
	Status   string          `json:"status"`
	JobID    string          `json:"job_id"`
	Outcome  string          `json:"outcome"`
	Analysis *AnalysisResult `json:"analysis,omitempty"`
	PRURL    string          `json:"pr_url,omitempty"`
	PRNumber int             `json:"pr_number,omitempty"`

	// ScreenshotsCaptured is null unless a capture URL was given and the
	// capture succeeded.
	ScreenshotsCaptured []string `json:"screenshots_captured"`

	// VerificationKey addresses the detached loop watching the opened PR.
	VerificationKey string `json:"verification_key,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// HandleSubmit handles POST /api/v1/fix requests.
func (h *FixHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := util.Log(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody())

	req, parseErr := h.parseSubmit(r)
	if parseErr != nil {
		if strings.Contains(parseErr.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request exceeds maximum size of %d bytes", h.maxBody()), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse request", []string{parseErr.Error()})
		return
	}

	repoRef, validationErrors := h.validateSubmit(req)
	if len(validationErrors) > 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", validationErrors)
		return
	}

	// Token priority: request token, then service token.
	token := req.GitHubToken
	if token == "" {
		token = h.cfg.GitHubToken
	}
	if token == "" {
		writeError(w, http.StatusBadRequest,
			"No GitHub token available. Please provide a token or configure the service with one.", nil)
		return
	}

	job := h.buildJob(repoRef, req)

	log.Info("fix job received",
		"job_id", job.ID.String(),
		"repo", job.Repo.String(),
		"images", len(job.Images),
		"has_video", job.Video != nil,
		"capture_url", job.CaptureURL != "",
	)

	h.emit(ctx, events.JobReceived, &events.JobReceivedPayload{
		JobID:         job.ID,
		Repo:          job.Repo.String(),
		VisualInputs:  visualInputCount(job),
		HasCaptureURL: job.CaptureURL != "",
		HasVideo:      job.Video != nil,
		Description:   job.Description,
		ReceivedAt:    time.Now().UTC(),
	})

	repoGw := h.repoGateway(token)
	outcome := pipeline.New(repoGw, h.reasoner, h.capturer, h.emitter).Run(ctx, job)

	// Bookkeeping still lands if the caller hung up mid-run.
	doneCtx := context.WithoutCancel(ctx)
	h.publishResult(doneCtx, job, outcome)
	h.emitCompleted(doneCtx, job, outcome)

	verificationKey := ""
	if outcome.Committed() && req.AutoVerify {
		verificationKey = h.startVerification(doneCtx, repoGw, job, outcome)
	}

	h.writeOutcome(w, job, outcome, verificationKey)
}

// maxBody bounds the whole request body: every allowed upload at full size
// plus form overhead.
func (h *FixHandler) maxBody() int64 {
	return h.cfg.MaxUploadBytes*int64(h.cfg.MaxVisualInputs+1) + 1<<20
}

// parseSubmit parses a multipart or JSON submission.
func (h *FixHandler) parseSubmit(r *http.Request) (*submitRequest, error) {
	contentType := r.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		return h.parseMultipart(r)
	case strings.HasPrefix(contentType, "application/json"):
		return parseJSONSubmit(r)
	default:
		return nil, fmt.Errorf("unsupported content type %q: want multipart/form-data or application/json", contentType)
	}
}

func (h *FixHandler) parseMultipart(r *http.Request) (*submitRequest, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, fmt.Errorf("invalid multipart form: %w", err)
	}

	req := &submitRequest{
		RepoURL:     strings.TrimSpace(r.FormValue("repo_url")),
		CaptureURL:  strings.TrimSpace(r.FormValue("deployed_url")),
		Description: strings.TrimSpace(r.FormValue("bug_description")),
		GitHubToken: strings.TrimSpace(r.FormValue("github_token")),
		AutoVerify:  true,
	}

	if raw := r.FormValue("auto_verify"); raw != "" {
		autoVerify, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid auto_verify value %q", raw)
		}
		req.AutoVerify = autoVerify
	}

	for _, fh := range r.MultipartForm.File["images"] {
		data, err := readUpload(fh, h.cfg.MaxUploadBytes)
		if err != nil {
			return nil, err
		}
		req.Images = append(req.Images, upload{Name: fh.Filename, Data: data})
	}

	if files := r.MultipartForm.File["video"]; len(files) > 0 {
		data, err := readUpload(files[0], h.cfg.MaxUploadBytes)
		if err != nil {
			return nil, err
		}
		req.Video = &upload{Name: files[0].Filename, Data: data}
	}

	return req, nil
}

func parseJSONSubmit(r *http.Request) (*submitRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	var in submitJSON
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid JSON in request body: %w", err)
	}

	req := &submitRequest{
		RepoURL:     strings.TrimSpace(in.RepoURL),
		CaptureURL:  strings.TrimSpace(in.DeployedURL),
		Description: strings.TrimSpace(in.BugDescription),
		GitHubToken: strings.TrimSpace(in.GitHubToken),
		AutoVerify:  true,
	}
	if in.AutoVerify != nil {
		req.AutoVerify = *in.AutoVerify
	}

	return req, nil
}

// readUpload reads one uploaded file, rejecting anything over the limit.
func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	if fh.Size > limit {
		return nil, fmt.Errorf("file %q exceeds maximum size of %d bytes", fh.Filename, limit)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %q: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload %q: %w", fh.Filename, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file %q exceeds maximum size of %d bytes", fh.Filename, limit)
	}

	return data, nil
}

// validateSubmit validates the submission and resolves the repository
// reference.
func (h *FixHandler) validateSubmit(req *submitRequest) (github.RepoRef, []string) {
	var errs []string

	var repoRef github.RepoRef
	if req.RepoURL == "" {
		errs = append(errs, "repo_url is required")
	} else {
		parsed, err := github.ParseRepoRef(req.RepoURL)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			repoRef = parsed
		}
	}

	if req.CaptureURL == "" && len(req.Images) == 0 && req.Video == nil {
		errs = append(errs, "At least one visual input required: video, images, or deployed_url")
	}

	if len(req.Images) > h.cfg.MaxVisualInputs {
		errs = append(errs, fmt.Sprintf("too many visual inputs: %d files exceeds the limit of %d",
			len(req.Images), h.cfg.MaxVisualInputs))
	}

	if req.Video != nil {
		if !strings.HasPrefix(reasoning.MIMEFromPath(req.Video.Name), "video/") {
			errs = append(errs, "video must be MP4, WebM, or MOV")
		}
	}

	return repoRef, errs
}

// buildJob assembles the pipeline job from a validated submission.
func (h *FixHandler) buildJob(repoRef github.RepoRef, req *submitRequest) *pipeline.Job {
	job := &pipeline.Job{
		ID:          events.NewJobID(),
		Repo:        repoRef,
		CaptureURL:  req.CaptureURL,
		Description: req.Description,
	}

	for _, img := range req.Images {
		job.Images = append(job.Images, reasoning.Attachment{
			MIMEType: reasoning.MIMEFromPath(img.Name),
			Data:     img.Data,
		})
	}

	if req.Video != nil {
		job.Video = &reasoning.Attachment{
			MIMEType: reasoning.MIMEFromPath(req.Video.Name),
			Data:     req.Video.Data,
		}
	}

	return job
}

func visualInputCount(job *pipeline.Job) int {
	count := len(job.Images)
	if job.Video != nil {
		count++
	}
	if job.CaptureURL != "" {
		count++
	}
	return count
}

// startVerification hands the committed fix to a detached verification
// loop. A start failure degrades: the PR is already open, so the response
// still reports success.
func (h *FixHandler) startVerification(
	ctx context.Context,
	repoGw RepoGateway,
	job *pipeline.Job,
	outcome *pipeline.Outcome,
) string {
	if h.registry == nil || outcome.PullRequest == nil || outcome.Analysis == nil {
		return ""
	}

	loop := verify.NewLoop(repoGw, h.reasoner, h.emitter, verify.Params{
		JobID:       job.ID,
		Repo:        job.Repo,
		PRNumber:    outcome.PullRequest.Number,
		Branch:      outcome.Branch,
		FilePath:    outcome.Analysis.Fix.FilePath,
		InitialCode: outcome.Analysis.Fix.Code,
	}, h.verifyCfg)

	key, err := h.registry.Start(ctx, loop)
	if err != nil {
		util.Log(ctx).
			With("job_id", job.ID.String()).
			WithError(err).
			Warn("could not start verification loop")
		return ""
	}

	return key
}

// publishResult pushes the terminal outcome onto the results queue.
func (h *FixHandler) publishResult(ctx context.Context, job *pipeline.Job, outcome *pipeline.Outcome) {
	if h.results == nil {
		return
	}

	result := &events.JobResult{
		JobID:       job.ID,
		Status:      jobStatus(outcome),
		CompletedAt: time.Now().UTC(),
	}

	switch outcome.Kind {
	case pipeline.OutcomeCommitted:
		result.Result = map[string]any{
			"pr_url":    outcome.PullRequest.URL,
			"pr_number": outcome.PullRequest.Number,
			"branch":    outcome.Branch,
			"file_path": outcome.Analysis.Fix.FilePath,
		}
	case pipeline.OutcomeNoActionableFix:
		result.Result = map[string]any{
			"analysis": outcome.Analysis.Analysis,
			"severity": string(outcome.Analysis.Severity),
		}
	case pipeline.OutcomeFailed:
		result.Error = &events.JobErrorInfo{
			Kind:    string(outcome.ErrorKind),
			Message: outcome.Detail,
		}
	}

	if err := h.results.PublishResult(ctx, h.cfg.QueueJobResultsName, result); err != nil {
		util.Log(ctx).
			With("job_id", job.ID.String()).
			WithError(err).
			Warn("failed to publish job result")
	}
}

func (h *FixHandler) emitCompleted(ctx context.Context, job *pipeline.Job, outcome *pipeline.Outcome) {
	payload := &events.JobCompletedPayload{
		JobID:       job.ID,
		Outcome:     string(outcome.Kind),
		CompletedAt: time.Now().UTC(),
	}
	if outcome.Failed() {
		payload.ErrorKind = string(outcome.ErrorKind)
	}
	if outcome.PullRequest != nil {
		payload.PRNumber = outcome.PullRequest.Number
		payload.PRURL = outcome.PullRequest.URL
	}
	h.emit(ctx, events.JobCompleted, payload)
}

// writeOutcome maps the pipeline outcome onto the HTTP response.
func (h *FixHandler) writeOutcome(
	w http.ResponseWriter,
	job *pipeline.Job,
	outcome *pipeline.Outcome,
	verificationKey string,
) {
	resp := FixResponse{
		JobID:               job.ID.String(),
		Outcome:             string(outcome.Kind),
		ScreenshotsCaptured: outcome.ScreenshotsCaptured,
	}

	switch outcome.Kind {
	case pipeline.OutcomeCommitted:
		resp.Status = "success"
		resp.Analysis = analysisDTO(outcome, true)
		resp.PRURL = outcome.PullRequest.URL
		resp.PRNumber = outcome.PullRequest.Number
		resp.VerificationKey = verificationKey
		writeJSON(w, http.StatusOK, resp)

	case pipeline.OutcomeNoActionableFix:
		resp.Status = "success"
		resp.Analysis = analysisDTO(outcome, false)
		writeJSON(w, http.StatusOK, resp)

	default:
		resp.Status = "error"
		resp.Error = outcome.Detail
		resp.ErrorKind = string(outcome.ErrorKind)
		writeJSON(w, statusForKind(outcome.ErrorKind), resp)
	}
}

// analysisDTO converts the reasoning analysis to its response shape. The
// no-fix response blanks the fix fields even when one of them was set.
func analysisDTO(outcome *pipeline.Outcome, withFix bool) *AnalysisResult {
	if outcome.Analysis == nil {
		return nil
	}

	dto := &AnalysisResult{
		Analysis: outcome.Analysis.Analysis,
		Severity: string(outcome.Analysis.Severity),
	}
	if withFix {
		dto.Fix = AnalysisFix{
			FilePath: outcome.Analysis.Fix.FilePath,
			Code:     outcome.Analysis.Fix.Code,
		}
	}
	return dto
}

func jobStatus(outcome *pipeline.Outcome) events.JobStatus {
	switch outcome.Kind {
	case pipeline.OutcomeCommitted:
		return events.JobStatusCommitted
	case pipeline.OutcomeNoActionableFix:
		return events.JobStatusNoFix
	default:
		return events.JobStatusFailed
	}
}

// statusForKind maps a pipeline error kind to an HTTP status. Caller
// mistakes are 4xx; everything past the caller's control is 5xx.
func statusForKind(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.ErrorKindInvalidInput, pipeline.ErrorKindRepoAccess, pipeline.ErrorKindNoContext:
		return http.StatusBadRequest
	case pipeline.ErrorKindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *FixHandler) emit(ctx context.Context, eventType events.EventType, payload any) {
	if h.emitter == nil {
		return
	}
	if err := h.emitter.EmitWithType(ctx, eventType, payload); err != nil {
		util.Log(ctx).
			With("event_type", eventType.String()).
			WithError(err).
			Warn("failed to emit event")
	}
}
