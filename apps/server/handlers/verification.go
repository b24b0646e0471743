package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/vibefix/apps/server/config"
	"github.com/antinvestor/vibefix/apps/server/service/journal"
	"github.com/antinvestor/vibefix/apps/server/service/verify"
	"github.com/antinvestor/vibefix/internal/events"
	"github.com/antinvestor/vibefix/internal/gateways/github"
)

// VerificationHandler controls verification loops: starting one for an
// existing pull request, inspecting its state, and cancelling it.
type VerificationHandler struct {
	cfg       *appconfig.ServerConfig
	reasoner  Reasoner
	emitter   verify.Emitter
	registry  *verify.Registry
	journal   journal.Repository
	verifyCfg verify.Config

	repoGateway func(token string) RepoGateway
}

// NewVerificationHandler creates a verification handler.
func NewVerificationHandler(
	cfg *appconfig.ServerConfig,
	reasoner Reasoner,
	emitter verify.Emitter,
	registry *verify.Registry,
	journalRepo journal.Repository,
) *VerificationHandler {
	return &VerificationHandler{
		cfg:      cfg,
		reasoner: reasoner,
		emitter:  emitter,
		registry: registry,
		journal:  journalRepo,
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

// StartVerificationRequest starts a loop for a pull request that already
// exists, typically one whose original loop was cancelled or exhausted.
type StartVerificationRequest struct {
	Repo        string `json:"repo"`
	PRNumber    int    `json:"pr_number"`
	Branch      string `json:"branch"`
	FilePath    string `json:"file_path"`
	Code        string `json:"code"`
	GitHubToken string `json:"github_token,omitempty"`
}

// StartVerificationResponse acknowledges a started loop.
type StartVerificationResponse struct {
	Status string `json:"status"`
	Key    string `json:"key"`
	JobID  string `json:"job_id"`
}

// VerificationStatusResponse merges the live loop handle with the journal
// row. After a restart only the journal side survives.
type VerificationStatusResponse struct {
	Key     string                      `json:"key"`
	Running bool                        `json:"running"`
	Live    *verify.LoopStatus          `json:"live,omitempty"`
	Record  *journal.VerificationRecord `json:"record,omitempty"`
}

// HandleStart handles POST /api/v1/verifications requests.
func (h *VerificationHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := util.Log(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", nil)
		return
	}

	var req StartVerificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in request body", []string{err.Error()})
		return
	}

	repoRef, validationErrors := h.validateStart(&req)
	if len(validationErrors) > 0 {
		writeError(w, http.StatusBadRequest, "Validation failed", validationErrors)
		return
	}

	token := req.GitHubToken
	if token == "" {
		token = h.cfg.GitHubToken
	}
	if token == "" {
		writeError(w, http.StatusBadRequest,
			"No GitHub token available. Please provide a token or configure the service with one.", nil)
		return
	}

	jobID := events.NewJobID()
	loop := verify.NewLoop(h.repoGateway(token), h.reasoner, h.emitter, verify.Params{
		JobID:       jobID,
		Repo:        repoRef,
		PRNumber:    req.PRNumber,
		Branch:      req.Branch,
		FilePath:    req.FilePath,
		InitialCode: req.Code,
	}, h.verifyCfg)

	key, err := h.registry.Start(ctx, loop)
	if err != nil {
		if errors.Is(err, verify.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict,
				"A verification loop is already running for this pull request", nil)
			return
		}
		log.WithError(err).Error("failed to start verification loop")
		writeError(w, http.StatusInternalServerError, "Failed to start verification loop", nil)
		return
	}

	log.Info("verification loop accepted",
		"key", key,
		"job_id", jobID.String(),
		"pr_number", req.PRNumber,
	)

	writeJSON(w, http.StatusAccepted, StartVerificationResponse{
		Status: "accepted",
		Key:    key,
		JobID:  jobID.String(),
	})
}

// HandleStatus handles GET /api/v1/verifications/{owner}/{repo}/{number}.
func (h *VerificationHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, ok := prKeyFromPath(w, r)
	if !ok {
		return
	}

	resp := VerificationStatusResponse{Key: key}

	if live, found := h.registry.Status(key); found {
		resp.Live = live
		resp.Running = live.Running
	}

	if h.journal != nil {
		record, err := h.journal.GetVerification(ctx, key)
		switch {
		case err == nil:
			resp.Record = record
		case errors.Is(err, journal.ErrNotFound):
			// The journal lags the live registry by one projection hop.
		default:
			// A journal outage must not hide the live handle.
			util.Log(ctx).With("key", key).WithError(err).Warn("could not read verification record")
		}
	}

	if resp.Live == nil && resp.Record == nil {
		writeError(w, http.StatusNotFound, "No verification loop known for this pull request", nil)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleCancel handles DELETE /api/v1/verifications/{owner}/{repo}/{number}.
// Cancellation is asynchronous: the loop observes it at its next blocking
// point and finalizes as cancelled.
func (h *VerificationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := util.Log(ctx)

	key, ok := prKeyFromPath(w, r)
	if !ok {
		return
	}

	if !h.registry.Cancel(key) {
		writeError(w, http.StatusNotFound, "No running verification loop for this pull request", nil)
		return
	}

	log.Info("verification loop cancellation requested", "key", key)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "cancelling",
		"key":    key,
	})
}

func (h *VerificationHandler) validateStart(req *StartVerificationRequest) (github.RepoRef, []string) {
	var errs []string

	var repoRef github.RepoRef
	if strings.TrimSpace(req.Repo) == "" {
		errs = append(errs, "repo is required")
	} else {
		parsed, err := github.ParseRepoRef(req.Repo)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			repoRef = parsed
		}
	}

	if req.PRNumber <= 0 {
		errs = append(errs, "pr_number must be positive")
	}
	if strings.TrimSpace(req.Branch) == "" {
		errs = append(errs, "branch is required")
	}
	if strings.TrimSpace(req.FilePath) == "" {
		errs = append(errs, "file_path is required")
	}
	if req.Code == "" {
		errs = append(errs, "code is required")
	}

	return repoRef, errs
}

// prKeyFromPath resolves the {owner}/{repo}/{number} path into the loop
// exclusion key, writing the error response itself on bad input.
func prKeyFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.PathValue("owner")
	name := r.PathValue("repo")
	rawNumber := r.PathValue("number")

	number, err := strconv.Atoi(rawNumber)
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Invalid pull request number %q", rawNumber), nil)
		return "", false
	}
	if owner == "" || name == "" {
		writeError(w, http.StatusBadRequest, "Repository owner and name are required", nil)
		return "", false
	}

	return events.VerificationLockKey(owner+"/"+name, number), true
}
