package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/pitabwire/util"

	"github.com/antinvestor/vibefix/apps/server/service/journal"
)

const (
	defaultJobListLimit = 20
	maxJobListLimit     = 100
)

// JobsHandler serves journal lookups for fix jobs.
type JobsHandler struct {
	journal journal.Repository
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(journalRepo journal.Repository) *JobsHandler {
	return &JobsHandler{journal: journalRepo}
}

// HandleGet handles GET /api/v1/jobs/{id} requests.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Job id is required", nil)
		return
	}

	record, err := h.journal.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No job with id "+id, nil)
			return
		}
		util.Log(ctx).With("job_id", id).WithError(err).Error("failed to read job record")
		writeError(w, http.StatusInternalServerError, "Failed to read job record", nil)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// HandleList handles GET /api/v1/jobs requests. The optional limit query
// parameter is capped so a caller cannot page the whole table at once.
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = min(parsed, maxJobListLimit)
	}

	records, err := h.journal.ListRecentJobs(ctx, limit)
	if err != nil {
		util.Log(ctx).WithError(err).Error("failed to list job records")
		writeError(w, http.StatusInternalServerError, "Failed to list job records", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  records,
		"count": len(records),
	})
}
