// Package handler contains the HTTP handlers for the report API: submit a
// job, poll its progress, cancel it.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/reportforge/engine/internal/api/middleware"
	"github.com/reportforge/engine/internal/api/response"
	"github.com/reportforge/engine/internal/progress"
	"github.com/reportforge/engine/internal/store"
	"github.com/reportforge/engine/pkg/models"
)

// Enqueuer appends a job-run request to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// Canceller aborts a running job. Satisfied by *engine.Engine.
type Canceller interface {
	Cancel(jobID uuid.UUID) bool
}

// Reports bundles the report endpoints' dependencies.
type Reports struct {
	store    store.Store
	progress progress.Store
	queue    Enqueuer
	engine   Canceller
}

// NewReports creates the report handlers.
func NewReports(st store.Store, prog progress.Store, queue Enqueuer, eng Canceller) *Reports {
	return &Reports{store: st, progress: prog, queue: queue, engine: eng}
}

// Create handles POST /api/v1/reports: persist the job and enqueue a run.
func (h *Reports) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := mw.GetOwner(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	var req struct {
		TemplateID   string `json:"template_id"`
		DataSourceID string `json:"data_source_id"`
		PeriodStart  string `json:"period_start"`
		PeriodEnd    string `json:"period_end"`
		ForceFull    bool   `json:"force_full"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "template_id must be a valid UUID", nil)
		return
	}
	dataSourceID, err := uuid.Parse(req.DataSourceID)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "data_source_id must be a valid UUID", nil)
		return
	}

	periodStart, err := time.Parse(time.RFC3339, req.PeriodStart)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "period_start must be a valid RFC3339 timestamp", nil)
		return
	}
	periodEnd, err := time.Parse(time.RFC3339, req.PeriodEnd)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "period_end must be a valid RFC3339 timestamp", nil)
		return
	}
	if !periodEnd.After(periodStart) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "period_end must be after period_start", nil)
		return
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		Owner:        owner,
		TemplateID:   templateID,
		DataSourceID: dataSourceID,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Status:       models.JobStatusPending,
		Enabled:      true,
		ForceFull:    req.ForceFull,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
		return
	}
	if err := h.queue.Enqueue(r.Context(), job.ID); err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to enqueue job", nil)
		return
	}

	response.Accepted(w, jobResponse(job, nil))
}

// Get handles GET /api/v1/reports/{jobID}: the stored job merged with the
// live progress record, when one still exists.
func (h *Reports) Get(w http.ResponseWriter, r *http.Request) {
	owner, _ := mw.GetOwner(r)

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return
	}
	if job.Owner != owner {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		return
	}

	rec, err := h.progress.Get(r.Context(), jobID)
	if err != nil && !errors.Is(err, progress.ErrNotFound) {
		// Progress is advisory; the stored job still answers the poll.
		rec = nil
	}

	response.JSON(w, jobResponse(job, rec))
}

// List handles GET /api/v1/reports for the authenticated owner.
func (h *Reports) List(w http.ResponseWriter, r *http.Request) {
	owner, _ := mw.GetOwner(r)

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}

	filter := store.JobFilter{
		Owner:  owner,
		Status: r.URL.Query().Get("status"),
		Page:   page,
		Limit:  limit,
	}

	jobs, total, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
		return
	}

	items := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, jobResponse(j, nil))
	}

	response.Collection(w, items, response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	})
}

// Cancel handles POST /api/v1/reports/{jobID}/cancel. A running job is
// aborted through its context; a pending one is marked cancelled directly.
func (h *Reports) Cancel(w http.ResponseWriter, r *http.Request) {
	owner, _ := mw.GetOwner(r)

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
		return
	}
	if job.Owner != owner {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		return
	}
	if job.IsTerminal() {
		response.Error(w, http.StatusConflict, "JOB_FINISHED", "Job already reached a terminal status", nil)
		return
	}

	if !h.engine.Cancel(jobID) {
		// Not running in this process: flip the pending job directly.
		if err := h.store.UpdateJobStatus(r.Context(), jobID, models.JobStatusCancelled); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
			return
		}
	}

	response.Accepted(w, map[string]any{"id": jobID, "status": models.JobStatusCancelled})
}

// Health handles GET /api/v1/health, reporting store and progress-store
// connectivity.
func Health(st store.Store, prog progress.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			checks["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
		if err := prog.Ping(ctx); err != nil {
			checks["redis"] = "unreachable"
			status = http.StatusServiceUnavailable
		}

		if status != http.StatusOK {
			response.Error(w, status, "DEPENDENCY_UNAVAILABLE", "A dependency is unreachable", checks)
			return
		}
		response.JSON(w, checks)
	}
}

func jobResponse(job *models.Job, rec *models.ProgressRecord) map[string]any {
	resp := map[string]any{
		"id":           job.ID,
		"template_id":  job.TemplateID,
		"status":       job.Status,
		"retry_count":  job.RetryCount,
		"period_start": job.PeriodStart.UTC().Format(time.RFC3339),
		"period_end":   job.PeriodEnd.UTC().Format(time.RFC3339),
		"created_at":   job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.OutputPath != nil {
		resp["output_path"] = *job.OutputPath
	}
	if job.ErrorMessage != nil {
		resp["error_message"] = *job.ErrorMessage
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	if rec != nil {
		resp["progress"] = rec.Progress
		resp["progress_message"] = rec.Message
		if len(rec.Metadata) > 0 {
			resp["progress_metadata"] = rec.Metadata
		}
	}
	return resp
}

func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
