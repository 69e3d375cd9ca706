package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/api/response"
	"github.com/kiranshivaraju/amrhunter/internal/lifecycle"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Lifecycle is the job state machine. *lifecycle.Manager implements it.
type Lifecycle interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Transition(ctx context.Context, id string, to models.JobStatus, opts ...lifecycle.TransitionOption) (*models.Job, error)
	UpdateProgress(ctx context.Context, id string, progress float64) (*models.Job, error)
	History(ctx context.Context, id string) ([]*models.StatusHistory, error)
	Retry(ctx context.Context, id string) (*models.Job, error)
	Elapsed(job *models.Job) time.Duration
}

// JobStore holds the job queries that bypass the state machine.
// *store.JobDAO implements it.
type JobStore interface {
	GetAll(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	Delete(ctx context.Context, id string) (bool, error)
	SetParameter(ctx context.Context, jobID, name, value string) error
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// JobHandler serves /api/v1/jobs.
type JobHandler struct {
	lifecycle Lifecycle
	jobs      JobStore
	log       *zap.Logger
}

func NewJobHandler(lc Lifecycle, jobs JobStore, log *zap.Logger) *JobHandler {
	return &JobHandler{lifecycle: lc, jobs: jobs, log: logging.OrNop(log)}
}

// jobView adds derived fields to a job.
type jobView struct {
	*models.Job
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	NextStatuses   []models.JobStatus `json:"next_statuses"`
}

func (h *JobHandler) view(job *models.Job) jobView {
	next := lifecycle.NextStatuses(job.Status)
	if next == nil {
		next = []models.JobStatus{}
	}
	return jobView{Job: job, ElapsedSeconds: h.lifecycle.Elapsed(job).Seconds(), NextStatuses: next}
}

// Create handles POST /api/v1/jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	job, err := h.lifecycle.Submit(r.Context(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.Created(w, h.view(job))
}

// List handles GET /api/v1/jobs?status=&limit=&offset=.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", defaultPageLimit)
	if !ok || limit == 0 || limit > maxPageLimit {
		badRequest(w, "limit must be between 1 and 500")
		return
	}
	offset, ok := intParam(r, "offset", 0)
	if !ok {
		badRequest(w, "offset must be a non-negative integer")
		return
	}

	filter := store.JobFilter{Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseJobStatus(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		filter.Status = &status
	}

	jobs, err := h.jobs.GetAll(r.Context(), filter)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, h.view(j))
	}
	response.Collection(w, views, response.PaginationMeta{
		Limit:   limit,
		Offset:  offset,
		Count:   len(views),
		HasNext: len(views) == limit,
	})
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.lifecycle.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, h.view(job))
}

// Delete handles DELETE /api/v1/jobs/{jobID}.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.jobs.Delete(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if !deleted {
		notFound(w, "Job")
		return
	}
	response.NoContent(w)
}

type transitionRequest struct {
	Status               string  `json:"status"`
	Message              *string `json:"message"`
	ErrorMessage         *string `json:"error_message"`
	ResultFile           *string `json:"result_file"`
	AggregatedResultFile *string `json:"aggregated_result_file"`
}

// Transition handles POST /api/v1/jobs/{jobID}/transitions.
func (h *JobHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.Status == "" {
		badRequest(w, "status is required")
		return
	}
	to, err := models.ParseJobStatus(req.Status)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var opts []lifecycle.TransitionOption
	if req.Message != nil {
		opts = append(opts, lifecycle.WithMessage(*req.Message))
	}
	if req.ErrorMessage != nil {
		opts = append(opts, lifecycle.WithErrorMessage(*req.ErrorMessage))
	}
	if req.ResultFile != nil {
		opts = append(opts, lifecycle.WithResultFile(*req.ResultFile))
	}
	if req.AggregatedResultFile != nil {
		opts = append(opts, lifecycle.WithAggregatedResultFile(*req.AggregatedResultFile))
	}

	job, err := h.lifecycle.Transition(r.Context(), chi.URLParam(r, "jobID"), to, opts...)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, h.view(job))
}

// Progress handles POST /api/v1/jobs/{jobID}/progress.
func (h *JobHandler) Progress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Progress *float64 `json:"progress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.Progress == nil {
		badRequest(w, "progress is required")
		return
	}
	job, err := h.lifecycle.UpdateProgress(r.Context(), chi.URLParam(r, "jobID"), *req.Progress)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, h.view(job))
}

// History handles GET /api/v1/jobs/{jobID}/history.
func (h *JobHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, err := h.lifecycle.Get(r.Context(), id); err != nil {
		writeError(w, h.log, err)
		return
	}
	history, err := h.lifecycle.History(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if history == nil {
		history = []*models.StatusHistory{}
	}
	response.JSON(w, history)
}

// SetParameter handles PUT /api/v1/jobs/{jobID}/parameters/{name}.
func (h *JobHandler) SetParameter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.Value == nil {
		badRequest(w, "value is required")
		return
	}
	id, name := chi.URLParam(r, "jobID"), chi.URLParam(r, "name")
	if err := h.jobs.SetParameter(r.Context(), id, name, *req.Value); err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, map[string]string{"job_id": id, "name": name, "value": *req.Value})
}

// Retry handles POST /api/v1/jobs/{jobID}/retry.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.lifecycle.Retry(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.Created(w, h.view(job))
}

// Stats handles GET /api/v1/admin/stats.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.CountByStatus(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	response.JSON(w, map[string]any{"jobs_by_status": counts})
}
