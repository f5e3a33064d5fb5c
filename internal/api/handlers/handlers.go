package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-warehouse/internal/api/middleware"
	"github.com/dvloznov/finance-warehouse/internal/bigquery"
	"github.com/dvloznov/finance-warehouse/internal/jobs"
)

// TriggerAPI is recorded on jobs enqueued over HTTP.
const TriggerAPI = "api"

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// RunsHandler handles load-run endpoints.
type RunsHandler struct {
	runs      bigquery.RunRepository
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(runs bigquery.RunRepository, publisher jobs.Publisher, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		runs:      runs,
		publisher: publisher,
		log:       log,
	}
}

// EnqueueRun handles POST /api/runs
func (h *RunsHandler) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	job := &jobs.LoadJob{Trigger: TriggerAPI}

	if err := h.publisher.PublishLoad(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue load job")
		if errors.Is(err, jobs.ErrQueueClosed) {
			middleware.WriteError(w, http.StatusServiceUnavailable, "Job queue is shutting down")
			return
		}
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue load job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Msg("Load job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(job.Status),
	})
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			middleware.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.ListRecentRuns(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list load runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list load runs")
		return
	}
	if runs == nil {
		runs = []*bigquery.LoadRunRow{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Trigger: query.Get("trigger"),
		Status:  jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// RouterDeps are the collaborators of the HTTP API.
type RouterDeps struct {
	Runs      bigquery.RunRepository
	Publisher jobs.Publisher
	Jobs      jobs.JobStore

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Log zerolog.Logger
}

// NewRouter registers every endpoint of the API.
func NewRouter(deps RouterDeps) *http.ServeMux {
	runsHandler := NewRunsHandler(deps.Runs, deps.Publisher, deps.Log)
	jobsHandler := NewJobsHandler(deps.Jobs, deps.Log)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runsHandler.ListRuns(w, r)
		case http.MethodPost:
			runsHandler.EnqueueRun(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		jobsHandler.GetJob(w, r, jobID)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}

	return mux
}
