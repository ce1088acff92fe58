package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/dispatcher"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// JobHandler groups the job queue HTTP handlers.
type JobHandler struct {
	jobs       repositories.JobRepository
	logs       repositories.LogRepository
	dispatcher *dispatcher.Dispatcher
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs repositories.JobRepository, logs repositories.LogRepository,
	disp *dispatcher.Dispatcher, validate *validator.Validate, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:       jobs,
		logs:       logs,
		dispatcher: disp,
		validate:   validate,
		logger:     logger.Named("job_handler"),
	}
}

// jobResponse is the JSON representation of a job.
type jobResponse struct {
	JobID                string         `json:"job_id"`
	TenantID             string         `json:"tenant_id"`
	WorkflowID           string         `json:"workflow_id,omitempty"`
	WorkflowName         string         `json:"workflow_name"`
	Parameters           map[string]any `json:"parameters"`
	RequestedRobotID     string         `json:"requested_robot_id,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Priority             string         `json:"priority"`
	TimeoutSeconds       int            `json:"timeout_seconds"`
	Status               string         `json:"status"`
	AssignedRobotID      string         `json:"assigned_robot_id,omitempty"`
	ProgressPercent      float64        `json:"progress_percent"`
	CurrentNode          string         `json:"current_node,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	AssignedAt           *time.Time     `json:"assigned_at,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	FinishedAt           *time.Time     `json:"finished_at,omitempty"`
	Result               map[string]any `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
}

func jobToResponse(j *db.Job) jobResponse {
	return jobResponse{
		JobID:                j.ID.String(),
		TenantID:             j.TenantID,
		WorkflowID:           j.WorkflowID,
		WorkflowName:         j.WorkflowName,
		Parameters:           db.DecodeMap(j.Parameters),
		RequestedRobotID:     j.RequestedRobotID,
		RequiredCapabilities: orEmpty(db.DecodeStrings(j.RequiredCapabilities)),
		Priority:             db.PriorityToString(j.Priority),
		TimeoutSeconds:       j.TimeoutSeconds,
		Status:               j.Status,
		AssignedRobotID:      j.AssignedRobotID,
		ProgressPercent:      j.ProgressPercent,
		CurrentNode:          j.CurrentNode,
		CreatedAt:            j.CreatedAt.UTC(),
		AssignedAt:           j.AssignedAt,
		StartedAt:            j.StartedAt,
		FinishedAt:           j.FinishedAt,
		Result:               db.DecodeMap(j.Result),
		Error:                j.Error,
	}
}

// submitJobRequest is the body for POST /api/v1/jobs.
type submitJobRequest struct {
	WorkflowName         string          `json:"workflow_name" validate:"required,min=1,max=256"`
	WorkflowID           string          `json:"workflow_id" validate:"omitempty,max=128"`
	WorkflowJSON         json.RawMessage `json:"workflow_json" validate:"required"`
	Parameters           map[string]any  `json:"parameters"`
	TenantID             string          `json:"tenant_id" validate:"omitempty,max=128"`
	RequestedRobotID     string          `json:"requested_robot_id" validate:"omitempty,max=128"`
	RequiredCapabilities []string        `json:"required_capabilities" validate:"omitempty,dive,min=1,max=64"`
	Priority             string          `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	TimeoutSeconds       int             `json:"timeout_seconds" validate:"omitempty,min=1,max=86400"`
}

// Submit handles POST /api/v1/jobs: validates, enqueues as pending, wakes
// the dispatcher.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	if !json.Valid(req.WorkflowJSON) {
		ErrValidation(w, "workflow_json must be valid JSON")
		return
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = "default"
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 3600
	}

	job := &db.Job{
		TenantID:             tenant,
		WorkflowID:           req.WorkflowID,
		WorkflowName:         req.WorkflowName,
		WorkflowJSON:         []byte(req.WorkflowJSON),
		Parameters:           db.EncodeMap(req.Parameters),
		RequestedRobotID:     req.RequestedRobotID,
		RequiredCapabilities: db.EncodeStrings(req.RequiredCapabilities),
		Priority:             db.PriorityFromString(req.Priority),
		TimeoutSeconds:       timeout,
		Status:               db.JobStatusPending,
	}

	if err := h.jobs.Enqueue(r.Context(), job); err != nil {
		h.storeError(w, "enqueue job", err)
		return
	}

	h.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("workflow", job.WorkflowName),
		zap.String("priority", db.PriorityToString(job.Priority)),
	)
	h.dispatcher.Wake()

	Created(w, jobToResponse(job))
}

// listJobsResponse wraps a paginated job list.
type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/jobs with status/tenant/robot filters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repositories.JobFilter{
		Status:   r.URL.Query().Get("status"),
		TenantID: r.URL.Query().Get("tenant_id"),
		RobotID:  r.URL.Query().Get("robot_id"),
	}

	jobs, total, err := h.jobs.List(r.Context(), filter, paginationOpts(r))
	if err != nil {
		h.storeError(w, "list jobs", err)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		h.storeError(w, "get job", err)
		return
	}
	Ok(w, jobToResponse(job))
}

// Cancel handles DELETE /api/v1/jobs/{id}: pending jobs cancel directly,
// active jobs get a correlated JobCancel via the dispatcher.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if err := h.dispatcher.Cancel(r.Context(), id, "cancelled by operator"); err != nil {
		h.storeError(w, "cancel job", err)
		return
	}
	NoContent(w)
}

// logEntryResponse is one diagnostic line in GET /api/v1/jobs/{id}/logs.
type logEntryResponse struct {
	RobotID   string         `json:"robot_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// listLogsResponse wraps a paginated log listing.
type listLogsResponse struct {
	Items []logEntryResponse `json:"items"`
	Total int64              `json:"total"`
}

// GetLogs handles GET /api/v1/jobs/{id}/logs.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	entries, total, err := h.logs.ListByJob(r.Context(), id.String(), paginationOpts(r))
	if err != nil {
		h.storeError(w, "list job logs", err)
		return
	}

	items := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = logEntryResponse{
			RobotID:   e.RobotID,
			Timestamp: e.Timestamp,
			Level:     e.Level,
			Source:    e.Source,
			Message:   e.Message,
			NodeID:    e.NodeID,
			Extra:     db.DecodeMap(e.Extra),
		}
	}
	Ok(w, listLogsResponse{Items: items, Total: total})
}

func (h *JobHandler) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrUnavailable):
		h.logger.Error("store unavailable", zap.String("op", op), zap.Error(err))
		ErrUnavailable(w)
	default:
		h.logger.Error("unexpected store error", zap.String("op", op), zap.Error(err))
		ErrInternal(w)
	}
}

// parseJobID extracts and parses the job UUID path parameter. Writes a 400
// and returns false when malformed.
func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid id: must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}
