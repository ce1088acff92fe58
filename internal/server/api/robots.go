package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/registry"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// RobotHandler groups the robot fleet HTTP handlers.
type RobotHandler struct {
	repo     repositories.RobotRepository
	registry *registry.Registry
	validate *validator.Validate
	logger   *zap.Logger
}

// NewRobotHandler creates a RobotHandler.
func NewRobotHandler(repo repositories.RobotRepository, reg *registry.Registry, validate *validator.Validate, logger *zap.Logger) *RobotHandler {
	return &RobotHandler{
		repo:     repo,
		registry: reg,
		validate: validate,
		logger:   logger.Named("robot_handler"),
	}
}

// robotResponse is the JSON representation of a robot returned by the API.
// Connected reflects the live registry, not the stored status — a row can
// say online while the handle is already gone.
type robotResponse struct {
	RobotID           string         `json:"robot_id"`
	Name              string         `json:"name"`
	Hostname          string         `json:"hostname"`
	TenantID          string         `json:"tenant_id"`
	Environment       string         `json:"environment"`
	Version           string         `json:"version"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	Capabilities      []string       `json:"capabilities"`
	Tags              []string       `json:"tags"`
	Status            string         `json:"status"`
	Connected         bool           `json:"connected"`
	CurrentJobIDs     []string       `json:"current_job_ids"`
	Metrics           map[string]any `json:"metrics"`
	LastSeenAt        *time.Time     `json:"last_seen_at"`
	LastHeartbeatAt   *time.Time     `json:"last_heartbeat_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (h *RobotHandler) toResponse(r *db.Robot) robotResponse {
	_, connected := h.registry.Get(r.RobotID)
	return robotResponse{
		RobotID:           r.RobotID,
		Name:              r.Name,
		Hostname:          r.Hostname,
		TenantID:          r.TenantID,
		Environment:       r.Environment,
		Version:           r.Version,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		Capabilities:      orEmpty(db.DecodeStrings(r.Capabilities)),
		Tags:              orEmpty(db.DecodeStrings(r.Tags)),
		Status:            r.Status,
		Connected:         connected,
		CurrentJobIDs:     orEmpty(db.DecodeStrings(r.CurrentJobIDs)),
		Metrics: map[string]any{
			"cpu_percent":    r.CPUPercent,
			"memory_percent": r.MemoryPercent,
			"disk_percent":   r.DiskPercent,
		},
		LastSeenAt:      r.LastSeenAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// registerRobotRequest is the body for POST /api/v1/robots/register.
type registerRobotRequest struct {
	RobotID           string   `json:"robot_id" validate:"required,min=1,max=128"`
	Name              string   `json:"name" validate:"required,min=1,max=128"`
	Hostname          string   `json:"hostname" validate:"required,min=1,max=128"`
	TenantID          string   `json:"tenant_id" validate:"omitempty,max=128"`
	Environment       string   `json:"environment"`
	Version           string   `json:"version"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs" validate:"omitempty,min=1,max=256"`
	Capabilities      []string `json:"capabilities"`
	Tags              []string `json:"tags"`
}

// Register handles POST /api/v1/robots/register — the HTTP upsert path used
// by provisioning tooling. Robots connecting over the channel register
// through the WebSocket Register message instead.
func (h *RobotHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRobotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = "default"
	}
	maxJobs := req.MaxConcurrentJobs
	if maxJobs < 1 {
		maxJobs = 1
	}

	robot := &db.Robot{
		RobotID:           req.RobotID,
		Name:              req.Name,
		Hostname:          req.Hostname,
		TenantID:          tenant,
		Environment:       req.Environment,
		Version:           req.Version,
		MaxConcurrentJobs: maxJobs,
		Capabilities:      db.EncodeStrings(req.Capabilities),
		Tags:              db.EncodeStrings(req.Tags),
		Status:            db.RobotStatusOffline,
		CurrentJobIDs:     "[]",
	}

	if err := h.repo.Register(r.Context(), robot); err != nil {
		h.storeError(w, "register robot", err)
		return
	}
	Created(w, h.toResponse(robot))
}

// listRobotsResponse wraps a paginated robot list.
type listRobotsResponse struct {
	Items []robotResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/robots with status/tenant/capability filters.
func (h *RobotHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repositories.RobotFilter{
		Status:     r.URL.Query().Get("status"),
		TenantID:   r.URL.Query().Get("tenant_id"),
		Capability: r.URL.Query().Get("capability"),
	}

	robots, total, err := h.repo.List(r.Context(), filter, paginationOpts(r))
	if err != nil {
		h.storeError(w, "list robots", err)
		return
	}

	items := make([]robotResponse, len(robots))
	for i := range robots {
		items[i] = h.toResponse(&robots[i])
	}
	Ok(w, listRobotsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/robots/{id}.
func (h *RobotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	robot, err := h.repo.GetByRobotID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, "get robot", err)
		return
	}
	Ok(w, h.toResponse(robot))
}

// updateRobotRequest is the body for PUT /api/v1/robots/{id}. All fields
// optional; only provided values are applied.
type updateRobotRequest struct {
	Name              *string   `json:"name" validate:"omitempty,min=1,max=128"`
	MaxConcurrentJobs *int      `json:"max_concurrent_jobs" validate:"omitempty,min=1,max=256"`
	Capabilities      *[]string `json:"capabilities"`
	Tags              *[]string `json:"tags"`
	Status            *string   `json:"status" validate:"omitempty,oneof=online busy offline error maintenance"`
}

// Update handles PUT /api/v1/robots/{id}.
func (h *RobotHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRobotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	robot, err := h.repo.GetByRobotID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, "get robot for update", err)
		return
	}

	if req.Name != nil {
		robot.Name = *req.Name
	}
	if req.MaxConcurrentJobs != nil {
		robot.MaxConcurrentJobs = *req.MaxConcurrentJobs
	}
	if req.Capabilities != nil {
		robot.Capabilities = db.EncodeStrings(*req.Capabilities)
	}
	if req.Tags != nil {
		robot.Tags = db.EncodeStrings(*req.Tags)
	}
	if req.Status != nil {
		robot.Status = *req.Status
	}

	if err := h.repo.Update(r.Context(), robot); err != nil {
		h.storeError(w, "update robot", err)
		return
	}
	Ok(w, h.toResponse(robot))
}

// Delete handles DELETE /api/v1/robots/{id}.
func (h *RobotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.storeError(w, "delete robot", err)
		return
	}
	NoContent(w)
}

// statusRequest is the body for PUT /api/v1/robots/{id}/status.
type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=online busy offline error maintenance"`
}

// UpdateStatus handles PUT /api/v1/robots/{id}/status.
func (h *RobotHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	robotID := chi.URLParam(r, "id")
	robot, err := h.repo.GetByRobotID(r.Context(), robotID)
	if err != nil {
		h.storeError(w, "get robot for status", err)
		return
	}

	robot.Status = req.Status
	if err := h.repo.Update(r.Context(), robot); err != nil {
		h.storeError(w, "update robot status", err)
		return
	}
	Ok(w, h.toResponse(robot))
}

// heartbeatRequest is the body for POST /api/v1/robots/{id}/heartbeat —
// the HTTP fallback for robots without a channel connection.
type heartbeatRequest struct {
	Status        string   `json:"status" validate:"omitempty,oneof=online busy offline error maintenance"`
	CPUPercent    *float64 `json:"cpu_percent" validate:"omitempty,min=0,max=100"`
	MemoryPercent *float64 `json:"memory_percent" validate:"omitempty,min=0,max=100"`
	DiskPercent   *float64 `json:"disk_percent" validate:"omitempty,min=0,max=100"`
}

// Heartbeat handles POST /api/v1/robots/{id}/heartbeat. A heartbeat for an
// unknown robot creates a minimal row (self-healing) rather than erroring.
func (h *RobotHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	status := req.Status
	if status == "" {
		status = db.RobotStatusOnline
	}

	err := h.repo.UpdateStatus(r.Context(), chi.URLParam(r, "id"), repositories.HeartbeatUpdate{
		Status:        status,
		HeartbeatAt:   time.Now().UTC(),
		CPUPercent:    req.CPUPercent,
		MemoryPercent: req.MemoryPercent,
		DiskPercent:   req.DiskPercent,
	})
	if err != nil {
		h.storeError(w, "heartbeat", err)
		return
	}
	Ok(w, map[string]string{"status": status})
}

// storeError translates repository sentinels into stable HTTP codes.
func (h *RobotHandler) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, "conflicting robot identity")
	case errors.Is(err, repositories.ErrUnavailable):
		h.logger.Error("store unavailable", zap.String("op", op), zap.Error(err))
		ErrUnavailable(w)
	default:
		h.logger.Error("unexpected store error", zap.String("op", op), zap.Error(err))
		ErrInternal(w)
	}
}

// paginationOpts reads limit and offset query parameters.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
