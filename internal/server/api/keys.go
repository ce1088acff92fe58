package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/auth"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// KeyHandler groups the API key lifecycle handlers. All routes are
// admin-authenticated.
type KeyHandler struct {
	keys     *auth.APIKeyService
	repo     repositories.APIKeyRepository
	audit    repositories.AuditRepository
	validate *validator.Validate
	logger   *zap.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys *auth.APIKeyService, repo repositories.APIKeyRepository,
	audit repositories.AuditRepository, validate *validator.Validate, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		keys:     keys,
		repo:     repo,
		audit:    audit,
		validate: validate,
		logger:   logger.Named("key_handler"),
	}
}

// keyResponse is the JSON representation of an API key. The secret is
// intentionally absent — it appears only once, in keyCreateResponse.
type keyResponse struct {
	KeyID      string     `json:"key_id"`
	RobotID    string     `json:"robot_id"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP string     `json:"last_used_ip,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// keyCreateResponse extends keyResponse with the one-time cleartext secret.
// It cannot be recovered after this response.
type keyCreateResponse struct {
	keyResponse
	Secret string `json:"secret"`
}

func keyToResponse(k *db.APIKey) keyResponse {
	return keyResponse{
		KeyID:      k.KeyID,
		RobotID:    k.RobotID,
		Status:     k.Status,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		LastUsedIP: k.LastUsedIP,
		CreatedAt:  k.CreatedAt.UTC(),
	}
}

// createKeyRequest is the body for POST /api/v1/keys.
type createKeyRequest struct {
	RobotID   string     `json:"robot_id" validate:"required,min=1,max=128"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Create handles POST /api/v1/keys — mints a key and returns the secret once.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		ErrValidation(w, "expires_at must be in the future")
		return
	}

	key, secret, err := h.keys.Mint(r.Context(), req.RobotID, req.ExpiresAt)
	if err != nil {
		h.storeError(w, "mint key", err)
		return
	}

	h.auditAction(r, "key.minted", key.KeyID, req.RobotID)
	Created(w, keyCreateResponse{
		keyResponse: keyToResponse(key),
		Secret:      secret,
	})
}

// listKeysResponse wraps a paginated key list.
type listKeysResponse struct {
	Items []keyResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/keys, optionally filtered by robot_id.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, total, err := h.repo.List(r.Context(), r.URL.Query().Get("robot_id"), paginationOpts(r))
	if err != nil {
		h.storeError(w, "list keys", err)
		return
	}

	items := make([]keyResponse, len(keys))
	for i := range keys {
		items[i] = keyToResponse(&keys[i])
	}
	Ok(w, listKeysResponse{Items: items, Total: total})
}

// Revoke handles DELETE /api/v1/keys/{key_id}. The robot's current
// connection is not severed — only future authentications fail.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")
	if err := h.keys.Revoke(r.Context(), keyID); err != nil {
		h.storeError(w, "revoke key", err)
		return
	}
	h.auditAction(r, "key.revoked", keyID, "")
	NoContent(w)
}

func (h *KeyHandler) auditAction(r *http.Request, action, keyID, robotID string) {
	detail := map[string]any{}
	if robotID != "" {
		detail["robot_id"] = robotID
	}
	entry := &db.AuditEntry{
		Actor:       "admin",
		Action:      action,
		SubjectType: "api_key",
		SubjectID:   keyID,
		Detail:      db.EncodeMap(detail),
	}
	if err := h.audit.Append(r.Context(), entry); err != nil {
		h.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func (h *KeyHandler) storeError(w http.ResponseWriter, op string, err error) {
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
