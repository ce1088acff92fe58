package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/auth"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/dispatcher"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/registry"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/relay"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main after all components are initialized and passed as one
// struct to keep the constructor signature manageable.
type RouterConfig struct {
	Logger      *zap.Logger
	DB          *gorm.DB
	Registry    *registry.Registry
	Dispatcher  *dispatcher.Dispatcher
	Relay       *relay.Relay
	Metrics     *metrics.Metrics
	APIKeys     *auth.APIKeyService
	JWTManager  *auth.JWTManager
	AdminSecret string

	Robots  repositories.RobotRepository
	Jobs    repositories.JobRepository
	Logs    repositories.LogRepository
	Keys    repositories.APIKeyRepository
	Audit   repositories.AuditRepository
	Limiter *RateLimiter
}

// NewRouter builds the fully configured Chi router. REST resources live
// under /api/v1; /metrics and /healthz are unversioned.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID tags each request for log correlation; RealIP resolves the
	// client address behind a reverse proxy before the rate limiter keys on
	// it; Recoverer turns handler panics into 500s instead of a dead server.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	validate := validator.New()
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewRateLimiter()
	}

	robotHandler := NewRobotHandler(cfg.Robots, cfg.Registry, validate, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Logs, cfg.Dispatcher, validate, cfg.Logger)
	keyHandler := NewKeyHandler(cfg.APIKeys, cfg.Keys, cfg.Audit, validate, cfg.Logger)
	robotWS := NewRobotWSHandler(cfg.Registry, cfg.Logger)
	logStream := NewLogStreamHandler(cfg.Relay, cfg.AdminSecret, cfg.JWTManager, cfg.Logger)
	tokenHandler := NewTokenHandler(cfg.AdminSecret, cfg.JWTManager, validate, cfg.Logger)

	adminOnly := AdminAuth(cfg.AdminSecret, cfg.JWTManager)

	r.Route("/api/v1", func(r chi.Router) {
		// --- Robot channel + admin stream (rate limits do not apply to
		// long-lived upgrades; the channel has its own heartbeat policing) ---
		r.Get("/ws/robot/{robot_id}", robotWS.ServeWS)
		r.Get("/ws/logs", logStream.ServeWS)

		// --- Admin token exchange ---
		r.With(limiter.Limit(TagWrite)).Post("/auth/token", tokenHandler.Issue)

		// --- Robots ---
		r.With(limiter.Limit(TagRegister)).Post("/robots/register", robotHandler.Register)
		r.With(limiter.Limit(TagRead)).Get("/robots", robotHandler.List)
		r.With(limiter.Limit(TagRead)).Get("/robots/{id}", robotHandler.GetByID)
		r.With(limiter.Limit(TagWrite)).Put("/robots/{id}", robotHandler.Update)
		r.With(limiter.Limit(TagWrite)).Delete("/robots/{id}", robotHandler.Delete)
		r.With(limiter.Limit(TagWrite)).Put("/robots/{id}/status", robotHandler.UpdateStatus)
		r.With(limiter.Limit(TagHeartbeat)).Post("/robots/{id}/heartbeat", robotHandler.Heartbeat)

		// --- Jobs ---
		r.With(limiter.Limit(TagWrite)).Post("/jobs", jobHandler.Submit)
		r.With(limiter.Limit(TagRead)).Get("/jobs", jobHandler.List)
		r.With(limiter.Limit(TagRead)).Get("/jobs/{id}", jobHandler.GetByID)
		r.With(limiter.Limit(TagWrite)).Delete("/jobs/{id}", jobHandler.Cancel)
		r.With(limiter.Limit(TagRead)).Get("/jobs/{id}/logs", jobHandler.GetLogs)

		// --- API keys (admin only) ---
		r.Group(func(r chi.Router) {
			r.Use(adminOnly)
			r.With(limiter.Limit(TagWrite)).Post("/keys", keyHandler.Create)
			r.With(limiter.Limit(TagRead)).Get("/keys", keyHandler.List)
			r.With(limiter.Limit(TagWrite)).Delete("/keys/{key_id}", keyHandler.Revoke)
		})
	})

	r.Get("/healthz", healthz(cfg.DB, cfg.Registry))
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

// healthz reports liveness: a db ping plus the connected robot count.
func healthz(gdb *gorm.DB, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx, gdb); err != nil {
			JSON(w, http.StatusServiceUnavailable, envelope{
				"status": "degraded",
				"db":     "unreachable",
			})
			return
		}
		JSON(w, http.StatusOK, envelope{
			"status":           "ok",
			"connected_robots": reg.ConnectedCount(),
		})
	}
}

// TokenHandler exchanges the admin secret for a short-lived JWT.
type TokenHandler struct {
	adminSecret string
	jwtMgr      *auth.JWTManager
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(adminSecret string, jwtMgr *auth.JWTManager, validate *validator.Validate, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		adminSecret: adminSecret,
		jwtMgr:      jwtMgr,
		validate:    validate,
		logger:      logger.Named("token_handler"),
	}
}

// tokenRequest is the body for POST /api/v1/auth/token.
type tokenRequest struct {
	AdminSecret string `json:"admin_secret" validate:"required"`
	Operator    string `json:"operator" validate:"omitempty,min=1,max=128"`
}

// Issue handles POST /api/v1/auth/token.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	if !adminTokenValid(req.AdminSecret, h.adminSecret, nil) {
		ErrUnauthorized(w)
		return
	}

	operator := req.Operator
	if operator == "" {
		operator = "admin"
	}
	token, err := h.jwtMgr.GenerateToken(operator)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{"token": token})
}
