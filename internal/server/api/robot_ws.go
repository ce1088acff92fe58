package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/registry"
)

// robotUpgrader performs the HTTP → WebSocket upgrade for the robot channel.
// CheckOrigin always returns true: robots are not browsers, and transport
// authentication is the API key, not the Origin header.
var robotUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RobotWSHandler terminates the robot channel:
// GET /api/v1/ws/robot/{robot_id}?api_key={secret}.
//
// The handler only upgrades; everything after the handshake — key
// verification, the mandatory first Register message, heartbeats, dispatch
// replies — belongs to the registry. Authentication failures are reported
// in-band with an Error frame and a policy-violation close, which robots
// can tell apart from network failures when deciding whether to retry with
// the same credentials.
type RobotWSHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRobotWSHandler creates a RobotWSHandler.
func NewRobotWSHandler(reg *registry.Registry, logger *zap.Logger) *RobotWSHandler {
	return &RobotWSHandler{
		registry: reg,
		logger:   logger.Named("robot_ws"),
	}
}

// ServeWS handles the upgrade and blocks for the connection's lifetime —
// expected for WebSocket handlers.
func (h *RobotWSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robot_id")
	if robotID == "" {
		ErrBadRequest(w, "robot_id is required")
		return
	}

	apiKey := r.URL.Query().Get("api_key")

	conn, err := robotUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written its error response.
		h.logger.Warn("robot channel upgrade failed",
			zap.String("robot_id", robotID),
			zap.Error(err),
		)
		return
	}

	h.registry.ServeConn(r.Context(), conn, robotID, apiKey, sourceIP(r))
}
