package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/auth"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/relay"
)

const (
	logStreamWriteWait = 10 * time.Second
	logStreamPongWait  = 60 * time.Second
	logStreamPing      = (logStreamPongWait * 9) / 10
)

// levelRank orders log levels for the min_level filter.
var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// LogStreamHandler serves the admin log stream: GET /api/v1/ws/logs.
//
// Authentication uses the `token` query parameter (admin secret or admin
// JWT) because browsers cannot set headers on WebSocket connections.
// Filters: robot_id, tenant_id, min_level. Events the subscriber cannot
// keep up with are dropped oldest-first by the relay; the stream is
// diagnostic, the store is authoritative.
type LogStreamHandler struct {
	relay       *relay.Relay
	adminSecret string
	jwtMgr      *auth.JWTManager
	logger      *zap.Logger
}

// NewLogStreamHandler creates a LogStreamHandler.
func NewLogStreamHandler(rel *relay.Relay, adminSecret string, jwtMgr *auth.JWTManager, logger *zap.Logger) *LogStreamHandler {
	return &LogStreamHandler{
		relay:       rel,
		adminSecret: adminSecret,
		jwtMgr:      jwtMgr,
		logger:      logger.Named("log_stream"),
	}
}

// streamFilter is the per-connection event filter, fixed at connect time.
type streamFilter struct {
	robotID  string
	tenantID string
	minLevel int
}

func (f streamFilter) matches(ev relay.Event) bool {
	if f.robotID != "" && ev.RobotID != f.robotID {
		return false
	}
	if f.tenantID != "" && ev.TenantID != f.tenantID {
		return false
	}
	if ev.Level != "" && levelRank[ev.Level] < f.minLevel {
		return false
	}
	return true
}

// ServeWS handles the upgrade and pumps relay events to the client until it
// disconnects.
func (h *LogStreamHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || !adminTokenValid(token, h.adminSecret, h.jwtMgr) {
		ErrUnauthorized(w)
		return
	}

	filter := streamFilter{
		robotID:  r.URL.Query().Get("robot_id"),
		tenantID: r.URL.Query().Get("tenant_id"),
	}
	if lvl := r.URL.Query().Get("min_level"); lvl != "" {
		rank, ok := levelRank[lvl]
		if !ok {
			ErrBadRequest(w, "min_level must be one of debug, info, warn, error")
			return
		}
		filter.minLevel = rank
	}

	conn, err := robotUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("log stream upgrade failed", zap.Error(err))
		return
	}

	sub := h.relay.Subscribe(nil) // all topics; the filter narrows per event
	defer h.relay.Unsubscribe(sub)

	h.logger.Info("log stream connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("robot_id", filter.robotID),
		zap.String("tenant_id", filter.tenantID),
	)

	// readPump detects disconnection and answers pings; the stream itself
	// is server-push only.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(logStreamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(logStreamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(logStreamPing)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !filter.matches(ev) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(logStreamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("log stream write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(logStreamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-r.Context().Done():
			return
		}
	}
}
