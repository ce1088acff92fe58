package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omerlefaruk/casare-orchestrator/internal/protocol"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/auth"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/dispatcher"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/registry"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/relay"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

const testAdminSecret = "test-admin-secret"

// harness wires the full orchestrator stack against a temp sqlite database
// and serves it over httptest, so tests exercise the real wire paths.
type harness struct {
	ts   *httptest.Server
	keys *auth.APIKeyService
	reg  *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "api-test.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	robotRepo := repositories.NewRobotRepository(gdb)
	jobRepo := repositories.NewJobRepository(gdb)
	keyRepo := repositories.NewAPIKeyRepository(gdb)
	logRepo := repositories.NewLogRepository(gdb)
	auditRepo := repositories.NewAuditRepository(gdb)

	apiKeys := auth.NewAPIKeyService(keyRepo, logger)
	jwtMgr, _, err := auth.NewJWTManager("", "casare-test")
	require.NoError(t, err)

	m := metrics.New()
	reg := registry.New(registry.Config{
		HeartbeatInterval: time.Second,
		ReplyTimeout:      2 * time.Second,
	}, robotRepo, jobRepo, apiKeys, m, logger)

	rel := relay.New(jobRepo, logRepo, reg, m, logger)
	reg.SetSink(rel)

	disp := dispatcher.New(dispatcher.Config{
		IdleBackoffMax: 100 * time.Millisecond,
		RejectHoldBase: 50 * time.Millisecond,
		RejectHoldMax:  200 * time.Millisecond,
		ErrorCooldown:  100 * time.Millisecond,
	}, jobRepo, auditRepo, reg, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx)

	router := NewRouter(RouterConfig{
		Logger:      logger,
		DB:          gdb,
		Registry:    reg,
		Dispatcher:  disp,
		Relay:       rel,
		Metrics:     m,
		APIKeys:     apiKeys,
		JWTManager:  jwtMgr,
		AdminSecret: testAdminSecret,
		Robots:      robotRepo,
		Jobs:        jobRepo,
		Logs:        logRepo,
		Keys:        keyRepo,
		Audit:       auditRepo,
	})

	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		reg.CloseAll()
		ts.Close()
	})

	return &harness{ts: ts, keys: apiKeys, reg: reg}
}

// robotConn is a minimal robot-side channel client for tests.
type robotConn struct {
	t    *testing.T
	conn *websocket.Conn
}

// dialRobot connects and completes the register handshake.
func (h *harness) dialRobot(t *testing.T, robotID, secret string, caps []string, maxJobs int) *robotConn {
	t.Helper()
	conn := h.dialRaw(t, robotID, secret)
	rc := &robotConn{t: t, conn: conn}

	rc.send(mustNew(t, protocol.TypeRegister, protocol.RegisterPayload{
		RobotName:         "test-" + robotID,
		Hostname:          "host-" + robotID,
		MaxConcurrentJobs: maxJobs,
		Capabilities:      caps,
	}))

	ack := rc.expect(protocol.TypeRegisterAck, 3*time.Second)
	var p protocol.RegisterAckPayload
	require.NoError(t, ack.DecodePayload(&p))
	require.True(t, p.Success)
	return rc
}

// dialRaw opens the channel socket without registering.
func (h *harness) dialRaw(t *testing.T, robotID, secret string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") +
		"/api/v1/ws/robot/" + robotID + "?api_key=" + secret
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (rc *robotConn) send(msg *protocol.Message) {
	rc.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(rc.t, err)
	require.NoError(rc.t, rc.conn.WriteMessage(websocket.TextMessage, data))
}

// expect reads frames until one of the wanted type arrives or the deadline
// passes. Other frames (acks, pings are handled by gorilla) are skipped.
func (rc *robotConn) expect(typ protocol.Type, timeout time.Duration) *protocol.Message {
	rc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		require.NoError(rc.t, rc.conn.SetReadDeadline(deadline))
		_, data, err := rc.conn.ReadMessage()
		require.NoError(rc.t, err, "waiting for %s", typ)
		msg, err := protocol.Decode(data)
		require.NoError(rc.t, err)
		if msg.Type == typ {
			return msg
		}
	}
}

func mustNew(t *testing.T, typ protocol.Type, payload any) *protocol.Message {
	t.Helper()
	msg, err := protocol.New(typ, payload)
	require.NoError(t, err)
	return msg
}

// --- HTTP helpers ---

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminSecret}
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var wrapper struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapper))
	return wrapper.Data
}

// jobStatus polls the job's current status. It avoids test assertions so it
// is safe to call from Eventually's polling goroutine; transport errors
// report as "" and simply fail the condition.
func (h *harness) jobStatus(jobID string) string {
	resp, err := http.Get(h.ts.URL + "/api/v1/jobs/" + jobID)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var wrapper struct {
		Data jobResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return ""
	}
	return wrapper.Data.Status
}

// --- Scenarios ---

func TestHappyPathDispatch(t *testing.T) {
	h := newHarness(t)

	_, secret, err := h.keys.Mint(context.Background(), "r1", nil)
	require.NoError(t, err)
	rc := h.dialRobot(t, "r1", secret, []string{"browser"}, 1)

	// Robot is visible and connected through the fleet API.
	resp := h.do(t, http.MethodGet, "/api/v1/robots/r1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	robot := decodeData[robotResponse](t, resp)
	assert.True(t, robot.Connected)
	assert.Equal(t, "online", robot.Status)

	// Submit a job; the dispatcher should assign it to r1.
	resp = h.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_name": "demo",
		"workflow_json": map[string]any{"nodes": []any{}},
		"priority":      "normal",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decodeData[jobResponse](t, resp)

	assign := rc.expect(protocol.TypeJobAssign, 5*time.Second)
	var assignPayload protocol.JobAssignPayload
	require.NoError(t, assign.DecodePayload(&assignPayload))
	assert.Equal(t, job.JobID, assignPayload.JobID)
	assert.Equal(t, "demo", assignPayload.WorkflowName)

	// Accept, report progress, complete.
	reply, err := protocol.Reply(assign, protocol.TypeJobAccept, protocol.JobAcceptPayload{JobID: job.JobID})
	require.NoError(t, err)
	rc.send(reply)

	rc.send(mustNew(t, protocol.TypeJobProgress, protocol.JobProgressPayload{
		JobID:    job.JobID,
		Progress: 50,
	}))
	rc.send(mustNew(t, protocol.TypeJobComplete, protocol.JobCompletePayload{
		JobID:      job.JobID,
		Result:     map[string]any{"rows": 12.0},
		DurationMS: 80,
	}))

	require.Eventually(t, func() bool {
		return h.jobStatus(job.JobID) == db.JobStatusSucceeded
	}, 5*time.Second, 50*time.Millisecond, "job should reach succeeded")
}

func TestRejectThenRequeue(t *testing.T) {
	h := newHarness(t)

	_, secret, err := h.keys.Mint(context.Background(), "r1", nil)
	require.NoError(t, err)
	rc := h.dialRobot(t, "r1", secret, []string{"gpu"}, 1)

	resp := h.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_name":         "render",
		"workflow_json":         map[string]any{"nodes": []any{}},
		"required_capabilities": []string{"gpu"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decodeData[jobResponse](t, resp)

	// First assignment: reject as busy. The job returns to pending and is
	// retried after the hold window.
	first := rc.expect(protocol.TypeJobAssign, 5*time.Second)
	reject, err := protocol.Reply(first, protocol.TypeJobReject, protocol.JobRejectPayload{
		JobID:  job.JobID,
		Reason: "busy",
	})
	require.NoError(t, err)
	rc.send(reject)

	// Second assignment: accept and complete.
	second := rc.expect(protocol.TypeJobAssign, 5*time.Second)
	accept, err := protocol.Reply(second, protocol.TypeJobAccept, protocol.JobAcceptPayload{JobID: job.JobID})
	require.NoError(t, err)
	rc.send(accept)
	rc.send(mustNew(t, protocol.TypeJobComplete, protocol.JobCompletePayload{JobID: job.JobID}))

	require.Eventually(t, func() bool {
		return h.jobStatus(job.JobID) == db.JobStatusSucceeded
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCancelPendingJob(t *testing.T) {
	h := newHarness(t)

	// No robot has the capability: the job stays pending.
	resp := h.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_name":         "stuck",
		"workflow_json":         map[string]any{"nodes": []any{}},
		"required_capabilities": []string{"quantum"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decodeData[jobResponse](t, resp)

	assert.Equal(t, db.JobStatusPending, h.jobStatus(job.JobID))

	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/"+job.JobID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, db.JobStatusCancelled, h.jobStatus(job.JobID))
}

func TestKeyLifecycleAndRevocationSemantics(t *testing.T) {
	h := newHarness(t)

	// Unauthenticated key management is rejected.
	resp := h.do(t, http.MethodPost, "/api/v1/keys", map[string]any{"robot_id": "r1"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Mint through the REST surface; the secret appears exactly once.
	resp = h.do(t, http.MethodPost, "/api/v1/keys", map[string]any{"robot_id": "r1"}, adminHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	minted := decodeData[keyCreateResponse](t, resp)
	require.NotEmpty(t, minted.Secret)
	require.NotEmpty(t, minted.KeyID)

	// Listing never exposes secrets.
	resp = h.do(t, http.MethodGet, "/api/v1/keys", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[listKeysResponse](t, resp)
	require.Len(t, list.Items, 1)

	// Connect a robot with the minted secret, then revoke the key. The
	// live connection survives; a fresh connection is refused.
	rc := h.dialRobot(t, "r1", minted.Secret, nil, 1)

	resp = h.do(t, http.MethodDelete, "/api/v1/keys/"+minted.KeyID, nil, adminHeaders())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	rc.send(mustNew(t, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Status: "online"}))
	rc.expect(protocol.TypeHeartbeatAck, 3*time.Second)

	conn := h.dialRaw(t, "r1", minted.Secret)
	data, err := protocol.Encode(mustNew(t, protocol.TypeRegister, protocol.RegisterPayload{
		RobotName: "reconnect",
	}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	errMsg, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, errMsg.Type)
	var ep protocol.ErrorPayload
	require.NoError(t, errMsg.DecodePayload(&ep))
	assert.Equal(t, "auth_failed", ep.Code)
}

func TestReconnectSupersedes(t *testing.T) {
	h := newHarness(t)

	_, secret, err := h.keys.Mint(context.Background(), "r1", nil)
	require.NoError(t, err)

	first := h.dialRobot(t, "r1", secret, nil, 1)
	second := h.dialRobot(t, "r1", secret, nil, 1)

	// The first connection receives a close; the second stays usable.
	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := first.conn.ReadMessage()
		if err != nil {
			break
		}
	}

	second.send(mustNew(t, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Status: "online"}))
	second.expect(protocol.TypeHeartbeatAck, 3*time.Second)

	assert.Equal(t, 1, h.reg.ConnectedCount())
}

func TestSubmitJobValidation(t *testing.T) {
	h := newHarness(t)

	// Missing workflow_name.
	resp := h.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_json": map[string]any{"nodes": []any{}},
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var wrapper struct {
		Error errorResponse `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapper))
	assert.Equal(t, "validation_error", wrapper.Error.Code)

	// Invalid priority.
	resp = h.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"workflow_name": "x",
		"workflow_json": map[string]any{},
		"priority":      "urgent",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobNotFoundAndBadID(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/jobs/2ec84da6-55a1-4e1a-92d0-94c97c0841d2", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterRateLimit(t *testing.T) {
	h := newHarness(t)

	var got429 bool
	for i := 0; i < 15; i++ {
		resp := h.do(t, http.MethodPost, "/api/v1/robots/register", map[string]any{
			"robot_id": fmt.Sprintf("rl-%d", i),
			"name":     fmt.Sprintf("RL %d", i),
			"hostname": fmt.Sprintf("rl-host-%d", i),
		}, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			got429 = true
			break
		}
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	assert.True(t, got429, "register burst should trip the rate limit")
}

func TestAdminTokenFlow(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
		"admin_secret": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{
		"admin_secret": testAdminSecret,
		"operator":     "alice",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := decodeData[map[string]string](t, resp)["token"]
	require.NotEmpty(t, token)

	// The JWT works wherever the static secret does.
	resp = h.do(t, http.MethodGet, "/api/v1/keys", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHeartbeatSelfHealsOverREST(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/robots/ghost-7/heartbeat", map[string]any{
		"status": "online",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/robots/ghost-7", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	robot := decodeData[robotResponse](t, resp)
	assert.Equal(t, "robot-ghost-7", robot.Name)
	assert.Equal(t, "online", robot.Status)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
