// Package connection manages the persistent WebSocket channel between a
// robot and the orchestrator. It handles:
//   - Initial registration (identity self-declaration, capacity, capabilities)
//   - The heartbeat loop (liveness + host metrics + active job ids)
//   - Job assignment handling (accept/reject by capacity, forwarding to the runner)
//   - Correlated replies (JobCancelled, StatusResponse)
//   - Pause/Resume/Shutdown admin commands
//   - Automatic reconnection with exponential backoff + jitter on any failure
//
// State persistence: the robot id is chosen once and written to
// <state-dir>/robot-state.json so the orchestrator matches the robot to its
// existing record on every reconnect instead of creating a duplicate.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omerlefaruk/casare-orchestrator/internal/protocol"
	"github.com/omerlefaruk/casare-orchestrator/internal/robot/runner"
	"github.com/omerlefaruk/casare-orchestrator/internal/robot/sysinfo"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many robots reconnect simultaneously.
	jitterFraction = 0.2

	// defaultHeartbeatInterval applies until RegisterAck overrides it.
	defaultHeartbeatInterval = 30 * time.Second

	// registerTimeout bounds the wait for RegisterAck after connecting.
	registerTimeout = 15 * time.Second

	writeWait = 10 * time.Second
)

// errShutdown signals an orderly server-commanded stop; the reconnect loop
// exits instead of retrying.
var errShutdown = errors.New("shutdown requested by server")

// robotState is persisted to disk after the first run so the robot keeps a
// stable identity across restarts.
type robotState struct {
	RobotID string `json:"robot_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "robot-state.json")
}

// loadState reads the persisted robot state. Returns a zero state if the
// file does not exist yet.
func loadState(stateDir string) (robotState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return robotState{}, nil
		}
		return robotState{}, fmt.Errorf("connection: failed to read state file: %w", err)
	}
	var s robotState
	if err := json.Unmarshal(data, &s); err != nil {
		return robotState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the robot state atomically via temp file + rename.
func saveState(stateDir string, s robotState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("connection: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "robot-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds everything needed to connect to the orchestrator.
type Config struct {
	// ServerURL is the orchestrator base URL (e.g. "ws://localhost:8080").
	ServerURL string

	// APIKey is the secret minted by the orchestrator admin for this robot.
	APIKey string

	// RobotID overrides the persisted/generated identity. Normally left
	// empty so the state file governs.
	RobotID string

	// StateDir is where robot-state.json is persisted.
	StateDir string

	RobotName         string
	Environment       string
	TenantID          string
	Version           string
	MaxConcurrentJobs int
	Capabilities      []string
	Tags              []string
}

// Manager maintains the persistent channel to the orchestrator and owns the
// robot-side job bookkeeping. It implements runner.Reporter so the runner
// can emit progress and logs without knowing about the wire.
type Manager struct {
	cfg    Config
	run    runner.Runner
	logger *zap.Logger

	robotID string

	mu sync.Mutex
	// conn and send are replaced on every reconnect.
	conn *websocket.Conn
	send chan *protocol.Message
	// active maps job id → cancel func for the running execution.
	active map[string]context.CancelFunc
	paused bool

	heartbeatInterval time.Duration
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, r runner.Runner, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}

	robotID := cfg.RobotID
	if robotID == "" {
		state, err := loadState(cfg.StateDir)
		if err != nil {
			logger.Warn("failed to load robot state, generating a new identity", zap.Error(err))
		}
		robotID = state.RobotID
	}
	if robotID == "" {
		robotID = uuid.NewString()
		if err := saveState(cfg.StateDir, robotState{RobotID: robotID}); err != nil {
			// Non-fatal: a fresh id on the next start registers as a new
			// robot, which the operator can clean up.
			logger.Warn("failed to persist robot state", zap.Error(err))
		}
	}

	return &Manager{
		cfg:               cfg,
		run:               r,
		logger:            logger.Named("connection"),
		robotID:           robotID,
		active:            make(map[string]context.CancelFunc),
		heartbeatInterval: defaultHeartbeatInterval,
	}, nil
}

// RobotID returns the stable identity used on the channel.
func (m *Manager) RobotID() string { return m.robotID }

// Run starts the connection loop: connect, register, serve; on any failure
// reconnect with exponential backoff. Blocks until ctx is cancelled or the
// server commands a shutdown.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to orchestrator",
			zap.String("server", m.cfg.ServerURL),
			zap.String("robot_id", m.robotID),
		)

		err := m.session(ctx)
		if errors.Is(err, errShutdown) {
			m.logger.Info("shutdown command received, exiting")
			return
		}
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}
		if err != nil {
			m.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Orderly session end — reset backoff before reconnecting.
		backoff = backoffInitial
	}
}

// session runs one connection: dial → register → serve loops. Returns when
// the connection dies or a shutdown is commanded.
func (m *Manager) session(ctx context.Context) error {
	channelURL, err := m.channelURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, channelURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	send := make(chan *protocol.Message, 64)
	m.mu.Lock()
	m.conn = conn
	m.send = send
	m.mu.Unlock()

	if err := m.register(conn); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	m.logger.Info("registered with orchestrator",
		zap.String("robot_id", m.robotID),
		zap.Duration("heartbeat_interval", m.heartbeatInterval),
	)

	// The session's task group: read loop, write loop, heartbeat loop. The
	// first failure tears the whole session down and the outer loop
	// reconnects.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.writeLoop(gctx, conn, send) })
	g.Go(func() error { return m.readLoop(gctx, conn) })
	g.Go(func() error { return m.heartbeatLoop(gctx) })

	err = g.Wait()
	if ctx.Err() != nil && !errors.Is(err, errShutdown) {
		return nil
	}
	return err
}

// channelURL builds the robot channel URL from the base server URL.
func (m *Manager) channelURL() (string, error) {
	base, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	base.Path = "/api/v1/ws/robot/" + m.robotID
	q := base.Query()
	q.Set("api_key", m.cfg.APIKey)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// register sends the mandatory first message and waits for RegisterAck,
// applying the server's heartbeat interval override.
func (m *Manager) register(conn *websocket.Conn) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	msg, err := protocol.New(protocol.TypeRegister, protocol.RegisterPayload{
		RobotName:         m.cfg.RobotName,
		Environment:       m.cfg.Environment,
		Hostname:          hostname,
		Version:           m.cfg.Version,
		TenantID:          m.cfg.TenantID,
		MaxConcurrentJobs: m.cfg.MaxConcurrentJobs,
		Tags:              m.cfg.Tags,
		Capabilities:      m.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		return err
	}

	switch reply.Type {
	case protocol.TypeRegisterAck:
		var ack protocol.RegisterAckPayload
		if err := reply.DecodePayload(&ack); err != nil {
			return err
		}
		if !ack.Success {
			return fmt.Errorf("server refused registration: %s", ack.Message)
		}
		if ack.Config.HeartbeatInterval > 0 {
			m.heartbeatInterval = time.Duration(ack.Config.HeartbeatInterval) * time.Second
		}
		return nil

	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = reply.DecodePayload(&p)
		return fmt.Errorf("server rejected connection: %s: %s", p.Code, p.Message)

	default:
		return fmt.Errorf("expected register_ack, got %s", reply.Type)
	}
}

// writeLoop is the only goroutine that writes to the socket.
func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan *protocol.Message) error {
	for {
		select {
		case <-ctx.Done():
			// Orderly exit: announce the disconnect in-band, then close.
			if bye, err := protocol.New(protocol.TypeDisconnect, protocol.DisconnectPayload{
				Reason: "robot stopping",
			}); err == nil {
				if data, err := protocol.Encode(bye); err == nil {
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.TextMessage, data)
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "robot stopping"))
			return ctx.Err()
		case msg := <-send:
			data, err := protocol.Encode(msg)
			if err != nil {
				m.logger.Warn("failed to encode outbound message", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
		}
	}
}

// enqueue hands a message to the current session's write loop. Messages for
// a dead session are dropped — the reconnect re-synchronizes state through
// registration and heartbeats.
func (m *Manager) enqueue(msg *protocol.Message) {
	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	if send == nil {
		return
	}
	select {
	case send <- msg:
	default:
		m.logger.Warn("outbound queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// readLoop processes orchestrator messages until the connection dies.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// The server pings on its heartbeat cadence; allow two intervals.
	deadline := 2 * m.heartbeatInterval
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			m.logger.Warn("undecodable frame from server", zap.Error(err))
			continue
		}

		if err := m.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// handle routes one orchestrator message. Only errShutdown propagates; any
// other problem is connection-local and logged.
func (m *Manager) handle(ctx context.Context, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeJobAssign:
		m.onJobAssign(ctx, msg)
	case protocol.TypeJobCancel:
		m.onJobCancel(msg)
	case protocol.TypeStatusRequest:
		m.onStatusRequest(msg)
	case protocol.TypePause:
		m.setPaused(true)
		m.logger.Info("paused by orchestrator")
	case protocol.TypeResume:
		m.setPaused(false)
		m.logger.Info("resumed by orchestrator")
	case protocol.TypeShutdown:
		return errShutdown
	case protocol.TypeHeartbeatAck, protocol.TypeRegisterAck:
		// Acks need no action.
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = msg.DecodePayload(&p)
		m.logger.Warn("error frame from orchestrator",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)
	default:
		if !msg.Known() {
			m.logger.Debug("ignoring unknown message type", zap.String("type", string(msg.Type)))
		}
	}
	return nil
}

func (m *Manager) setPaused(v bool) {
	m.mu.Lock()
	m.paused = v
	m.mu.Unlock()
}

// onJobAssign accepts or rejects an assignment, then runs accepted jobs in
// their own goroutine so the read loop keeps serving the channel.
func (m *Manager) onJobAssign(ctx context.Context, msg *protocol.Message) {
	var p protocol.JobAssignPayload
	if err := msg.DecodePayload(&p); err != nil {
		m.logger.Warn("malformed job assignment", zap.Error(err))
		return
	}

	m.mu.Lock()
	reason := ""
	switch {
	case m.paused:
		reason = "paused"
	case len(m.active) >= m.cfg.MaxConcurrentJobs:
		reason = "busy"
	}
	var jobCtx context.Context
	var cancel context.CancelFunc
	if reason == "" {
		jobCtx, cancel = context.WithCancel(ctx)
		m.active[p.JobID] = cancel
	}
	m.mu.Unlock()

	if reason != "" {
		reject, err := protocol.Reply(msg, protocol.TypeJobReject, protocol.JobRejectPayload{
			JobID:  p.JobID,
			Reason: reason,
		})
		if err == nil {
			m.enqueue(reject)
		}
		m.logger.Info("rejected job",
			zap.String("job_id", p.JobID),
			zap.String("reason", reason),
		)
		return
	}

	accept, err := protocol.Reply(msg, protocol.TypeJobAccept, protocol.JobAcceptPayload{JobID: p.JobID})
	if err == nil {
		m.enqueue(accept)
	}
	m.logger.Info("accepted job",
		zap.String("job_id", p.JobID),
		zap.String("workflow", p.WorkflowName),
	)

	go m.executeJob(jobCtx, p)
}

// executeJob runs one accepted job through the runner and reports the
// terminal outcome.
func (m *Manager) executeJob(ctx context.Context, p protocol.JobAssignPayload) {
	started := time.Now()

	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := m.run.Run(ctx, runner.Job{
		ID:           p.JobID,
		WorkflowName: p.WorkflowName,
		WorkflowJSON: []byte(p.WorkflowJSON),
		Parameters:   p.Parameters,
		Timeout:      timeout,
	}, m)

	m.mu.Lock()
	delete(m.active, p.JobID)
	m.mu.Unlock()

	switch {
	case err == nil:
		done, buildErr := protocol.New(protocol.TypeJobComplete, protocol.JobCompletePayload{
			JobID:      p.JobID,
			Result:     result,
			DurationMS: time.Since(started).Milliseconds(),
		})
		if buildErr == nil {
			m.enqueue(done)
		}
		m.logger.Info("job complete",
			zap.String("job_id", p.JobID),
			zap.Duration("duration", time.Since(started)),
		)

	case errors.Is(err, context.Canceled):
		// Cancellation is acknowledged by onJobCancel; nothing further to
		// report here.
		m.logger.Info("job cancelled", zap.String("job_id", p.JobID))

	default:
		errType := "execution_error"
		if errors.Is(err, context.DeadlineExceeded) {
			errType = "timeout"
		}
		failed, buildErr := protocol.New(protocol.TypeJobFailed, protocol.JobFailedPayload{
			JobID:        p.JobID,
			ErrorMessage: err.Error(),
			ErrorType:    errType,
		})
		if buildErr == nil {
			m.enqueue(failed)
		}
		m.logger.Warn("job failed",
			zap.String("job_id", p.JobID),
			zap.Error(err),
		)
	}
}

// onJobCancel stops a running job and acks with JobCancelled. An unknown
// job id still acks — the job may have finished a moment ago, and the
// orchestrator only needs to know the cancel was processed.
func (m *Manager) onJobCancel(msg *protocol.Message) {
	var p protocol.JobCancelPayload
	if err := msg.DecodePayload(&p); err != nil {
		m.logger.Warn("malformed cancel", zap.Error(err))
		return
	}

	m.mu.Lock()
	cancel, ok := m.active[p.JobID]
	m.mu.Unlock()
	if ok {
		cancel()
	}

	ack, err := protocol.Reply(msg, protocol.TypeJobCancelled, protocol.JobCancelledPayload{JobID: p.JobID})
	if err == nil {
		m.enqueue(ack)
	}
	m.logger.Info("cancel processed",
		zap.String("job_id", p.JobID),
		zap.String("reason", p.Reason),
		zap.Bool("was_running", ok),
	)
}

// onStatusRequest answers with the current status snapshot, correlated.
func (m *Manager) onStatusRequest(msg *protocol.Message) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	paused := m.paused
	m.mu.Unlock()

	resp, err := protocol.Reply(msg, protocol.TypeStatusReply, protocol.StatusResponsePayload{
		Status:       m.currentStatus(len(ids), paused),
		ActiveJobIDs: ids,
		Paused:       paused,
	})
	if err == nil {
		m.enqueue(resp)
	}
}

func (m *Manager) currentStatus(activeJobs int, paused bool) string {
	switch {
	case paused:
		return "maintenance"
	case activeJobs >= m.cfg.MaxConcurrentJobs:
		return "busy"
	default:
		return "online"
	}
}

// heartbeatLoop sends periodic liveness reports with host metrics and the
// active job set.
func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.active))
			for id := range m.active {
				ids = append(ids, id)
			}
			paused := m.paused
			m.mu.Unlock()

			metrics := sysinfo.Collect()
			hb, err := protocol.New(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
				Status:        m.currentStatus(len(ids), paused),
				CurrentJobs:   len(ids),
				CPUPercent:    metrics.CPUPercent,
				MemoryPercent: metrics.MemoryPercent,
				DiskPercent:   metrics.DiskPercent,
				ActiveJobIDs:  ids,
			})
			if err != nil {
				continue
			}
			m.enqueue(hb)
			m.logger.Debug("heartbeat sent", zap.Int("active_jobs", len(ids)))
		}
	}
}

// Progress implements runner.Reporter.
func (m *Manager) Progress(jobID string, percent float64, currentNode, message string) {
	msg, err := protocol.New(protocol.TypeJobProgress, protocol.JobProgressPayload{
		JobID:       jobID,
		Progress:    percent,
		CurrentNode: currentNode,
		Message:     message,
	})
	if err == nil {
		m.enqueue(msg)
	}
}

// Log implements runner.Reporter.
func (m *Manager) Log(jobID, level, message, nodeID string) {
	msg, err := protocol.New(protocol.TypeLogEntry, protocol.LogEntryPayload{
		JobID:     jobID,
		Level:     level,
		Source:    "robot",
		Message:   message,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		m.enqueue(msg)
	}
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
