// Package registry maintains the in-memory map of connected robots and runs
// each connection's lifecycle: authentication, registration, heartbeats,
// correlated request/reply, and teardown.
//
// All registry state is intentionally non-persistent: if the server
// restarts, robots reconnect and re-register through their reconnection
// loop. The persistent robot record lives in the database and is managed by
// RobotRepository.
//
// Invariant: at most one live Handle exists per robot_id. A Register from an
// already-connected robot_id supersedes the prior handle — the old socket is
// closed and its pending futures fail retryably.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/protocol"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// ErrReplyTimeout is returned by Request when the robot does not answer
// within the reply window. The dispatcher treats it like a reject and
// additionally puts the robot on a one-cycle cooldown.
var ErrReplyTimeout = errors.New("registry: reply timeout")

// Authenticator verifies a presented API key secret for a specific robot.
// Implemented by auth.APIKeyService.
type Authenticator interface {
	VerifyForRobot(ctx context.Context, secret, robotID, remoteIP string) (*db.APIKey, error)
}

// EventSink receives unsolicited robot messages (progress, completion,
// failure, logs) for fan-out and persistence. Implemented by the relay.
type EventSink interface {
	HandleRobotMessage(robotID string, msg *protocol.Message)
}

// Config tunes connection lifecycle timing.
type Config struct {
	// HeartbeatInterval is pushed to robots in RegisterAck.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a handle may go without a heartbeat
	// before the sweeper marks it stale. Defaults to 2× the interval.
	HeartbeatTimeout time.Duration

	// ReplyTimeout bounds Request waits.
	ReplyTimeout time.Duration

	// MetricsWriteInterval throttles persisting heartbeat metrics: the
	// handle is updated on every beat, the robot row at most once per
	// interval unless the status changed.
	MetricsWriteInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.MetricsWriteInterval <= 0 {
		c.MetricsWriteInterval = 15 * time.Second
	}
}

// Registry owns the robot_id → Handle map. The map mutex is held only for
// insert, remove, and lookup — never across a socket write or a DB call.
type Registry struct {
	cfg    Config
	robots repositories.RobotRepository
	jobs   repositories.JobRepository
	auth   Authenticator
	sink   EventSink
	m      *metrics.Metrics
	logger *zap.Logger

	mu      sync.RWMutex
	handles map[string]*Handle

	// wake is invoked whenever fleet availability may have increased
	// (registration, heartbeat with free capacity). The dispatcher installs
	// itself here at startup.
	wakeMu sync.Mutex
	wake   func()
}

// New creates a Registry. The event sink is installed afterwards with
// SetSink — the relay needs the registry for capacity release, so the two
// are wired in sequence at startup.
func New(cfg Config, robots repositories.RobotRepository, jobs repositories.JobRepository,
	authn Authenticator, m *metrics.Metrics, logger *zap.Logger) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		robots:  robots,
		jobs:    jobs,
		m:       m,
		auth:    authn,
		logger:  logger.Named("registry"),
		handles: make(map[string]*Handle),
	}
}

// SetSink installs the event sink. Must be called before the first
// connection is served.
func (r *Registry) SetSink(sink EventSink) {
	r.sink = sink
}

// SetWake installs the availability callback. Must be called before the
// first connection is served.
func (r *Registry) SetWake(f func()) {
	r.wakeMu.Lock()
	r.wake = f
	r.wakeMu.Unlock()
}

func (r *Registry) notifyAvailability() {
	r.wakeMu.Lock()
	f := r.wake
	r.wakeMu.Unlock()
	if f != nil {
		f()
	}
}

// Get returns the live handle for robotID, if any. Callers hold a weak
// reference: a false return means "offline" and is never an error.
func (r *Registry) Get(robotID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[robotID]
	return h, ok
}

// Snapshots returns a point-in-time copy of every connected robot's
// dispatch-relevant state.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// ReleaseJobSlot frees a capacity slot after a terminal job event. A
// missing handle means the robot went offline in between — nothing to free.
// Availability may have increased either way, so the dispatcher is woken.
func (r *Registry) ReleaseJobSlot(robotID, jobID string) {
	if h, ok := r.Get(robotID); ok {
		h.ReleaseJob(jobID)
	}
	r.notifyAvailability()
}

// TenantOf returns the tenant of a connected robot, or "" when offline.
func (r *Registry) TenantOf(robotID string) string {
	h, ok := r.Get(robotID)
	if !ok {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tenantID
}

// ConnectedCount returns the number of live handles.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// HeartbeatInterval exposes the configured cadence for RegisterAck and the
// sweeper schedule.
func (r *Registry) HeartbeatInterval() time.Duration { return r.cfg.HeartbeatInterval }

// ServeConn runs one robot connection to completion. It blocks until the
// socket closes; the HTTP upgrade handler calls it directly. presentedKey
// is the api_key query parameter and may be empty — the Register message's
// auth_token field is the fallback credential.
func (r *Registry) ServeConn(ctx context.Context, conn *websocket.Conn, robotID, presentedKey, remoteIP string) {
	h := newHandle(conn, robotID, remoteIP)
	logger := r.logger.With(
		zap.String("robot_id", robotID),
		zap.String("remote_addr", remoteIP),
	)

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.cfg.HeartbeatTimeout))
	})

	go h.writePump(r.cfg.HeartbeatInterval)

	// The peer must register within one heartbeat interval of connecting.
	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.HeartbeatInterval))

	first, err := r.readFrame(conn)
	if err != nil {
		logger.Debug("connection closed before register", zap.Error(err))
		h.close(closeReasonProtocol)
		return
	}
	if first.Type != protocol.TypeRegister {
		_ = h.Send(errorFrame("protocol_violation", "first message must be register"))
		h.close(closeReasonProtocol)
		logger.Warn("first message was not register", zap.String("type", string(first.Type)))
		return
	}

	var reg protocol.RegisterPayload
	if err := first.DecodePayload(&reg); err != nil {
		_ = h.Send(errorFrame("protocol_violation", "malformed register payload"))
		h.close(closeReasonProtocol)
		return
	}

	secret := presentedKey
	if secret == "" {
		secret = reg.AuthToken
	}
	if _, err := r.auth.VerifyForRobot(ctx, secret, robotID, remoteIP); err != nil {
		_ = h.Send(errorFrame("auth_failed", "authentication failed"))
		h.close(closeReasonAuth)
		logger.Warn("robot authentication failed", zap.Error(err))
		return
	}

	if err := r.completeRegistration(ctx, h, first, &reg); err != nil {
		// The handle may already be installed; run the full teardown so
		// the map never holds a closed handle.
		_ = h.Send(errorFrame("register_failed", "registration failed"))
		h.close(closeReasonProtocol)
		logger.Error("registration failed", zap.Error(err))
		r.teardown(ctx, h, logger)
		return
	}

	logger.Info("robot connected",
		zap.String("name", reg.RobotName),
		zap.Int("max_concurrent_jobs", maxJobsOrDefault(reg.MaxConcurrentJobs)),
		zap.Int("total_connected", r.ConnectedCount()),
	)

	r.readLoop(ctx, h, logger)
	r.teardown(ctx, h, logger)
}

// readFrame reads and decodes one envelope off the wire.
func (r *Registry) readFrame(conn *websocket.Conn) (*protocol.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func maxJobsOrDefault(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// completeRegistration persists the robot record, installs the handle
// (superseding any prior connection), and acks.
func (r *Registry) completeRegistration(ctx context.Context, h *Handle, msg *protocol.Message, reg *protocol.RegisterPayload) error {
	now := time.Now().UTC()
	name := reg.RobotName
	if name == "" {
		name = h.RobotID
	}
	hostname := reg.Hostname
	if hostname == "" {
		hostname = "robot-" + h.RobotID
	}
	tenant := reg.TenantID
	if tenant == "" {
		tenant = "default"
	}

	row := &db.Robot{
		RobotID:           h.RobotID,
		Name:              name,
		Hostname:          hostname,
		TenantID:          tenant,
		Environment:       reg.Environment,
		Version:           reg.Version,
		MaxConcurrentJobs: maxJobsOrDefault(reg.MaxConcurrentJobs),
		Capabilities:      db.EncodeStrings(reg.Capabilities),
		Tags:              db.EncodeStrings(reg.Tags),
		Status:            db.RobotStatusOnline,
		CurrentJobIDs:     "[]",
		LastSeenAt:        &now,
		LastHeartbeatAt:   &now,
	}
	if err := r.robots.Register(ctx, row); err != nil {
		return fmt.Errorf("persist robot: %w", err)
	}

	h.mu.Lock()
	h.state = stateRegistered
	h.name = row.Name
	h.tenantID = tenant
	h.maxJobs = row.MaxConcurrentJobs
	h.status = db.RobotStatusOnline
	h.lastHeartbeat = now
	h.tags = append([]string(nil), reg.Tags...)
	h.capabilities = make(map[string]struct{}, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		h.capabilities[c] = struct{}{}
	}
	h.mu.Unlock()

	r.install(h)

	ack, err := protocol.Reply(msg, protocol.TypeRegisterAck, protocol.RegisterAckPayload{
		Success: true,
		Message: "registered as " + row.Name,
		RobotID: h.RobotID,
		Config: protocol.RegisterAckConfig{
			HeartbeatInterval: int(r.cfg.HeartbeatInterval.Seconds()),
		},
	})
	if err != nil {
		return err
	}
	if err := h.Send(ack); err != nil {
		return err
	}

	r.m.ConnectedRobots.Set(float64(r.ConnectedCount()))
	r.notifyAvailability()
	return nil
}

// install puts the handle into the map, superseding any existing handle for
// the same robot_id. The superseded handle's futures fail; its in-flight
// jobs stay assigned — the new connection's first heartbeat reconciles them.
func (r *Registry) install(h *Handle) {
	r.mu.Lock()
	old, had := r.handles[h.RobotID]
	r.handles[h.RobotID] = h
	r.mu.Unlock()

	if had {
		r.logger.Warn("replacing existing robot connection",
			zap.String("robot_id", h.RobotID),
			zap.String("old_remote_addr", old.RemoteAddr),
			zap.String("new_remote_addr", h.RemoteAddr),
		)
		old.close(closeReasonSuperseded)
	}
}

// remove deletes the handle from the map if it is still the current one for
// its robot_id. Returns true if this call removed it.
func (r *Registry) remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.RobotID]; ok && cur == h {
		delete(r.handles, h.RobotID)
		return true
	}
	return false
}

// readLoop processes inbound frames in order until the connection dies.
// Per-connection errors never propagate: a bad frame is answered with an
// Error frame, a fatal one closes only this connection.
func (r *Registry) readLoop(ctx context.Context, h *Handle, logger *zap.Logger) {
	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(r.cfg.HeartbeatTimeout)); err != nil {
			return
		}
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debug("connection read error", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
			_ = h.Send(errorFrame("decode_error", "frame could not be decoded"))
			continue
		}

		r.route(ctx, h, msg, logger)

		if h.IsClosed() {
			return
		}
	}
}

// route dispatches one inbound message. Replies complete their future and
// stop there; everything else is handled by type.
func (r *Registry) route(ctx context.Context, h *Handle, msg *protocol.Message, logger *zap.Logger) {
	if msg.IsReply() && h.resolvePending(msg.CorrelationID, msg) {
		return
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		r.handleHeartbeat(ctx, h, msg, logger)

	case protocol.TypeJobProgress, protocol.TypeJobComplete, protocol.TypeJobFailed,
		protocol.TypeLogEntry, protocol.TypeLogBatch:
		r.sink.HandleRobotMessage(h.RobotID, msg)

	case protocol.TypeDisconnect:
		var p protocol.DisconnectPayload
		_ = msg.DecodePayload(&p)
		logger.Info("robot requested disconnect", zap.String("reason", p.Reason))
		h.close(closeReasonPeer)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = msg.DecodePayload(&p)
		logger.Warn("error frame from robot",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)

	case protocol.TypeRegister:
		// A second Register on the same socket is a protocol violation; a
		// reconnecting robot opens a new connection instead.
		_ = h.Send(errorFrame("protocol_violation", "already registered"))

	default:
		if !msg.Known() {
			// Forward-compatibility: a robot built against a newer catalog
			// may emit types this server does not know. Ignore, loudly once.
			logger.Debug("ignoring unknown message type", zap.String("type", string(msg.Type)))
			return
		}
		// Known but unsolicited reply types (stale JobAccept after timeout,
		// late JobCancelled) are dropped by design.
		logger.Debug("dropping uncorrelated message", zap.String("type", string(msg.Type)))
	}
}

// handleHeartbeat refreshes the handle's liveness cache, reconciles the
// robot's declared in-flight set against ours, persists a sampled update,
// and acks.
func (r *Registry) handleHeartbeat(ctx context.Context, h *Handle, msg *protocol.Message, logger *zap.Logger) {
	var hb protocol.HeartbeatPayload
	if err := msg.DecodePayload(&hb); err != nil {
		_ = h.Send(errorFrame("decode_error", "malformed heartbeat payload"))
		return
	}
	r.m.HeartbeatsTotal.Inc()

	now := time.Now().UTC()
	status := hb.Status
	if status == "" {
		status = db.RobotStatusOnline
	}

	h.mu.Lock()
	statusChanged := h.status != status
	h.status = status
	h.lastHeartbeat = now
	h.cpuPercent = hb.CPUPercent
	h.memPercent = hb.MemoryPercent
	h.diskPercent = hb.DiskPercent
	if h.state == stateRegistered {
		h.state = stateActive
	}

	// Reconcile: anything we think is in flight that the robot no longer
	// claims has been lost on the robot side — release it below, outside
	// the lock.
	declared := make(map[string]struct{}, len(hb.ActiveJobIDs))
	for _, id := range hb.ActiveJobIDs {
		declared[id] = struct{}{}
	}
	var lost []string
	for id := range h.currentJobs {
		if _, ok := declared[id]; !ok {
			lost = append(lost, id)
		}
	}
	for _, id := range lost {
		delete(h.currentJobs, id)
	}
	for id := range declared {
		h.currentJobs[id] = struct{}{}
	}
	jobIDs := make([]string, 0, len(h.currentJobs))
	for id := range h.currentJobs {
		jobIDs = append(jobIDs, id)
	}
	hasCapacity := status == db.RobotStatusOnline && len(h.currentJobs) < h.maxJobs
	writeDue := statusChanged || now.Sub(h.lastMetricsWrite) >= r.cfg.MetricsWriteInterval
	if writeDue {
		h.lastMetricsWrite = now
	}
	h.mu.Unlock()

	for _, id := range lost {
		r.releaseLostJob(ctx, h.RobotID, id, logger)
	}

	if writeDue {
		cpu, mem, disk := hb.CPUPercent, hb.MemoryPercent, hb.DiskPercent
		err := r.robots.UpdateStatus(ctx, h.RobotID, repositories.HeartbeatUpdate{
			Status:        status,
			HeartbeatAt:   now,
			CPUPercent:    &cpu,
			MemoryPercent: &mem,
			DiskPercent:   &disk,
		})
		if err != nil {
			logger.Warn("heartbeat status write failed", zap.Error(err))
		}
		if err := r.robots.UpdateCurrentJobs(ctx, h.RobotID, jobIDs); err != nil {
			logger.Warn("heartbeat job set write failed", zap.Error(err))
		}
	}

	ack, err := protocol.Reply(msg, protocol.TypeHeartbeatAck, nil)
	if err == nil {
		_ = h.Send(ack)
	}

	if hasCapacity {
		r.notifyAvailability()
	}
}

// releaseLostJob returns a job the robot no longer claims to the pending
// queue, if the store still shows it held by this robot.
func (r *Registry) releaseLostJob(ctx context.Context, robotID, jobID string, logger *zap.Logger) {
	job, err := findJobByID(ctx, r.jobs, jobID)
	if err != nil || job == nil {
		return
	}
	if job.AssignedRobotID != robotID || db.IsTerminalJobStatus(job.Status) {
		return
	}
	if err := r.jobs.Release(ctx, job.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		logger.Warn("failed to release lost job",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return
	}
	logger.Info("released job no longer claimed by robot",
		zap.String("job_id", jobID),
	)
	r.notifyAvailability()
}

// Request sends a message expecting a correlated reply and waits for it.
// On timeout or disconnect the pending future is failed and the caller
// translates the error into a dispatch outcome.
func (r *Registry) Request(ctx context.Context, h *Handle, msg *protocol.Message) (*protocol.Message, error) {
	future, err := h.registerPending(msg.ID)
	if err != nil {
		return nil, err
	}
	if err := h.Send(msg); err != nil {
		h.dropPending(msg.ID)
		return nil, err
	}

	timer := time.NewTimer(r.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-future:
		if !ok || reply == nil {
			return nil, ErrHandleClosed
		}
		return reply, nil
	case <-timer.C:
		h.dropPending(msg.ID)
		return nil, ErrReplyTimeout
	case <-ctx.Done():
		h.dropPending(msg.ID)
		return nil, ctx.Err()
	}
}

// teardown runs once per connection after the read loop exits. A superseded
// handle keeps its jobs (the replacement connection owns them now), and so
// does a handle that is no longer the current one or that closed for server
// shutdown; otherwise in-flight jobs release to pending and the robot row
// goes offline.
func (r *Registry) teardown(_ context.Context, h *Handle, logger *zap.Logger) {
	// Cleanup must finish even when the triggering request context is
	// already cancelled (server shutdown closes handles first).
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h.close(closeReasonPeer)
	wasCurrent := r.remove(h)
	r.m.ConnectedRobots.Set(float64(r.ConnectedCount()))

	h.mu.Lock()
	reason := h.closeReason
	h.mu.Unlock()

	logger.Info("robot disconnected",
		zap.String("reason", reason),
		zap.Duration("session_duration", time.Since(h.ConnectedAt)),
		zap.Int("total_connected", r.ConnectedCount()),
	)

	if reason == closeReasonSuperseded || !wasCurrent {
		return
	}
	if reason == closeReasonShutdown {
		// The robots keep executing through a server restart; their
		// reconnect heartbeats reconcile the in-flight set. Releasing here
		// would invite dual execution after the restart.
		return
	}

	released, err := r.jobs.ReleaseAllForRobot(ctx, h.RobotID)
	if err != nil {
		logger.Warn("failed to release jobs on disconnect", zap.Error(err))
	} else if released > 0 {
		logger.Info("released in-flight jobs on disconnect", zap.Int64("count", released))
		r.notifyAvailability()
	}

	err = r.robots.UpdateStatus(ctx, h.RobotID, repositories.HeartbeatUpdate{
		Status:      db.RobotStatusOffline,
		HeartbeatAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("failed to mark robot offline", zap.Error(err))
	}
	if err := r.robots.UpdateCurrentJobs(ctx, h.RobotID, nil); err != nil {
		logger.Warn("failed to clear robot job set", zap.Error(err))
	}
}

// CloseAll tears down every connection; called on server shutdown. Robots
// reconnect with backoff once the server is back.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.close(closeReasonShutdown)
	}
}

// findJobByID parses the string id and loads the row; nil, nil when the id
// is malformed or the row is gone.
func findJobByID(ctx context.Context, jobs repositories.JobRepository, id string) (*db.Job, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}
	job, err := jobs.GetByID(ctx, parsed)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	return job, err
}
