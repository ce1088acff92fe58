// Package dispatcher matches pending jobs to available robots and drives the
// correlated assign/accept/reject exchange over the robot channel.
//
// The loop is wake-driven: job enqueue, robot registration, and heartbeats
// with free capacity all nudge it. When an iteration places nothing it backs
// off exponentially up to a small cap, so an empty queue costs almost
// nothing and a burst is picked up within milliseconds.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/protocol"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/registry"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// Config tunes the dispatch loop.
type Config struct {
	// BatchSize bounds the candidate jobs considered per iteration.
	BatchSize int

	// IdleBackoffMax caps the sleep between empty iterations.
	IdleBackoffMax time.Duration

	// RejectHoldBase seeds the exponential hold applied to a job rejected
	// by every currently-eligible robot; RejectHoldMax caps it.
	RejectHoldBase time.Duration
	RejectHoldMax  time.Duration

	// ErrorCooldown is how long a robot that timed out a reply is excluded
	// from selection ("marked error for one cycle").
	ErrorCooldown time.Duration

	// TimeoutGrace pads a job's own timeout_seconds before the watchdog
	// marks it timed_out.
	TimeoutGrace time.Duration

	// ActiveCancel, when set, sends a best-effort JobCancel to the owning
	// robot when the watchdog times a job out. Default is the source's
	// passive behavior.
	ActiveCancel bool
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.IdleBackoffMax <= 0 {
		c.IdleBackoffMax = 2 * time.Second
	}
	if c.RejectHoldBase <= 0 {
		c.RejectHoldBase = 5 * time.Second
	}
	if c.RejectHoldMax <= 0 {
		c.RejectHoldMax = 5 * time.Minute
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = 2 * time.Second
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = 60 * time.Second
	}
}

// Dispatcher owns the match loop. It never mutates handles beyond the
// capacity counter, and it holds no handle locks during selection — the
// eligibility predicate runs over registry snapshots.
type Dispatcher struct {
	cfg    Config
	jobs   repositories.JobRepository
	audit  repositories.AuditRepository
	reg    *registry.Registry
	m      *metrics.Metrics
	logger *zap.Logger

	// wake coalesces nudges; buffered size 1 so a wake during an iteration
	// is not lost and a thousand wakes cost one.
	wake chan struct{}

	mu sync.Mutex
	// holds maps job id → earliest next attempt, for reject-storm backoff.
	holds map[uuid.UUID]holdState
	// cooldowns maps robot id → until, for reply-timeout exclusion.
	cooldowns map[string]time.Time
}

type holdState struct {
	until    time.Time
	attempts int
}

// New creates a Dispatcher and installs its wake hook on the registry.
func New(cfg Config, jobs repositories.JobRepository, audit repositories.AuditRepository,
	reg *registry.Registry, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		cfg:       cfg,
		jobs:      jobs,
		audit:     audit,
		reg:       reg,
		m:         m,
		logger:    logger.Named("dispatcher"),
		wake:      make(chan struct{}, 1),
		holds:     make(map[uuid.UUID]holdState),
		cooldowns: make(map[string]time.Time),
	}
	reg.SetWake(d.Wake)
	return d
}

// Wake nudges the loop; safe from any goroutine, never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled. Call in its own
// goroutine; multiple workers are not needed — one loop serializes the
// critical section and the per-robot sends are the only slow part.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("idle_backoff_max", d.cfg.IdleBackoffMax),
	)

	backoff := 50 * time.Millisecond
	for {
		placed := d.iterate(ctx)
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopped")
			return
		}

		if placed > 0 {
			backoff = 50 * time.Millisecond
			continue
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-d.wake:
			backoff = 50 * time.Millisecond
		case <-time.After(backoff):
			backoff *= 2
			if backoff > d.cfg.IdleBackoffMax {
				backoff = d.cfg.IdleBackoffMax
			}
		}
	}
}

// iterate runs one pass over the candidate batch and returns how many jobs
// were successfully placed. Errors are logged and the loop continues — a
// single failure never terminates dispatch.
func (d *Dispatcher) iterate(ctx context.Context) int {
	candidates, err := d.jobs.NextPending(ctx, d.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("candidate query failed", zap.Error(err))
		}
		return 0
	}
	if len(candidates) == 0 {
		return 0
	}

	snapshots := d.reg.Snapshots()
	now := time.Now()
	placed := 0

	for i := range candidates {
		job := &candidates[i]

		if d.onHold(job.ID, now) {
			continue
		}

		eligible := d.eligibleRobots(job, snapshots, now)
		if len(eligible) == 0 {
			continue
		}

		if d.tryAssign(ctx, job, eligible) {
			placed++
			// Refresh the snapshot view so the next candidate sees the
			// reduced capacity.
			snapshots = d.reg.Snapshots()
		}
	}
	return placed
}

// onHold reports whether the job is inside its reject-backoff window.
func (d *Dispatcher) onHold(id uuid.UUID, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.holds[id]
	return ok && now.Before(h.until)
}

// eligibleRobots applies the selection predicate over the registry snapshot
// and orders the result by the tie-break: fewest current jobs, then most
// recent heartbeat, then stable by robot_id.
func (d *Dispatcher) eligibleRobots(job *db.Job, snapshots []registry.Snapshot, now time.Time) []registry.Snapshot {
	required := db.DecodeStrings(job.RequiredCapabilities)

	d.mu.Lock()
	cooldowns := make(map[string]time.Time, len(d.cooldowns))
	for k, v := range d.cooldowns {
		if now.Before(v) {
			cooldowns[k] = v
		} else {
			delete(d.cooldowns, k)
		}
	}
	d.mu.Unlock()

	var out []registry.Snapshot
	for _, s := range snapshots {
		if s.Status != db.RobotStatusOnline {
			continue
		}
		if s.CurrentJobs >= s.MaxJobs {
			continue
		}
		if _, cooling := cooldowns[s.RobotID]; cooling {
			continue
		}
		if job.RequestedRobotID != "" && job.RequestedRobotID != s.RobotID {
			continue
		}
		if !hasAll(s.Capabilities, required) {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentJobs != out[j].CurrentJobs {
			return out[i].CurrentJobs < out[j].CurrentJobs
		}
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
		}
		return out[i].RobotID < out[j].RobotID
	})
	return out
}

func hasAll(have map[string]struct{}, want []string) bool {
	for _, w := range want {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// tryAssign walks the eligible list in tie-break order until one robot
// accepts. Claim-first ordering keeps the invariant that an assigned job
// always has a store-side owner before the wire sees it.
func (d *Dispatcher) tryAssign(ctx context.Context, job *db.Job, eligible []registry.Snapshot) bool {
	rejectedByAll := true

	for _, robot := range eligible {
		outcome := d.assignTo(ctx, job, robot.RobotID)
		switch outcome {
		case assignAccepted:
			d.clearHold(job.ID)
			return true
		case assignSkip:
			// Job vanished from under us (cancelled, claimed elsewhere).
			return false
		case assignRejected, assignTimeout:
			continue
		case assignStoreFailed:
			rejectedByAll = false
			continue
		}
	}

	if rejectedByAll && len(eligible) > 0 {
		d.holdJob(job.ID)
	}
	return false
}

type assignOutcome int

const (
	assignAccepted assignOutcome = iota
	assignRejected
	assignTimeout
	assignSkip
	assignStoreFailed
)

// assignTo performs the full claim → reserve → send → await exchange with
// one robot, unwinding cleanly at each failure point.
func (d *Dispatcher) assignTo(ctx context.Context, job *db.Job, robotID string) assignOutcome {
	logger := d.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("robot_id", robotID),
	)
	started := time.Now()

	handle, ok := d.reg.Get(robotID)
	if !ok {
		return assignRejected
	}

	if err := d.jobs.Claim(ctx, job.ID, robotID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return assignSkip
		}
		logger.Warn("claim failed", zap.Error(err))
		d.m.DispatchFailuresTotal.WithLabelValues("store").Inc()
		return assignStoreFailed
	}

	if !handle.ReserveJob(job.ID.String()) {
		// Capacity raced away between snapshot and reserve.
		d.releaseClaim(ctx, job.ID, logger)
		return assignRejected
	}

	assign, err := protocol.New(protocol.TypeJobAssign, protocol.JobAssignPayload{
		JobID:          job.ID.String(),
		WorkflowID:     job.WorkflowID,
		WorkflowName:   job.WorkflowName,
		WorkflowJSON:   json.RawMessage(job.WorkflowJSON),
		Priority:       db.PriorityToString(job.Priority),
		TimeoutSeconds: job.TimeoutSeconds,
		Parameters:     db.DecodeMap(job.Parameters),
	})
	if err != nil {
		handle.ReleaseJob(job.ID.String())
		d.releaseClaim(ctx, job.ID, logger)
		logger.Error("failed to build assignment", zap.Error(err))
		return assignStoreFailed
	}

	reply, err := d.reg.Request(ctx, handle, assign)
	if err != nil {
		handle.ReleaseJob(job.ID.String())
		d.releaseClaim(ctx, job.ID, logger)

		reason := "disconnected"
		if errors.Is(err, registry.ErrReplyTimeout) {
			reason = "timeout"
		}
		d.m.DispatchFailuresTotal.WithLabelValues(reason).Inc()
		d.coolDown(robotID)
		logger.Warn("assignment got no reply", zap.String("reason", reason), zap.Error(err))
		d.auditEvent(ctx, "dispatch.no_reply", job.ID.String(), map[string]any{
			"robot_id": robotID,
			"reason":   reason,
		})
		return assignTimeout
	}

	switch reply.Type {
	case protocol.TypeJobAccept:
		d.m.JobsDispatchedTotal.Inc()
		d.m.DispatchDuration.Observe(time.Since(started).Seconds())
		logger.Info("job accepted",
			zap.String("workflow", job.WorkflowName),
			zap.Duration("elapsed", time.Since(started)),
		)
		return assignAccepted

	case protocol.TypeJobReject:
		var p protocol.JobRejectPayload
		_ = reply.DecodePayload(&p)
		handle.ReleaseJob(job.ID.String())
		d.releaseClaim(ctx, job.ID, logger)
		d.m.DispatchFailuresTotal.WithLabelValues("rejected").Inc()
		logger.Info("job rejected", zap.String("reason", p.Reason))
		d.auditEvent(ctx, "dispatch.rejected", job.ID.String(), map[string]any{
			"robot_id": robotID,
			"reason":   p.Reason,
		})
		return assignRejected

	default:
		// A correlated reply of an unexpected type; treat as reject.
		handle.ReleaseJob(job.ID.String())
		d.releaseClaim(ctx, job.ID, logger)
		logger.Warn("unexpected assignment reply", zap.String("type", string(reply.Type)))
		return assignRejected
	}
}

func (d *Dispatcher) releaseClaim(ctx context.Context, id uuid.UUID, logger *zap.Logger) {
	if err := d.jobs.Release(ctx, id); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		logger.Error("failed to release claim", zap.Error(err))
	}
}

// holdJob applies the reject-storm backoff: each all-rejected pass doubles
// the hold, capped.
func (d *Dispatcher) holdJob(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.holds[id]
	h.attempts++
	hold := d.cfg.RejectHoldBase << (h.attempts - 1)
	if hold > d.cfg.RejectHoldMax || hold <= 0 {
		hold = d.cfg.RejectHoldMax
	}
	h.until = time.Now().Add(hold)
	d.holds[id] = h
}

func (d *Dispatcher) clearHold(id uuid.UUID) {
	d.mu.Lock()
	delete(d.holds, id)
	d.mu.Unlock()
}

// coolDown excludes a robot from selection for one cycle after a reply
// timeout, so the next iteration does not immediately re-pick it.
func (d *Dispatcher) coolDown(robotID string) {
	d.mu.Lock()
	d.cooldowns[robotID] = time.Now().Add(d.cfg.ErrorCooldown)
	d.mu.Unlock()
}

// Cancel implements operator cancellation. Pending jobs cancel directly;
// assigned/running jobs get a correlated JobCancel and cancel on reply or
// on timeout (best-effort, audited when the ack never came).
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	job, err := d.jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case db.JobStatusPending:
		if err := d.jobs.RecordTerminal(ctx, id, db.JobStatusCancelled, "", reason); err != nil {
			return err
		}
		d.clearHold(id)
		d.auditEvent(ctx, "job.cancelled", id.String(), map[string]any{"phase": "pending", "reason": reason})
		return nil

	case db.JobStatusAssigned, db.JobStatusRunning:
		ackMissing := false
		if handle, ok := d.reg.Get(job.AssignedRobotID); ok {
			cancelMsg, err := protocol.New(protocol.TypeJobCancel, protocol.JobCancelPayload{
				JobID:  id.String(),
				Reason: reason,
			})
			if err == nil {
				if _, err := d.reg.Request(ctx, handle, cancelMsg); err != nil {
					ackMissing = true
				}
			}
			handle.ReleaseJob(id.String())
		}

		if err := d.jobs.RecordTerminal(ctx, id, db.JobStatusCancelled, "", reason); err != nil {
			return err
		}
		detail := map[string]any{"phase": job.Status, "reason": reason, "robot_id": job.AssignedRobotID}
		if ackMissing {
			detail["note"] = "cancel_ack_missing"
		}
		d.auditEvent(ctx, "job.cancelled", id.String(), detail)
		d.reg.ReleaseJobSlot(job.AssignedRobotID, id.String())
		return nil

	default:
		// Already terminal — cancelling is a no-op, consistent with
		// RecordTerminal's idempotence.
		return nil
	}
}

// SweepTimeouts marks active jobs that overran timeout_seconds + grace as
// timed_out. The orchestrator never kills robot-side execution; with
// ActiveCancel it additionally asks the robot to stop, best-effort.
// Scheduled periodically alongside the liveness sweeper.
func (d *Dispatcher) SweepTimeouts(ctx context.Context) {
	active, err := d.jobs.ListActive(ctx)
	if err != nil {
		d.logger.Warn("timeout sweep query failed", zap.Error(err))
		return
	}

	now := time.Now()
	for i := range active {
		job := &active[i]
		start := job.StartedAt
		if start == nil {
			start = job.AssignedAt
		}
		if start == nil {
			continue
		}
		deadline := start.Add(time.Duration(job.TimeoutSeconds)*time.Second + d.cfg.TimeoutGrace)
		if now.Before(deadline) {
			continue
		}

		if err := d.jobs.RecordTerminal(ctx, job.ID, db.JobStatusTimedOut, "", "no terminal report within timeout"); err != nil {
			d.logger.Warn("failed to time out job",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			continue
		}
		d.logger.Warn("job timed out",
			zap.String("job_id", job.ID.String()),
			zap.String("robot_id", job.AssignedRobotID),
			zap.Int("timeout_seconds", job.TimeoutSeconds),
		)
		d.auditEvent(ctx, "job.timed_out", job.ID.String(), map[string]any{
			"robot_id":        job.AssignedRobotID,
			"timeout_seconds": job.TimeoutSeconds,
		})

		if handle, ok := d.reg.Get(job.AssignedRobotID); ok {
			handle.ReleaseJob(job.ID.String())
			if d.cfg.ActiveCancel {
				if msg, err := protocol.New(protocol.TypeJobCancel, protocol.JobCancelPayload{
					JobID:  job.ID.String(),
					Reason: "timed out",
				}); err == nil {
					_ = handle.Send(msg)
				}
			}
		}
	}
}

// auditEvent best-effort records a dispatch event; failures are logged only.
func (d *Dispatcher) auditEvent(ctx context.Context, action, subjectID string, detail map[string]any) {
	entry := &db.AuditEntry{
		Actor:       "dispatcher",
		Action:      action,
		SubjectType: "job",
		SubjectID:   subjectID,
		Detail:      db.EncodeMap(detail),
	}
	if err := d.audit.Append(ctx, entry); err != nil {
		d.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

