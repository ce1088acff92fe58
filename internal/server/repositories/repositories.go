// Package repositories implements the persistent store for robots, jobs,
// API keys, logs, and the audit trail. Each entity gets a small interface
// with a GORM-backed implementation; callers depend on the interfaces so
// tests can substitute in-memory fakes.
//
// Failure semantics are uniform: missing rows surface as ErrNotFound, unique
// violations as ErrConflict, and anything transport-shaped (connection loss,
// pool exhaustion, driver errors) as ErrUnavailable. The caller decides
// recovery — handlers map these to HTTP codes, the dispatcher retries.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
)

// ListOptions carries pagination for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// RobotFilter narrows RobotRepository.List results. Zero values mean "any".
type RobotFilter struct {
	Status     string
	TenantID   string
	Capability string
}

// JobFilter narrows JobRepository.List results. Zero values mean "any".
type JobFilter struct {
	Status   string
	TenantID string
	RobotID  string
}

// HeartbeatUpdate is the per-beat state written by RobotRepository.UpdateStatus.
// Metrics pointers are nil when the beat carried no metrics.
type HeartbeatUpdate struct {
	Status        string
	HeartbeatAt   time.Time
	CPUPercent    *float64
	MemoryPercent *float64
	DiskPercent   *float64
}

// RobotRepository persists robot fleet state.
type RobotRepository interface {
	// Register upserts a robot keyed on robot_id. On a unique collision of
	// name or hostname it deterministically disambiguates and retries, making
	// at most three attempts in all before reporting ErrConflict.
	Register(ctx context.Context, robot *db.Robot) error

	GetByRobotID(ctx context.Context, robotID string) (*db.Robot, error)
	List(ctx context.Context, filter RobotFilter, opts ListOptions) ([]db.Robot, int64, error)
	Update(ctx context.Context, robot *db.Robot) error
	Delete(ctx context.Context, robotID string) error

	// UpdateStatus applies a heartbeat. If no row exists for robotID a
	// minimal one is created (self-healing path for heartbeat-before-register).
	UpdateStatus(ctx context.Context, robotID string, hb HeartbeatUpdate) error

	// UpdateCurrentJobs replaces the persisted in-flight job set.
	UpdateCurrentJobs(ctx context.Context, robotID string, jobIDs []string) error

	// MarkOfflineStale flips robots whose last heartbeat predates cutoff to
	// offline, returning the number of rows changed. Covers rows orphaned by
	// a server crash, when no in-memory handle exists to sweep.
	MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobRepository persists the job queue and execution state.
type JobRepository interface {
	Enqueue(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error)

	// NextPending returns up to batch pending jobs ordered by priority DESC,
	// created_at ASC — the dispatcher's candidate set.
	NextPending(ctx context.Context, batch int) ([]db.Job, error)

	// Claim atomically moves a pending job to assigned for the given robot.
	// Returns ErrNotFound if the job was claimed, cancelled, or removed by a
	// concurrent actor — the dispatcher treats that as "skip, next candidate".
	Claim(ctx context.Context, id uuid.UUID, robotID string) error

	// Release returns an assigned job to pending, clearing the assignment.
	Release(ctx context.Context, id uuid.UUID) error

	// ReleaseAllForRobot releases every assigned or running job held by the
	// robot. Used when a connection dies or is swept stale.
	ReleaseAllForRobot(ctx context.Context, robotID string) (int64, error)

	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, currentNode string) error

	// RecordTerminal advances a job to a terminal status. Idempotent: calls
	// on an already-terminal job are no-ops.
	RecordTerminal(ctx context.Context, id uuid.UUID, status string, result string, errMsg string) error

	// ListActive returns all assigned/running jobs; the timeout watchdog
	// computes per-job deadlines from the returned rows.
	ListActive(ctx context.Context) ([]db.Job, error)
}

// APIKeyRepository persists robot channel credentials.
type APIKeyRepository interface {
	Create(ctx context.Context, key *db.APIKey) error
	GetByKeyID(ctx context.Context, keyID string) (*db.APIKey, error)
	List(ctx context.Context, robotID string, opts ListOptions) ([]db.APIKey, int64, error)

	// Touch records a successful verification (last_used_at / last_used_ip).
	Touch(ctx context.Context, keyID string, ip string, at time.Time) error

	// Revoke flips the key to revoked. Live connections authenticated with
	// the key are unaffected; only future verifications fail.
	Revoke(ctx context.Context, keyID string) error

	// MarkExpired lazily flips status on keys whose expires_at has passed.
	MarkExpired(ctx context.Context, keyID string) error
}

// LogRepository persists the append-only job diagnostic stream.
type LogRepository interface {
	AppendBatch(ctx context.Context, entries []db.LogEntry) error
	ListByJob(ctx context.Context, jobID string, opts ListOptions) ([]db.LogEntry, int64, error)

	// PurgeOlderThan deletes entries with timestamp before cutoff and
	// returns the number removed. Run daily by the retention job.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRepository records control-plane and dispatch events.
type AuditRepository interface {
	Append(ctx context.Context, entry *db.AuditEntry) error
	List(ctx context.Context, action string, opts ListOptions) ([]db.AuditEntry, int64, error)
}
