package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
)

// terminalStatuses is reused in guarded updates so a terminal row is never
// advanced again.
var terminalStatuses = []string{
	db.JobStatusSucceeded, db.JobStatusFailed, db.JobStatusCancelled, db.JobStatusTimedOut,
}

// gormJobRepository is the GORM implementation of JobRepository.
//
// State transitions use guarded single-statement updates (WHERE on the
// expected current status, then check RowsAffected) instead of SELECT FOR
// UPDATE. This is atomic on postgres and on sqlite's single-writer
// connection alike, and it makes every transition idempotent to retry.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Enqueue inserts a new job in pending state.
func (r *gormJobRepository) Enqueue(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return translate("jobs: enqueue", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, translate("jobs: get by id", err)
	}
	return &job, nil
}

// List returns a filtered, paginated list of jobs, most recent first.
func (r *gormJobRepository) List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error) {
	query := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&db.Job{})
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.TenantID != "" {
			q = q.Where("tenant_id = ?", filter.TenantID)
		}
		if filter.RobotID != "" {
			q = q.Where("assigned_robot_id = ?", filter.RobotID)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, translate("jobs: list count", err)
	}

	var jobs []db.Job
	if err := query().Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, 0, translate("jobs: list", err)
	}
	return jobs, total, nil
}

// NextPending returns the dispatcher's candidate batch: pending jobs ordered
// by priority DESC then created_at ASC, so higher priority always wins the
// next slot and dispatch is FIFO within a priority.
func (r *gormJobRepository) NextPending(ctx context.Context, batch int) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", db.JobStatusPending).
		Order("priority DESC").
		Order("created_at ASC").
		Limit(batch).
		Find(&jobs).Error
	if err != nil {
		return nil, translate("jobs: next pending", err)
	}
	return jobs, nil
}

// Claim atomically moves a pending job to assigned for the given robot.
// A zero row count means a concurrent actor got there first (claim, cancel,
// delete) — reported as ErrNotFound so the dispatcher skips the candidate.
func (r *gormJobRepository) Claim(ctx context.Context, id uuid.UUID, robotID string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobStatusPending).
		Updates(map[string]interface{}{
			"status":            db.JobStatusAssigned,
			"assigned_robot_id": robotID,
			"assigned_at":       now,
		})
	if result.Error != nil {
		return translate("jobs: claim", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("jobs: claim: %w", ErrNotFound)
	}
	return nil
}

// Release returns an assigned job to pending. Running jobs release too —
// the disconnect path releases work the robot never finished reporting on.
func (r *gormJobRepository) Release(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status IN ?", id, []string{db.JobStatusAssigned, db.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":            db.JobStatusPending,
			"assigned_robot_id": "",
			"assigned_at":       nil,
			"started_at":        nil,
			"progress_percent":  0.0,
			"current_node":      "",
		})
	if result.Error != nil {
		return translate("jobs: release", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("jobs: release: %w", ErrNotFound)
	}
	return nil
}

// ReleaseAllForRobot releases every assigned or running job held by the robot.
func (r *gormJobRepository) ReleaseAllForRobot(ctx context.Context, robotID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("assigned_robot_id = ? AND status IN ?", robotID,
			[]string{db.JobStatusAssigned, db.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":            db.JobStatusPending,
			"assigned_robot_id": "",
			"assigned_at":       nil,
			"started_at":        nil,
			"progress_percent":  0.0,
			"current_node":      "",
		})
	if result.Error != nil {
		return 0, translate("jobs: release all for robot", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkRunning advances an assigned job to running on the first progress
// report. A no-op if the job already left assigned (idempotent on duplicate
// progress frames).
func (r *gormJobRepository) MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobStatusAssigned).
		Updates(map[string]interface{}{
			"status":     db.JobStatusRunning,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return translate("jobs: mark running", result.Error)
	}
	return nil
}

// UpdateProgress records a progress report for a running job. Terminal rows
// are never touched.
func (r *gormJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, currentNode string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"current_node":     currentNode,
		})
	if result.Error != nil {
		return translate("jobs: update progress", result.Error)
	}
	return nil
}

// RecordTerminal advances a job to a terminal status. The guard on
// non-terminal current status makes the call idempotent: a second terminal
// report for the same job changes nothing and returns nil.
func (r *gormJobRepository) RecordTerminal(ctx context.Context, id uuid.UUID, status string, result string, errMsg string) error {
	if !db.IsTerminalJobStatus(status) {
		return fmt.Errorf("jobs: record terminal: %q is not a terminal status", status)
	}
	if result == "" {
		result = "{}"
	}
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": now,
			"result":      result,
			"error":       errMsg,
		})
	if res.Error != nil {
		return translate("jobs: record terminal", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either already terminal (fine, idempotent) or the row is gone.
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return translate("jobs: record terminal recheck", err)
		}
		if count == 0 {
			return fmt.Errorf("jobs: record terminal: %w", ErrNotFound)
		}
	}
	return nil
}

// ListActive returns all jobs currently assigned or running, for the
// timeout watchdog.
func (r *gormJobRepository) ListActive(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{db.JobStatusAssigned, db.JobStatusRunning}).
		Find(&jobs).Error
	if err != nil {
		return nil, translate("jobs: list active", err)
	}
	return jobs, nil
}
