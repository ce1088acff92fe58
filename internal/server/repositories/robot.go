package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
)

// registerAttempts bounds the disambiguation retry loop on unique-name
// collisions. After the third failure the conflict is reported to the caller.
const registerAttempts = 3

// gormRobotRepository is the GORM implementation of RobotRepository.
type gormRobotRepository struct {
	db *gorm.DB
}

// NewRobotRepository returns a RobotRepository backed by the provided *gorm.DB.
func NewRobotRepository(db *gorm.DB) RobotRepository {
	return &gormRobotRepository{db: db}
}

// Register upserts a robot keyed on robot_id. A soft-deleted row with the
// same robot_id is revived rather than duplicated, since the unique index
// still holds its values. Name/hostname collisions with *other* robots are
// resolved by deterministic renaming so operators see stable identities:
// "name (a1b2c3d4)" first, then "name (a1b2c3d4-2)", capped at the column
// length.
func (r *gormRobotRepository) Register(ctx context.Context, robot *db.Robot) error {
	var existing db.Robot
	err := r.db.WithContext(ctx).Unscoped().First(&existing, "robot_id = ?", robot.RobotID).Error
	isUpdate := false
	switch {
	case err == nil:
		// Same robot re-registering: keep the row identity, refresh the
		// declared fields, clear any soft delete.
		robot.ID = existing.ID
		robot.CreatedAt = existing.CreatedAt
		robot.DeletedAt = gorm.DeletedAt{}
		isUpdate = true
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First registration — fall through to insert.
	default:
		return translate("robots: register lookup", err)
	}

	baseName := robot.Name
	baseHost := robot.Hostname
	nameAttempt, hostAttempt := 0, 0

	var lastErr error
	for tries := 0; tries < registerAttempts; tries++ {
		robot.Name = disambiguate(baseName, robot.RobotID, nameAttempt)
		robot.Hostname = disambiguate(baseHost, robot.RobotID, hostAttempt)

		// A re-registering robot updates its own row (a collision with
		// itself is impossible — the unique index already points here).
		// A new robot inserts; the ID assigned by a failed insert attempt
		// must be cleared so the retry inserts instead of updating nothing.
		var saveErr error
		if isUpdate {
			saveErr = r.db.WithContext(ctx).Unscoped().Save(robot).Error
		} else {
			robot.ID = uuid.UUID{}
			saveErr = r.db.WithContext(ctx).Create(robot).Error
		}
		if saveErr == nil {
			return nil
		}
		lastErr = translate("robots: register", saveErr)
		if !errors.Is(lastErr, ErrConflict) {
			return lastErr
		}
		// Rename only the colliding column, so the other keeps its declared
		// value. The check order matters: "hostname" contains "name".
		if strings.Contains(saveErr.Error(), "hostname") {
			hostAttempt++
		} else {
			nameAttempt++
		}
	}
	return fmt.Errorf("robots: register: name disambiguation exhausted after %d attempts: %w",
		registerAttempts, lastErr)
}

// disambiguate derives the attempt-th candidate for a colliding unique value.
// Attempt 0 is the value as declared; attempt 1 appends the last 8 characters
// of the robot id; attempt n>1 appends a numeric suffix as well. The base is
// truncated so the result always fits the column.
func disambiguate(name, robotID string, attempt int) string {
	if attempt == 0 {
		return truncate(name, db.NameColumnMax)
	}

	tail := robotID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	suffix := fmt.Sprintf(" (%s)", tail)
	if attempt > 1 {
		suffix = fmt.Sprintf(" (%s-%d)", tail, attempt)
	}

	room := db.NameColumnMax - len(suffix)
	if room < 1 {
		room = 1
	}
	return truncate(name, room) + suffix
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GetByRobotID retrieves a robot by its client-chosen identifier.
func (r *gormRobotRepository) GetByRobotID(ctx context.Context, robotID string) (*db.Robot, error) {
	var robot db.Robot
	if err := r.db.WithContext(ctx).First(&robot, "robot_id = ?", robotID).Error; err != nil {
		return nil, translate("robots: get", err)
	}
	return &robot, nil
}

// List returns a filtered, paginated list of robots and the total count.
// The capability filter matches set membership inside the JSON-encoded
// capabilities column.
func (r *gormRobotRepository) List(ctx context.Context, filter RobotFilter, opts ListOptions) ([]db.Robot, int64, error) {
	// Each finisher gets its own chain — reusing one gorm chain for both
	// Count and Find contaminates the statement.
	query := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&db.Robot{})
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.TenantID != "" {
			q = q.Where("tenant_id = ?", filter.TenantID)
		}
		if filter.Capability != "" {
			q = q.Where("capabilities LIKE ?", "%"+jsonStringToken(filter.Capability)+"%")
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, translate("robots: list count", err)
	}

	var robots []db.Robot
	if err := query().Limit(opts.Limit).Offset(opts.Offset).Order("created_at ASC").Find(&robots).Error; err != nil {
		return nil, 0, translate("robots: list", err)
	}
	return robots, total, nil
}

// jsonStringToken quotes a value the way encoding/json writes a string
// element, so a LIKE match cannot hit a substring of a longer tag.
func jsonStringToken(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, ``) + `"`
}

// Update persists all fields of an existing robot record.
func (r *gormRobotRepository) Update(ctx context.Context, robot *db.Robot) error {
	result := r.db.WithContext(ctx).Save(robot)
	if result.Error != nil {
		return translate("robots: update", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("robots: update: %w", ErrNotFound)
	}
	return nil
}

// Delete soft-deletes a robot by robot_id.
func (r *gormRobotRepository) Delete(ctx context.Context, robotID string) error {
	result := r.db.WithContext(ctx).Where("robot_id = ?", robotID).Delete(&db.Robot{})
	if result.Error != nil {
		return translate("robots: delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("robots: delete: %w", ErrNotFound)
	}
	return nil
}

// UpdateStatus applies a heartbeat to the robot row. If the robot has no row
// yet (heartbeat raced ahead of registration, or the row was deleted while
// the robot stayed up), a minimal one is created so fleet state self-heals.
func (r *gormRobotRepository) UpdateStatus(ctx context.Context, robotID string, hb HeartbeatUpdate) error {
	updates := map[string]interface{}{
		"status":            hb.Status,
		"last_heartbeat_at": hb.HeartbeatAt,
		"last_seen_at":      hb.HeartbeatAt,
	}
	if hb.CPUPercent != nil {
		updates["cpu_percent"] = *hb.CPUPercent
	}
	if hb.MemoryPercent != nil {
		updates["memory_percent"] = *hb.MemoryPercent
	}
	if hb.DiskPercent != nil {
		updates["disk_percent"] = *hb.DiskPercent
	}

	result := r.db.WithContext(ctx).
		Model(&db.Robot{}).
		Where("robot_id = ?", robotID).
		Updates(updates)
	if result.Error != nil {
		return translate("robots: update status", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// Self-healing path: create a minimal row from what the beat tells us.
	hbAt := hb.HeartbeatAt
	robot := &db.Robot{
		RobotID:           robotID,
		Name:              "robot-" + robotID,
		Hostname:          "robot-" + robotID,
		TenantID:          "default",
		MaxConcurrentJobs: 1,
		Capabilities:      "[]",
		Tags:              "[]",
		CurrentJobIDs:     "[]",
		Status:            hb.Status,
		LastSeenAt:        &hbAt,
		LastHeartbeatAt:   &hbAt,
	}
	if hb.CPUPercent != nil {
		robot.CPUPercent = *hb.CPUPercent
	}
	if hb.MemoryPercent != nil {
		robot.MemoryPercent = *hb.MemoryPercent
	}
	if hb.DiskPercent != nil {
		robot.DiskPercent = *hb.DiskPercent
	}
	if err := r.Register(ctx, robot); err != nil {
		return fmt.Errorf("robots: self-heal on heartbeat: %w", err)
	}
	return nil
}

// UpdateCurrentJobs replaces the persisted in-flight job set.
func (r *gormRobotRepository) UpdateCurrentJobs(ctx context.Context, robotID string, jobIDs []string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Robot{}).
		Where("robot_id = ?", robotID).
		Update("current_job_ids", db.EncodeStrings(jobIDs))
	if result.Error != nil {
		return translate("robots: update current jobs", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("robots: update current jobs: %w", ErrNotFound)
	}
	return nil
}

// MarkOfflineStale flips robots whose last heartbeat predates cutoff to
// offline. Robots that never sent a heartbeat are left alone — they are
// offline already unless a live handle says otherwise.
func (r *gormRobotRepository) MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Robot{}).
		Where("status IN ?", []string{db.RobotStatusOnline, db.RobotStatusBusy}).
		Where("last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?", cutoff).
		Update("status", db.RobotStatusOffline)
	if result.Error != nil {
		return 0, translate("robots: mark stale", result.Error)
	}
	return result.RowsAffected, nil
}
