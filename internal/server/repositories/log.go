package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
)

// gormLogRepository is the GORM implementation of LogRepository.
type gormLogRepository struct {
	db *gorm.DB
}

// NewLogRepository returns a LogRepository backed by the provided *gorm.DB.
func NewLogRepository(db *gorm.DB) LogRepository {
	return &gormLogRepository{db: db}
}

// AppendBatch bulk-inserts log entries in one statement. Robots batch their
// lines before sending, and the relay inserts each received batch with one
// call, so this is the hot write path — one round trip per batch, not per line.
func (r *gormLogRepository) AppendBatch(ctx context.Context, entries []db.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return translate("logs: append batch", err)
	}
	return nil
}

// ListByJob returns the job's log lines ordered by timestamp ascending so
// callers can replay execution order.
func (r *gormLogRepository) ListByJob(ctx context.Context, jobID string, opts ListOptions) ([]db.LogEntry, int64, error) {
	query := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&db.LogEntry{}).Where("job_id = ?", jobID)
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, translate("logs: list count", err)
	}

	var entries []db.LogEntry
	if err := query().Limit(opts.Limit).Offset(opts.Offset).Order("timestamp ASC").Find(&entries).Error; err != nil {
		return nil, 0, translate("logs: list", err)
	}
	return entries, total, nil
}

// PurgeOlderThan deletes entries whose timestamp predates cutoff.
func (r *gormLogRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&db.LogEntry{})
	if result.Error != nil {
		return 0, translate("logs: purge", result.Error)
	}
	return result.RowsAffected, nil
}
