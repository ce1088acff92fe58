package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
)

// gormAuditRepository is the GORM implementation of AuditRepository.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided *gorm.DB.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: db}
}

// Append records one audit entry. Audit writes are best-effort at call
// sites — a failed audit insert is logged, never propagated into the
// operation it describes.
func (r *gormAuditRepository) Append(ctx context.Context, entry *db.AuditEntry) error {
	if entry.Detail == "" {
		entry.Detail = "{}"
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return translate("audit: append", err)
	}
	return nil
}

// List returns audit entries, optionally filtered by action, newest first.
func (r *gormAuditRepository) List(ctx context.Context, action string, opts ListOptions) ([]db.AuditEntry, int64, error) {
	query := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&db.AuditEntry{})
		if action != "" {
			q = q.Where("action = ?", action)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, translate("audit: list count", err)
	}

	var entries []db.AuditEntry
	if err := query().Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, 0, translate("audit: list", err)
	}
	return entries, total, nil
}
