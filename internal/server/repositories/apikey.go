package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
)

// gormAPIKeyRepository is the GORM implementation of APIKeyRepository.
type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the provided *gorm.DB.
func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: db}
}

// Create inserts a freshly minted key. The secret hash must already be set —
// this layer never sees cleartext secrets.
func (r *gormAPIKeyRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return translate("api_keys: create", err)
	}
	return nil
}

// GetByKeyID retrieves a key by its public identifier.
func (r *gormAPIKeyRepository) GetByKeyID(ctx context.Context, keyID string) (*db.APIKey, error) {
	var key db.APIKey
	if err := r.db.WithContext(ctx).First(&key, "key_id = ?", keyID).Error; err != nil {
		return nil, translate("api_keys: get", err)
	}
	return &key, nil
}

// List returns keys, optionally scoped to one robot, newest first.
func (r *gormAPIKeyRepository) List(ctx context.Context, robotID string, opts ListOptions) ([]db.APIKey, int64, error) {
	query := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&db.APIKey{})
		if robotID != "" {
			q = q.Where("robot_id = ?", robotID)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, translate("api_keys: list count", err)
	}

	var keys []db.APIKey
	if err := query().Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, 0, translate("api_keys: list", err)
	}
	return keys, total, nil
}

// Touch records a successful verification. Failures here are non-fatal to
// authentication — the caller logs and continues.
func (r *gormAPIKeyRepository) Touch(ctx context.Context, keyID string, ip string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("key_id = ?", keyID).
		Updates(map[string]interface{}{
			"last_used_at": at,
			"last_used_ip": ip,
		})
	if result.Error != nil {
		return translate("api_keys: touch", result.Error)
	}
	return nil
}

// Revoke flips the key to revoked. Idempotent — revoking a revoked key is a
// no-op, revoking an unknown key reports ErrNotFound.
func (r *gormAPIKeyRepository) Revoke(ctx context.Context, keyID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("key_id = ?", keyID).
		Update("status", db.APIKeyStatusRevoked)
	if result.Error != nil {
		return translate("api_keys: revoke", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.APIKey{}).Where("key_id = ?", keyID).Count(&count).Error; err != nil {
			return translate("api_keys: revoke recheck", err)
		}
		if count == 0 {
			return fmt.Errorf("api_keys: revoke: %w", ErrNotFound)
		}
	}
	return nil
}

// MarkExpired lazily flips a key whose expires_at has passed. Called from
// the verification path; never un-expires.
func (r *gormAPIKeyRepository) MarkExpired(ctx context.Context, keyID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("key_id = ? AND status = ?", keyID, db.APIKeyStatusValid).
		Update("status", db.APIKeyStatusExpired)
	if result.Error != nil {
		return translate("api_keys: mark expired", result.Error)
	}
	return nil
}
