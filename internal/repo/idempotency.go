package repo

import (
	"context"
	"time"

	"github.com/richardliu001/order-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockIdempotencyRecord fetches or creates the (tenant, key) record and holds a
// row lock on it until tx ends. created reports whether this call inserted it.
// The insert ignores conflicts so concurrent first requests converge on one row.
func (r *Repository) LockIdempotencyRecord(ctx context.Context, tx *gorm.DB, tenantID, key string, body []byte, now time.Time) (*model.IdempotencyRecord, bool, error) {
	fresh := model.IdempotencyRecord{
		TenantID:    tenantID,
		ClientKey:   key,
		RequestBody: body,
		CreatedAt:   now,
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&fresh)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected == 1

	var rec model.IdempotencyRecord
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND client_key = ?", tenantID, key).
		First(&rec).Error
	if err != nil {
		return nil, false, err
	}
	return &rec, created, nil
}

// ResetIdempotencyRecord reuses an expired record in place.
func (r *Repository) ResetIdempotencyRecord(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord, body []byte, now time.Time) error {
	err := tx.WithContext(ctx).
		Model(&model.IdempotencyRecord{}).
		Where("tenant_id = ? AND client_key = ?", rec.TenantID, rec.ClientKey).
		Updates(map[string]interface{}{
			"request_body":    body,
			"response_body":   nil,
			"response_status": 0,
			"created_at":      now,
		}).Error
	if err != nil {
		return err
	}
	rec.RequestBody = body
	rec.ResponseBody = nil
	rec.ResponseStatus = 0
	rec.CreatedAt = now
	return nil
}

// SetIdempotencyRequest stores the body of the request about to execute.
func (r *Repository) SetIdempotencyRequest(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord, body []byte) error {
	err := tx.WithContext(ctx).
		Model(&model.IdempotencyRecord{}).
		Where("tenant_id = ? AND client_key = ?", rec.TenantID, rec.ClientKey).
		Update("request_body", body).Error
	if err != nil {
		return err
	}
	rec.RequestBody = body
	return nil
}

// SaveIdempotencyResponse re-locks the record and stores the completed response.
func (r *Repository) SaveIdempotencyResponse(ctx context.Context, tx *gorm.DB, tenantID, key string, status int, body []byte) error {
	var rec model.IdempotencyRecord
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND client_key = ?", tenantID, key).
		First(&rec).Error
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Model(&model.IdempotencyRecord{}).
		Where("tenant_id = ? AND client_key = ?", tenantID, key).
		Updates(map[string]interface{}{
			"response_body":   string(body),
			"response_status": status,
		}).Error
}
