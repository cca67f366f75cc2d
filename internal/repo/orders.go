package repo

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/order-service/internal/apperr"
	"github.com/richardliu001/order-service/internal/model"
	"github.com/richardliu001/order-service/internal/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateOrder inserts a new order row.
func (r *Repository) CreateOrder(ctx context.Context, tx *gorm.DB, o *model.Order) error {
	return tx.WithContext(ctx).Create(o).Error
}

// GetOrder loads an order scoped to its tenant.
func (r *Repository) GetOrder(ctx context.Context, tx *gorm.DB, tenantID, id string) (*model.Order, error) {
	var o model.Order
	err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// GetOrderForUpdate locks the order row until tx ends.
func (r *Repository) GetOrderForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id string) (*model.Order, error) {
	var o model.Order
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// ConfirmOrder moves a draft at expectedVersion to confirmed in one conditional
// update. It returns the number of rows affected; 0 means a precondition failed.
func (r *Repository) ConfirmOrder(ctx context.Context, tx *gorm.DB, tenantID, id string, expectedVersion, totalCents int64, now time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND tenant_id = ? AND version = ? AND status = ?", id, tenantID, expectedVersion, model.StatusDraft).
		Updates(map[string]interface{}{
			"status":      model.StatusConfirmed,
			"version":     gorm.Expr("version + 1"),
			"total_cents": totalCents,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// CloseOrder moves a confirmed order at expectedVersion to closed.
func (r *Repository) CloseOrder(ctx context.Context, tx *gorm.DB, tenantID, id string, expectedVersion int64, now time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND tenant_id = ? AND version = ? AND status = ?", id, tenantID, expectedVersion, model.StatusConfirmed).
		Updates(map[string]interface{}{
			"status":     model.StatusClosed,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// ListOrders returns up to n orders for tenantID in (created_at DESC, id DESC)
// order, strictly after the given cursor when one is supplied.
func (r *Repository) ListOrders(ctx context.Context, tenantID string, after *pagination.Cursor, n int) ([]model.Order, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var orders []model.Order
	err := q.Order("created_at DESC").Order("id DESC").Limit(n).Find(&orders).Error
	return orders, err
}
