package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/order-service/internal/apperr"
	"github.com/richardliu001/order-service/internal/model"
	"gorm.io/gorm"
)

// CreateOutboxEvent writes event inside tx. A second event of the same type for
// the same order violates idx_outbox_order_event and surfaces as a conflict.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if err := tx.WithContext(ctx).Create(evt).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already recorded for order %s", apperr.ErrConflict, evt.EventType, evt.OrderID)
		}
		return err
	}
	return nil
}

// CountOutboxEvents counts events recorded for an order.
func (r *Repository) CountOutboxEvents(ctx context.Context, orderID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("order_id = ?", orderID).Count(&n).Error
	return n, err
}

// PollOutbox pulls unpublished events, oldest first.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at").Order("id").
		Limit(limit).
		Find(&evts).Error
	return evts, err
}

// MarkOutboxPublished sets published_at once; already published rows are left alone.
func (r *Repository) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND published_at IS NULL", id).
		Update("published_at", at).Error
}
