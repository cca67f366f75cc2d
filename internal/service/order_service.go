package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/richardliu001/order-service/internal/apperr"
	"github.com/richardliu001/order-service/internal/clock"
	"github.com/richardliu001/order-service/internal/model"
	"github.com/richardliu001/order-service/internal/pagination"
	"github.com/richardliu001/order-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OrderService implements the order lifecycle: draft -> confirmed -> closed.
type OrderService struct {
	repo  repo.RepositoryInterface
	clock clock.Clock
	log   *zap.SugaredLogger
}

// NewOrderService returns OrderService.
func NewOrderService(r repo.RepositoryInterface, clk clock.Clock, logger *zap.SugaredLogger) *OrderService {
	return &OrderService{repo: r, clock: clk, log: logger}
}

// OrderPage is one page of a keyset listing. NextCursor is nil on the last page.
type OrderPage struct {
	Items      []model.Order
	NextCursor *string
}

// ParseVersion reads an If-Match style version token such as `3`, `"3"` or `W/"3"`.
func ParseVersion(raw string) (int64, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, apperr.ErrMissingPrecondition
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.ErrInvalidPrecondition
	}
	return n, nil
}

// Create inserts a draft order at version 1.
func (s *OrderService) Create(ctx context.Context, tenantID string) (*model.Order, error) {
	if tenantID == "" {
		return nil, apperr.ErrMissingTenant
	}
	now := s.clock.Now()
	o := &model.Order{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    model.StatusDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.CreateOrder(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Confirm sets the total on a draft order. The transition is a single
// conditional update; the follow-up read only classifies a failed match.
func (s *OrderService) Confirm(ctx context.Context, tenantID, id string, expectedVersion, totalCents int64) (*model.Order, error) {
	if tenantID == "" {
		return nil, apperr.ErrMissingTenant
	}
	if totalCents < 0 {
		return nil, fmt.Errorf("%w: totalCents must be >= 0", apperr.ErrValidation)
	}
	var out *model.Order
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.ConfirmOrder(ctx, tx, tenantID, id, expectedVersion, totalCents, s.clock.Now())
		if err != nil {
			return err
		}
		o, err := s.repo.GetOrder(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := classify(o, expectedVersion, model.StatusConfirmed); err != nil {
				return err
			}
			return fmt.Errorf("%w: order changed concurrently", apperr.ErrConflict)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, out)
	return out, nil
}

// Close closes a confirmed order and records the orders.closed outbox event in
// the same transaction. The row is locked for the whole transaction so
// concurrent closes serialize.
func (s *OrderService) Close(ctx context.Context, tenantID, id string, expectedVersion int64) (*model.Order, error) {
	if tenantID == "" {
		return nil, apperr.ErrMissingTenant
	}
	var out *model.Order
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := s.repo.GetOrderForUpdate(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := classify(o, expectedVersion, model.StatusClosed); err != nil {
			return err
		}

		now := s.clock.Now()
		n, err := s.repo.CloseOrder(ctx, tx, tenantID, id, expectedVersion, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: stale version", apperr.ErrConflict)
		}
		o.Status = model.StatusClosed
		o.Version++
		o.UpdatedAt = now

		payload, err := json.Marshal(model.OrderClosedPayload{
			OrderID:     o.ID,
			TenantID:    o.TenantID,
			TotalCents:  o.TotalCents,
			TotalAmount: totalAmount(o.TotalCents),
			ClosedAt:    now,
		})
		if err != nil {
			return err
		}
		evt := &model.OutboxEvent{
			ID:        uuid.NewString(),
			EventType: model.EventOrderClosed,
			OrderID:   o.ID,
			TenantID:  o.TenantID,
			Payload:   datatypes.JSON(payload),
			CreatedAt: now,
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateCache(ctx, out)
	return out, nil
}

// List returns one page of the tenant's orders, newest first. An undecodable
// cursor restarts from the first page.
func (s *OrderService) List(ctx context.Context, tenantID string, limit int, cursor string) (*OrderPage, error) {
	if tenantID == "" {
		return nil, apperr.ErrMissingTenant
	}
	if limit < 1 {
		limit = pagination.DefaultLimit
	}
	if limit > pagination.MaxLimit {
		limit = pagination.MaxLimit
	}
	var after *pagination.Cursor
	if c, ok := pagination.Decode(cursor); ok {
		after = &c
	} else if cursor != "" {
		s.log.Debugf("ignoring undecodable cursor for tenant %s", tenantID)
	}

	orders, err := s.repo.ListOrders(ctx, tenantID, after, limit+1)
	if err != nil {
		return nil, err
	}
	page := &OrderPage{Items: orders}
	if len(orders) > limit {
		page.Items = orders[:limit]
		last := page.Items[limit-1]
		next := pagination.Encode(last.CreatedAt, last.ID)
		page.NextCursor = &next
	}
	return page, nil
}

// Get returns an order, preferring the Redis copy.
func (s *OrderService) Get(ctx context.Context, tenantID, id string) (*model.Order, error) {
	if tenantID == "" {
		return nil, apperr.ErrMissingTenant
	}
	if o, err := s.repo.GetCachedOrder(ctx, tenantID, id); err == nil {
		return o, nil
	}
	o, err := s.repo.GetOrder(ctx, s.repo.DB(ctx), tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheOrder(ctx, o); err != nil {
		s.log.Warnf("cache order %s: %v", o.ID, err)
	}
	return o, nil
}

// Repo exposes underlying repository (unit tests helper).
func (s *OrderService) Repo() repo.RepositoryInterface {
	return s.repo
}

func (s *OrderService) invalidateCache(ctx context.Context, o *model.Order) {
	if err := s.repo.InvalidateOrder(ctx, o.TenantID, o.ID); err != nil {
		s.log.Warnf("invalidate cached order %s: %v", o.ID, err)
	}
}

// classify explains why a transition to target cannot apply to o at
// expectedVersion. Order of checks: version, then status.
func classify(o *model.Order, expectedVersion int64, target model.Status) error {
	if o.Version != expectedVersion {
		return fmt.Errorf("%w: stale version (expected %d, current %d)", apperr.ErrConflict, expectedVersion, o.Version)
	}
	if !o.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s not allowed", apperr.ErrInvalidTransition, o.Status, target)
	}
	return nil
}

func totalAmount(cents *int64) string {
	if cents == nil {
		return decimal.Zero.StringFixed(2)
	}
	return decimal.New(*cents, -2).StringFixed(2)
}
