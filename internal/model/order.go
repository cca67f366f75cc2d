package model

import "time"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusClosed    Status = "closed"
)

// CanTransitionTo reports whether next is the single forward step from s.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusConfirmed
	case StatusConfirmed:
		return next == StatusClosed
	default:
		return false
	}
}

// Order is a tenant-scoped order. Version is the optimistic-concurrency token.
type Order struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID   string    `gorm:"size:255;not null;index:idx_orders_tenant_created_id,priority:1" json:"tenantId"`
	Status     Status    `gorm:"size:20;not null;default:'draft'" json:"status"`
	Version    int64     `gorm:"not null;default:1" json:"version"`
	TotalCents *int64    `json:"totalCents"`
	CreatedAt  time.Time `gorm:"not null;index:idx_orders_tenant_created_id,priority:2" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"not null" json:"updatedAt"`
}

func (Order) TableName() string { return "orders" }
