package model

import (
	"time"

	"gorm.io/datatypes"
)

// EventOrderClosed is emitted once per order, in the same transaction as the close.
const EventOrderClosed = "orders.closed"

// OutboxEvent is an append-only record drained by the relay. PublishedAt is
// only ever set by the relay.
type OutboxEvent struct {
	ID          string         `gorm:"primaryKey;size:36"`
	EventType   string         `gorm:"size:64;not null;uniqueIndex:idx_outbox_order_event,priority:2"`
	OrderID     string         `gorm:"size:36;not null;uniqueIndex:idx_outbox_order_event,priority:1"`
	TenantID    string         `gorm:"size:255;not null;index:idx_outbox_tenant_created,priority:1"`
	Payload     datatypes.JSON `gorm:"not null"`
	PublishedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;index:idx_outbox_tenant_created,priority:2"`
}

func (OutboxEvent) TableName() string { return "order_outbox" }

// OrderClosedPayload is the snapshot captured when an order closes.
type OrderClosedPayload struct {
	OrderID     string    `json:"orderId"`
	TenantID    string    `json:"tenantId"`
	TotalCents  *int64    `json:"totalCents"`
	TotalAmount string    `json:"totalAmount"`
	ClosedAt    time.Time `json:"closedAt"`
}
