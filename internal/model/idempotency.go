package model

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord caches the first successful response for (tenant, client key).
// ResponseStatus is 0 while no response has been stored.
type IdempotencyRecord struct {
	TenantID       string `gorm:"primaryKey;size:255"`
	ClientKey      string `gorm:"primaryKey;size:255"`
	RequestBody    []byte
	ResponseBody   datatypes.JSON `gorm:"type:json"`
	ResponseStatus int            `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// HasResponse reports whether a completed response is cached.
func (r *IdempotencyRecord) HasResponse() bool {
	return r.ResponseStatus != 0 && len(r.ResponseBody) > 0
}

// Expired reports whether the record is older than ttl at now.
func (r *IdempotencyRecord) Expired(now time.Time, ttl time.Duration) bool {
	return r.CreatedAt.Add(ttl).Before(now)
}
