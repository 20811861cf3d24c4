package model

import "time"

// ProcessedEvent is the durable dedup gate. One row per inbound event id
// (or derived idempotency key); written once, never mutated, never expired.
type ProcessedEvent struct {
	EventID       string    `gorm:"size:128;primaryKey"`
	TransactionID string    `gorm:"type:uuid;not null;index"`
	Outcome       string    `gorm:"size:128;not null"`
	FirstSeenAt   time.Time `gorm:"autoCreateTime"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
