package model

import "time"

// OutboxEvent is written in the same database transaction as the state
// change it describes; cmd/poller ships rows to Kafka and marks them
// processed. Consumers (notifications, reconciliation) are external.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID string    `gorm:"size:64;not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
