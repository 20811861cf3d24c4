package model

import "time"

// AuditLog is append-only. Rows are never updated or deleted; there is no
// updated_at on purpose. Seq is a per-transaction monotonic sequence so the
// trail reflects the total order of attempted transitions.
type AuditLog struct {
	ID            uint64    `gorm:"primaryKey"`
	TransactionID string    `gorm:"type:uuid;not null;uniqueIndex:uq_audit_seq,priority:1;index"`
	Seq           uint64    `gorm:"not null;uniqueIndex:uq_audit_seq,priority:2"`
	PriorState    string    `gorm:"size:16;not null"`
	Event         string    `gorm:"size:64;not null"`
	Outcome       string    `gorm:"size:128;not null"`
	Actor         string    `gorm:"size:64;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (AuditLog) TableName() string { return "audit_logs" }
