package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction states. PENDING through ACTIVE are live; RELEASED and
// REFUNDED are terminal and the row is never deleted afterwards.
const (
	StatusPending  = "PENDING"
	StatusFunded   = "FUNDED"
	StatusActive   = "ACTIVE"
	StatusReleased = "RELEASED"
	StatusDisputed = "DISPUTED"
	StatusRefunded = "REFUNDED"
)

// Transaction is a single escrow agreement between a buyer and a vendor.
// Money fields are numeric, never float. Version starts at 1 and increases
// by exactly one on every committed transition.
type Transaction struct {
	ID             string           `gorm:"type:uuid;primaryKey"`
	Reference      string           `gorm:"size:50;uniqueIndex;not null"`
	BuyerID        string           `gorm:"type:uuid;not null;index"`
	VendorID       string           `gorm:"type:uuid;not null;index"`
	Currency       string           `gorm:"size:3;not null"`
	Amount         decimal.Decimal  `gorm:"type:numeric(20,8);not null"`
	Status         string           `gorm:"size:16;not null;index"`
	Description    string           `gorm:"type:text"`
	PlatformFee    *decimal.Decimal `gorm:"type:numeric(20,8)"`
	ProcessorFee   *decimal.Decimal `gorm:"type:numeric(20,8)"`
	NetPayout      *decimal.Decimal `gorm:"type:numeric(20,8)"`
	DisputeReason  *string          `gorm:"size:32"`
	Resolution     *string          `gorm:"size:16"`
	FundedAt       *time.Time
	ReleasedAt     *time.Time
	DisputedAt     *time.Time
	LastActivityAt time.Time `gorm:"not null;index"`
	Version        uint64    `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transactions" }

// Terminal reports whether the transaction reached a final state.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusReleased || t.Status == StatusRefunded
}
