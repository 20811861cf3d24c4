package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payout states. KYC_BLOCKED parks a payout until the vendor verifies;
// MANUAL_REVIEW is terminal from the engine's point of view and is worked
// by admin tooling.
const (
	PayoutRequested    = "REQUESTED"
	PayoutSent         = "SENT"
	PayoutConfirmed    = "CONFIRMED"
	PayoutFailed       = "FAILED"
	PayoutKYCBlocked   = "KYC_BLOCKED"
	PayoutManualReview = "MANUAL_REVIEW"
)

// Payout tracks one external disbursement of a RELEASED transaction's net
// amount. IdempotencyKey doubles as the key of the external send call so a
// retried send can never double-disburse.
type Payout struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	TransactionID  string          `gorm:"type:uuid;not null;uniqueIndex"`
	VendorID       string          `gorm:"type:uuid;not null;index"`
	Currency       string          `gorm:"size:3;not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status         string          `gorm:"size:16;not null;index"`
	Attempts       int             `gorm:"not null;default:0"`
	NextAttemptAt  *time.Time      `gorm:"index"`
	HandleID       *string         `gorm:"size:128;index"`
	IdempotencyKey string          `gorm:"size:128;not null;uniqueIndex"`
	LastError      *string         `gorm:"size:255"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`
}

func (Payout) TableName() string { return "payouts" }
