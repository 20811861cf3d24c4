package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Platform-owned wallet parties. Escrow custody and fee revenue are kept
// on separate wallets so the reconciliation sum over held balances stays
// a pure function of live transactions.
const (
	PlatformEscrowParty  = "platform:escrow"
	PlatformRevenueParty = "platform:revenue"
)

// Wallet holds one party's funds in one currency. Balance is withdrawable,
// HeldBalance is escrow custody earmarked for in-flight transactions.
// Neither may ever go negative.
type Wallet struct {
	ID          uint64          `gorm:"primaryKey"`
	PartyID     string          `gorm:"size:64;not null;uniqueIndex:uq_party_currency"`
	Currency    string          `gorm:"size:3;not null;uniqueIndex:uq_party_currency"`
	Balance     decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	HeldBalance decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version     uint64          `gorm:"not null;default:0"`
	CreatedAt   time.Time       `gorm:"autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallets" }
