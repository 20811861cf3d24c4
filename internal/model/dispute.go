package model

import "time"

// Dispute reasons.
const (
	DisputeReasonInactivity = "inactivity"
	DisputeReasonBuyer      = "buyer-raised"
	DisputeReasonVendor     = "vendor-raised"
)

// Dispute resolutions.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
	ResolutionSplit   = "split"
)

// Dispute is opened when a transaction escalates to DISPUTED and closed by
// an admin resolution. One dispute per transaction.
type Dispute struct {
	TransactionID string     `gorm:"type:uuid;primaryKey"`
	Reason        string     `gorm:"size:32;not null"`
	OpenedAt      time.Time  `gorm:"not null"`
	Resolver      *string    `gorm:"size:64"`
	Resolution    *string    `gorm:"size:16"`
	ResolvedAt    *time.Time
}

func (Dispute) TableName() string { return "disputes" }
