package model

import "time"

// User roles.
const (
	RoleBuyer  = "buyer"
	RoleVendor = "vendor"
	RoleAdmin  = "admin"
)

// User is the minimal party record the ledger engine needs: role for the
// admin capability check and KYCVerified for the payout gate. Identity and
// authentication live with an external collaborator.
type User struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	Role        string    `gorm:"size:16;not null"`
	Email       string    `gorm:"size:255"`
	IsActive    bool      `gorm:"not null;default:true"`
	KYCVerified bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string { return "users" }
