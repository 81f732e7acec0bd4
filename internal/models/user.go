package models

import "time"

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`

	// Billing plan id: free, starter, pro, business.
	PlanID string `gorm:"type:varchar(32);not null;default:free" json:"plan_id"`

	// Per-feature entitlement flags as a JSON object, e.g. {"ai": true}.
	// Empty means the billing sync has not materialized flags yet.
	Entitlements string `gorm:"type:text" json:"-"`

	// Assistant mode metadata: none, advisor, operator.
	AssistantMode string `gorm:"type:varchar(16);not null;default:none" json:"assistant_mode"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
