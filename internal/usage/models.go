package usage

import "time"

// Counter is the per-user credit ledger row. All mutation goes through
// Ledger.Consume; the guarded UPDATE there is the concurrency boundary.
type Counter struct {
	UserID      uint64    `gorm:"primaryKey"`
	Day         string    `gorm:"type:varchar(10);not null"`
	DailyUsed   int       `gorm:"not null;default:0"`
	Month       string    `gorm:"type:varchar(7);not null"`
	MonthlyUsed int       `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

func (Counter) TableName() string { return "usage_counters" }

// Rollup is the per-day aggregate maintained by the worker for the
// dashboard's usage chart.
type Rollup struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"not null;index:uniq_rollup_user_day,unique,priority:1"`
	Day       string    `gorm:"type:varchar(10);not null;index:uniq_rollup_user_day,unique,priority:2"`
	Credits   int       `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (Rollup) TableName() string { return "usage_rollups" }

// Event is published to the usage stream after every successful
// credit consumption.
type Event struct {
	UserID         uint64    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      uint64    `json:"message_id"`
	Cost           int       `json:"cost"`
	OccurredAt     time.Time `json:"occurred_at"`
}
