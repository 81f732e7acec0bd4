package chat

import "time"

type Conversation struct {
	ID     string `gorm:"primaryKey;size:26" json:"conversation_id"` // ULID length
	UserID uint64 `gorm:"index;not null" json:"-"`

	// Canonical key for the bot selection this thread belongs to:
	// sorted bot ids joined with commas, or "__default__".
	ContextKey string `gorm:"type:varchar(128);index;not null" json:"context_key"`

	ChatMode string `gorm:"type:varchar(16);not null;default:advisor" json:"chat_mode"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"size:26;not null;index:idx_msg_user_conv,priority:2" json:"conversation_id"`
	UserID         uint64    `gorm:"not null;index:idx_msg_user_conv,priority:1;index:uniq_msg_idempo,unique,priority:1" json:"-"`
	Role           string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	BotID          *string   `gorm:"size:26;index" json:"bot_id,omitempty"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_msg_idempo,unique,priority:2" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "messages" }
