package dock

import "time"

type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

type ActionType string

const (
	ActionRetry  ActionType = "retry"
	ActionCancel ActionType = "cancel"
)

// ActionPayload carries everything needed to replay or cancel a send.
// Actions are data, not callbacks, so they survive serialization into
// the session store.
type ActionPayload struct {
	RequestID      string   `json:"request_id,omitempty"`
	Text           string   `json:"text,omitempty"`
	SelectedBotIDs []string `json:"selected_bot_ids,omitempty"`
	ChatMode       string   `json:"chat_mode,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

type Action struct {
	Type    ActionType    `json:"type"`
	Label   string        `json:"label"`
	Payload ActionPayload `json:"payload"`
}

type ChatMessage struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"` // user | assistant
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status"`
	Action    *Action       `json:"action,omitempty"`
}
