package dock

import (
	"sort"
	"strings"
)

// DefaultContextKey groups conversations started with no bot selected.
const DefaultContextKey = "__default__"

const (
	ModeAdvisor  = "advisor"
	ModeOperator = "operator"
)

// MaxSelectedBots bounds how many bots a single thread can address.
const MaxSelectedBots = 3

// SendContext is the resolved addressing for one outbound message.
type SendContext struct {
	SelectedBotIDs []string `json:"selected_bot_ids"`
	ContextKey     string   `json:"context_key"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ChatMode       string   `json:"chat_mode"`
	ActiveBotID    string   `json:"active_bot_id,omitempty"`
}

// NormalizeBotIDs drops blanks and duplicates, preserves first-seen
// order, and caps the selection.
func NormalizeBotIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) == MaxSelectedBots {
			break
		}
	}
	return out
}

// ContextKey canonicalizes a bot selection: sorted ids joined with
// commas, independent of selection order.
func ContextKey(botIDs []string) string {
	ids := NormalizeBotIDs(botIDs)
	if len(ids) == 0 {
		return DefaultContextKey
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Overrides let a caller pin parts of the send context; anything unset
// falls back to the stored per-context conversation id and the current
// UI selection.
type Overrides struct {
	SelectedBotIDs []string
	ConversationID *string
	ChatMode       string
	ActiveBotID    *string
}

func dedupKey(sc SendContext, text string) string {
	return sc.ContextKey + "|" + sc.ConversationID + "|" + sc.ChatMode + "|" + text
}
