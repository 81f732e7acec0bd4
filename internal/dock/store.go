package dock

import (
	"context"
	"sync"
)

// MaxStoredMessages caps the in-memory dock transcript.
const MaxStoredMessages = 100

// Persistence mirrors the transcript into a session-scoped store so it
// survives reloads. Implementations are best-effort; failures are not
// surfaced to the sender.
type Persistence interface {
	Save(ctx context.Context, sessionID string, msgs []ChatMessage) error
	Load(ctx context.Context, sessionID string) ([]ChatMessage, error)
}

// MessageStore holds the dock transcript, capped at MaxStoredMessages,
// optionally mirrored through a Persistence.
type MessageStore struct {
	mu        sync.Mutex
	msgs      []ChatMessage
	sessionID string
	persist   Persistence
}

func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// WithPersistence attaches a session-scoped mirror and loads whatever it
// already holds.
func (s *MessageStore) WithPersistence(ctx context.Context, p Persistence, sessionID string) *MessageStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
	s.sessionID = sessionID
	if msgs, err := p.Load(ctx, sessionID); err == nil && len(msgs) > 0 {
		s.msgs = msgs
		s.trimLocked()
	}
	return s
}

func (s *MessageStore) trimLocked() {
	if len(s.msgs) > MaxStoredMessages {
		s.msgs = append([]ChatMessage(nil), s.msgs[len(s.msgs)-MaxStoredMessages:]...)
	}
}

func (s *MessageStore) saveLocked() {
	if s.persist == nil {
		return
	}
	snapshot := append([]ChatMessage(nil), s.msgs...)
	_ = s.persist.Save(context.Background(), s.sessionID, snapshot)
}

func (s *MessageStore) Append(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	s.trimLocked()
	s.saveLocked()
}

func (s *MessageStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.msgs {
		if m.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			break
		}
	}
	s.saveLocked()
}

// Update applies fn to the message with the given id, if present.
func (s *MessageStore) Update(id string, fn func(*ChatMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			fn(&s.msgs[i])
			s.saveLocked()
			return true
		}
	}
	return false
}

func (s *MessageStore) Get(id string) (ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return ChatMessage{}, false
}

// Messages returns a copy of the transcript, oldest first.
func (s *MessageStore) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.msgs...)
}
