// Package redisstore mirrors the dock transcript into Redis, scoped to a
// session and expiring with it.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/daveri-app/assistant/internal/dock"
)

const keyPrefix = "dock:messages:"

type MessageStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewMessageStore(addr, password string, db int, ttl time.Duration) *MessageStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MessageStore{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl: ttl,
	}
}

func (s *MessageStore) Save(ctx context.Context, sessionID string, msgs []dock.ChatMessage) error {
	if sessionID == "" {
		return errors.New("redisstore: empty session id")
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyPrefix+sessionID, b, s.ttl).Err()
}

func (s *MessageStore) Load(ctx context.Context, sessionID string) ([]dock.ChatMessage, error) {
	if sessionID == "" {
		return nil, errors.New("redisstore: empty session id")
	}
	b, err := s.rdb.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []dock.ChatMessage
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MessageStore) Close() error { return s.rdb.Close() }
