package recording

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/shared"
	"github.com/redis/go-redis/v9"
)

const statusTTL = 12 * time.Hour

// StatusStore mirrors live session status for other processes. It is not a
// recording store; entries disappear when the session closes.
type StatusStore interface {
	Put(ctx context.Context, info Info) error
	Delete(ctx context.Context, sessionID string) error
}

type NopStatusStore struct{}

func (NopStatusStore) Put(context.Context, Info) error      { return nil }
func (NopStatusStore) Delete(context.Context, string) error { return nil }

type RedisStatusStore struct {
	redis *redis.Client
}

func NewRedisStatusStore(client *redis.Client) *RedisStatusStore {
	return &RedisStatusStore{redis: client}
}

func statusKey(sessionID string) string {
	return "recording:" + sessionID
}

func (s *RedisStatusStore) Put(ctx context.Context, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, statusKey(info.SessionID), data, statusTTL).Err()
}

func (s *RedisStatusStore) Get(ctx context.Context, sessionID string) (*Info, error) {
	data, err := s.redis.Get(ctx, statusKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *RedisStatusStore) Delete(ctx context.Context, sessionID string) error {
	return s.redis.Del(ctx, statusKey(sessionID)).Err()
}
