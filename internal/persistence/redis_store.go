package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "chatrelay:snapshot"

// RedisStore mirrors the snapshot document under a single key. SET replaces
// the value atomically, so readers never observe a partial document.
type RedisStore struct {
	rdc *redis.Client
	key string
}

func NewRedisStore(rdc *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdc: rdc, key: key}
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.rdc.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := s.rdc.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Empty(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return Unmarshal(data)
}
