// Package kv provides the key-value adapters behind the session-state port:
// Redis for real deployments, an in-process map for tests and local runs.
package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/convsync/internal/apperr"
)

type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + ":" + k }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Wrap(apperr.KindTransient, "kv get", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransient, "kv set", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransient, "kv delete", err)
	}
	return nil
}
