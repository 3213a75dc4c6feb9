package storage

import (
	"context"

	"flora-session/internal/common/errors"
)

// RedisClient is the subset of redis.Client used by RedisStore.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
	DeleteMany(ctx context.Context, keys ...string) error
}

// RedisStore keeps entries as plain Redis strings without expiry. The
// client is owned by the caller; Close does not close it.
type RedisStore struct {
	client RedisClient
}

func NewRedisStore(client RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := s.client.Get(ctx, key)
	if err != nil {
		return "", false, errors.StorageError("redis get failed", err).WithContext("key", key)
	}
	return value, ok, nil
}

func (s *RedisStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	values, err := s.client.GetMany(ctx, keys...)
	if err != nil {
		return nil, errors.StorageError("redis multi-get failed", err)
	}
	return values, nil
}

func (s *RedisStore) SetMany(ctx context.Context, pairs ...Pair) error {
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		values[p.Key] = p.Value
	}
	if err := s.client.SetMany(ctx, values); err != nil {
		return errors.StorageError("redis multi-set failed", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, keys ...string) error {
	if err := s.client.DeleteMany(ctx, keys...); err != nil {
		return errors.StorageError("redis multi-remove failed", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return nil
}
