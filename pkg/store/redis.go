package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// patchRetries bounds optimistic retries of Patch under contention.
const patchRetries = 8

// RedisStore keeps each record in its own key with a set index per kind, so
// workers in several processes share state.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using keys "<prefix>:<kind>:<id>".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "autopilot"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(kind, id string) string {
	return s.prefix + ":" + kind + ":" + id
}

func (s *RedisStore) indexKey(kind string) string {
	return s.prefix + ":" + kind + ":_index"
}

func (s *RedisStore) Get(ctx context.Context, kind, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s %s: %w", kind, id, err)
	}
	return data, nil
}

func (s *RedisStore) Put(ctx context.Context, kind, id string, data []byte) error {
	if id == "" {
		return ErrEmptyID
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(kind, id), data, 0)
		pipe.SAdd(ctx, s.indexKey(kind), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s %s: %w", kind, id, err)
	}
	return nil
}

// Patch watches the record key and retries when another writer commits
// first. After patchRetries lost races it returns ErrConflict.
func (s *RedisStore) Patch(ctx context.Context, kind, id string, fn PatchFunc) error {
	if id == "" {
		return ErrEmptyID
	}
	key := s.key(kind, id)

	for i := 0; i < patchRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				pipe.SAdd(ctx, s.indexKey(kind), id)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("%s %s: %w", kind, id, ErrConflict)
}

func (s *RedisStore) List(ctx context.Context, kind string) (map[string][]byte, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", kind, err)
	}
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(kind, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", kind, err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry without a record
			continue
		}
		out[ids[i]] = []byte(str)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, kind, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(kind, id))
		pipe.SRem(ctx, s.indexKey(kind), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s %s: %w", kind, id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
