package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// IdemStore remembers keys for a while. SeenOnce reports true only for the
// first caller within ttl.
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type MemIdem struct {
	mu    sync.Mutex
	clock func() time.Time
	keys  map[string]time.Time
}

func NewMemIdem(clock func() time.Time) *MemIdem {
	if clock == nil {
		clock = time.Now
	}
	return &MemIdem{clock: clock, keys: map[string]time.Time{}}
}

func (m *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	if len(m.keys) > 4096 {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
	}
	return true, nil
}

// RedisIdem 用 SETNX 做跨节点去重
type RedisIdem struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisIdem(rdb redis.UniversalClient, prefix string) *RedisIdem {
	if prefix == "" {
		prefix = "chat:idem:"
	}
	return &RedisIdem{rdb: rdb, prefix: prefix}
}

func (r *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "idem setnx key=%s", key)
	}
	return ok, nil
}
