package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: chat:presence:{roomId}
// ZSET member = userId|connId, score = 过期时间(ms)
func presenceKey(roomID string) string { return "chat:presence:{" + roomID + "}" }

// KEYS[1]=zset ARGV: now, expireAt, member, keyTTL(ms), userId
// 返回 1 表示该用户此前不在房间
var luaPresenceJoin = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local prefix = ARGV[5] .. '|'
local first = 1
local ms = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, m in ipairs(ms) do
  if string.sub(m, 1, string.len(prefix)) == prefix then
    first = 0
    break
  end
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return first
`)

type RedisPresence struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	clock func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration, clock func() time.Time) *RedisPresence {
	if clock == nil {
		clock = time.Now
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, clock: clock}
}

func (p *RedisPresence) Join(ctx context.Context, roomID, userID, connID string) (bool, error) {
	now := p.clock()
	res, err := luaPresenceJoin.Run(ctx, p.rdb, []string{presenceKey(roomID)},
		now.UnixMilli(),
		now.Add(p.ttl).UnixMilli(),
		member(userID, connID),
		p.ttl.Milliseconds(),
		userID,
	).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "presence join room=%s user=%s", roomID, userID)
	}
	return res == 1, nil
}

func (p *RedisPresence) Leave(ctx context.Context, roomID, userID, connID string) error {
	err := p.rdb.ZRem(ctx, presenceKey(roomID), member(userID, connID)).Err()
	return errors.Wrapf(err, "presence leave room=%s user=%s", roomID, userID)
}

func (p *RedisPresence) Members(ctx context.Context, roomID string) ([]string, error) {
	now := p.clock().UnixMilli()
	ms, err := p.rdb.ZRangeByScore(ctx, presenceKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(err, "presence members room=%s", roomID)
	}
	return usersOf(ms), nil
}
