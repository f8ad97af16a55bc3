package global

import (
	"context"
	"strings"
	"time"

	"SupportChat/data/database/mgo/mongoutil"
	"SupportChat/data/database/pg"
	"SupportChat/global/config"
	"SupportChat/service/natsx"
	redisx "SupportChat/service/storage/redis"
	"SupportChat/tools/ids"
	"SupportChat/tools/security"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func ConfigIds(c config.AppConfig) {
	ids.SetNodeID(c.IDNode)
}

func JWTOptions(c config.AppConfig) security.Options {
	o := security.DefaultOptions([]byte(c.JWTSecret))
	if c.JWTTTL > 0 {
		o.TTL = c.JWTTTL
	}
	return o
}

// ConfigRedis returns nil when CHAT_REDIS_ADDR is unset; callers fall back to
// in-memory presence and dedup.
func ConfigRedis(c config.AppConfig) (*redis.Client, error) {
	if c.RedisAddr == "" {
		return nil, nil
	}
	if err := redisx.InitRedis(redisx.Config{
		Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB, PoolSize: 32,
	}); err != nil {
		return nil, err
	}
	glog.Infof("[BOOT] redis ready addr=%s", c.RedisAddr)
	return redisx.GetRedis(), nil
}

func ConfigPg(ctx context.Context, c config.AppConfig) (*pgxpool.Pool, error) {
	if c.RoomStore != config.StorePostgres {
		return nil, nil
	}
	pool, err := pg.NewPool(ctx, pg.Config{DSN: c.PostgresDSN, MaxConns: 20, MaxRetry: 3})
	if err != nil {
		return nil, err
	}
	glog.Infof("[BOOT] postgres ready")
	return pool, nil
}

func ConfigMgo(ctx context.Context, c config.AppConfig) (*mongoutil.Client, error) {
	if c.MessageStore != config.StoreMongo {
		return nil, nil
	}
	cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{
		Uri:         c.MongoURI,
		Database:    c.MongoDatabase,
		MaxPoolSize: 20,
		MaxRetry:    3,
	})
	if err != nil {
		return nil, err
	}
	glog.Infof("[BOOT] mongo ready db=%s", c.MongoDatabase)
	return cli, nil
}

// ConfigNats returns nil when CHAT_NATS_URL is unset (single node).
func ConfigNats(c config.AppConfig) (*natsx.NatsxClient, error) {
	if c.NatsURL == "" {
		return nil, nil
	}
	cli, err := natsx.NewNatsxClient(natsx.NatsxConfig{
		Servers:       strings.Split(c.NatsURL, ","),
		Name:          "supportchat-" + c.NodeID,
		ReconnectWait: 500 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	glog.Infof("[BOOT] nats ready url=%s", c.NatsURL)
	return cli, nil
}
