package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// AppConfig 进程配置，全部来自环境变量（CHAT_ 前缀）
type AppConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	NodeID   string `env:"NODE_ID" envDefault:"gw-1"`
	IDNode   int64  `env:"ID_NODE" envDefault:"1"` // 雪花节点号 0..1023
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	JWTSecret string        `env:"JWT_SECRET,required"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"2h"`
	DevLogin  bool          `env:"DEV_LOGIN" envDefault:"false"`

	HeartBeat      time.Duration `env:"HEARTBEAT" envDefault:"10s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxConnPerUser int           `env:"MAX_CONN_PER_USER" envDefault:"5"`

	// 房间与消息存储：memory | postgres | mongo
	RoomStore    string `env:"ROOM_STORE" envDefault:"memory"`
	MessageStore string `env:"MESSAGE_STORE" envDefault:"memory"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" envDefault:"2m"`

	PostgresDSN string `env:"POSTGRES_DSN"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"supportChat"`

	NatsURL string `env:"NATS_URL"`
}

// Load reads .env (if present) and then the environment.
func Load() (AppConfig, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return AppConfig{}, fmt.Errorf("load .env: %w", err)
		}
	}
	var c AppConfig
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "CHAT_"}); err != nil {
		return AppConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return c, c.Validate()
}

func (c AppConfig) Validate() error {
	switch c.RoomStore {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("CHAT_ROOM_STORE=postgres needs CHAT_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown CHAT_ROOM_STORE %q", c.RoomStore)
	}
	switch c.MessageStore {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("CHAT_MESSAGE_STORE=mongo needs CHAT_MONGO_URI")
		}
	default:
		return fmt.Errorf("unknown CHAT_MESSAGE_STORE %q", c.MessageStore)
	}
	if c.IDNode < 0 || c.IDNode > 1023 {
		return fmt.Errorf("CHAT_ID_NODE out of range: %d", c.IDNode)
	}
	for i, o := range c.AllowedOrigins {
		c.AllowedOrigins[i] = strings.TrimSpace(o)
	}
	return nil
}
