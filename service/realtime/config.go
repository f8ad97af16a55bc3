package realtime

import (
	"context"
	"time"

	"SupportChat/logger"

	"go.uber.org/zap"
)

// ===== 配置 =====

type Config struct {
	URL   string // ws(s)://host/ws
	Host  string // STOMP host header，默认取 URL 的 host
	Token string // 首次握手使用的 token

	// GetToken 每次重连前取新 token；nil 时沿用上一次成功的 token
	GetToken func(ctx context.Context) (string, error)

	OnConnect    func()
	OnDisconnect func(Disconnected)
	OnError      func(error)

	BaseDelay        time.Duration // 第 n 次重连等待 BaseDelay*n
	MaxAttempts      int           // 连续失败上限，超过后进入终态
	Heartbeat        time.Duration // 双向心跳间隔；<0 关闭
	HandshakeTimeout time.Duration

	Dialer Dialer
	Logger *zap.Logger
}

const (
	DefaultBaseDelay        = 2 * time.Second
	DefaultMaxAttempts      = 5
	DefaultHeartbeat        = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

func (c *Config) norm() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Heartbeat < 0 {
		c.Heartbeat = 0
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &WSDialer{}
	}
	if c.Logger == nil {
		c.Logger = logger.Named("realtime")
	}
}
