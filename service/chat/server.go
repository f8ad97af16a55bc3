package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"SupportChat/logger"
	"SupportChat/middleware"
	"SupportChat/service/stompx"
	"SupportChat/tools/errs"
	"SupportChat/tools/ids"
	"SupportChat/tools/security"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConf struct {
	NodeID         string
	Name           string           // CONNECTED 帧的 server 头
	HeartBeat      stompx.HeartBeat // 服务端心跳能力
	ReadLimit      int64
	WriteWait      time.Duration
	SendBuffer     int           // 每连接发送队列长度
	FrameTimeout   time.Duration // 单帧业务处理超时
	AllowedOrigins []string      // 空 => 不限制
	Manager        ManagerConf
}

func (c *ServerConf) norm() {
	if c.NodeID == "" {
		c.NodeID = "gw-1"
	}
	if c.Name == "" {
		c.Name = "SupportChat/1.0"
	}
	if c.HeartBeat == (stompx.HeartBeat{}) {
		c.HeartBeat = stompx.HeartBeat{Send: 10 * time.Second, Recv: 10 * time.Second}
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 5 * time.Second
	}
}

// Server is the STOMP-over-websocket gateway of one node.
type Server struct {
	conf     ServerConf
	auth     security.Options
	mgr      *ConnManager
	broker   *Broker
	disp     *Dispatcher
	upgrader websocket.Upgrader
	log      *zap.Logger

	guard SubscribeGuard
	relay Relay

	mu      sync.RWMutex
	closers []func(*Session)
}

func NewServer(conf ServerConf, auth security.Options) *Server {
	conf.norm()
	return &Server{
		conf:   conf,
		auth:   auth,
		mgr:    NewConnManager(conf.NodeID, conf.Manager),
		broker: NewBroker(),
		disp:   NewDispatcher(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     middleware.OriginAllowed(conf.AllowedOrigins),
		},
		log: logger.Named("gateway"),
	}
}

func (s *Server) ConnMgr() *ConnManager { return s.mgr }
func (s *Server) Broker() *Broker       { return s.broker }
func (s *Server) Disp() *Dispatcher     { return s.disp }
func (s *Server) NodeID() string        { return s.conf.NodeID }

func (s *Server) Register(h Handler) { s.disp.Register(h) }

// SetGuard installs the SUBSCRIBE check. Call before serving.
func (s *Server) SetGuard(g SubscribeGuard) { s.guard = g }

// SetRelay routes Publish through other nodes. Call before serving; the relay
// must hand inbound publishes to Deliver.
func (s *Server) SetRelay(r Relay) { s.relay = r }

// OnClose runs fn for every session after it has gone away.
func (s *Server) OnClose(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Publish pushes payload as JSON to every subscriber of dest, cluster wide
// when a relay is installed.
func (s *Server) Publish(ctx context.Context, dest string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.WrapMsg(err, "marshal push", "destination", dest)
	}
	msgID := ids.GenerateString()
	if s.relay != nil {
		return s.relay.Publish(ctx, dest, body, msgID)
	}
	s.broker.Deliver(dest, body, msgID)
	return nil
}

// Deliver is the local half of Publish.
func (s *Server) Deliver(dest string, body []byte, msgID string) int {
	return s.broker.Deliver(dest, body, msgID)
}

func (s *Server) Stop() { s.mgr.Stop() }

func (s *Server) closed(sess *Session) {
	s.mgr.Remove(sess.ID)
	s.broker.Drop(sess)

	s.mu.RLock()
	fns := append([]func(*Session){}, s.closers...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(sess)
	}
}
