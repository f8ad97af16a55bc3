package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"SupportChat/logger"
	"SupportChat/service/stompx"
	"SupportChat/tools/errs"
	"SupportChat/tools/ids"
	"SupportChat/tools/safe"
	"SupportChat/tools/security"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type outFrame struct {
	data []byte
	last bool // 写完即关闭（ERROR / DISCONNECT 回执）
}

// Session is one websocket connection speaking STOMP 1.2.
type Session struct {
	ID     string
	User   security.Identity
	Remote string

	srv  *Server
	conn *websocket.Conn
	send chan outFrame

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	rooms     map[string]struct{}
	errSub    string // 订阅了 /user/queue/errors 时的订阅 id

	out, in time.Duration // 协商后的心跳

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(srv *Server, conn *websocket.Conn, who security.Identity) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:     ids.GenerateString(),
		User:   who,
		srv:    srv,
		conn:   conn,
		send:   make(chan outFrame, srv.conf.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// MarkJoined records that the session announced itself in roomID; it reports
// whether this is the first time.
func (s *Session) MarkJoined(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close tears the connection down once; reason goes into the close frame.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		if len(reason) > 120 {
			reason = reason[:120]
		}
		if s.conn == nil {
			return
		}
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// enqueue hands f to the write loop. A full buffer means the client cannot
// keep up; the session is dropped rather than blocking the publisher.
func (s *Session) enqueue(f *frame.Frame, last bool) bool {
	data, err := stompx.Encode(f)
	if err != nil {
		s.srv.log.Error("encode frame", zap.String("session", s.ID), zap.Error(err))
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- outFrame{data: data, last: last}:
		return true
	default:
		s.srv.log.Warn("slow consumer dropped", zap.String("session", s.ID), zap.String("user", s.User.UserID))
		safe.Go("gateway.drop", func() { s.Close("slow consumer") })
		return false
	}
}

// writeNow writes from the read goroutine; only valid before the write loop runs.
func (s *Session) writeNow(f *frame.Frame) error {
	data, err := stompx.Encode(f)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Session) write(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.conf.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ===== 写循环 =====

func (s *Session) writeLoop() {
	var tick <-chan time.Time
	if s.out > 0 {
		t := time.NewTicker(s.out)
		defer t.Stop()
		tick = t.C
	}
	beat, _ := stompx.Encode(nil)
	for {
		select {
		case <-s.done:
			return
		case of := <-s.send:
			if err := s.write(of.data); err != nil {
				logger.Infof("[WS] write err session=%s user=%s err=%v", s.ID, s.User.UserID, err)
				s.Close("")
				return
			}
			if of.last {
				s.Close("")
				return
			}
		case <-tick:
			if err := s.write(beat); err != nil {
				logger.Infof("[WS] heart-beat err session=%s err=%v", s.ID, err)
				s.Close("")
				return
			}
		}
	}
}

// ===== 读循环 =====

func (s *Session) readLoop() {
	s.conn.SetReadLimit(s.srv.conf.ReadLimit)
	s.extendRead()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed session=%s err=%v", s.ID, err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout session=%s err=%v", s.ID, err)
			} else {
				logger.Infof("[WS] read err session=%s err=%v", s.ID, err)
			}
			s.Close("")
			return
		}
		s.srv.mgr.Heartbeat(s.ID)
		s.extendRead()

		f, err := stompx.Decode(data)
		if err != nil {
			s.fail(errs.ErrMessageParse.WrapMsg(err.Error()), "")
			s.drain()
			return
		}
		if f == nil {
			continue // heart-beat
		}
		glog.V(2).Infof("[STOMP] <- %s session=%s dest=%s", f.Command, s.ID, f.Header.Get(stompx.HdrDestination))
		if !s.handle(f) {
			s.drain()
			return
		}
	}
}

func (s *Session) extendRead() {
	if ttl := s.srv.mgr.TTL(s.ID); ttl > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(ttl))
	}
}

// drain gives a final ERROR or RECEIPT time to reach the wire.
func (s *Session) drain() {
	t := time.NewTimer(s.srv.conf.WriteWait)
	defer t.Stop()
	select {
	case <-s.done:
	case <-t.C:
	}
	s.Close("")
}

// handle processes one client frame and reports whether to keep reading.
func (s *Session) handle(f *frame.Frame) bool {
	receipt := f.Header.Get(stompx.HdrReceipt)
	if f.Command == frame.CONNECT || f.Command == frame.STOMP {
		return s.onConnect(f)
	}
	if !s.IsConnected() {
		s.fail(errs.ErrBadRequest.WrapMsg("expected CONNECT", "command", f.Command), receipt)
		return false
	}

	var err error
	switch f.Command {
	case frame.SUBSCRIBE:
		err = s.onSubscribe(f)
	case frame.UNSUBSCRIBE:
		s.onUnsubscribe(f.Header.Get(stompx.HdrID))
	case frame.SEND:
		ctx, cancel := context.WithTimeout(s.ctx, s.srv.conf.FrameTimeout)
		err = s.srv.disp.Dispatch(&ChatContext{S: s.srv, Ctx: ctx}, f, s)
		cancel()
		var re *RouteError
		if err != nil && !errors.As(err, &re) {
			// 业务拒绝不动连接
			s.reject(f, err, receipt)
			return true
		}
	case frame.DISCONNECT:
		if receipt == "" {
			s.Close("")
		} else if !s.enqueue(stompx.Receipt(receipt), true) {
			s.Close("")
		}
		return false
	case frame.ACK, frame.NACK, frame.BEGIN, frame.COMMIT, frame.ABORT:
		glog.V(2).Infof("[STOMP] ignored %s session=%s", f.Command, s.ID)
	default:
		err = errs.ErrBadRequest.WrapMsg("unknown command", "command", f.Command)
	}
	if err != nil {
		s.fail(err, receipt)
		return false
	}
	if receipt != "" {
		s.enqueue(stompx.Receipt(receipt), false)
	}
	return true
}

func (s *Session) onConnect(f *frame.Frame) bool {
	receipt := f.Header.Get(stompx.HdrReceipt)
	if s.IsConnected() {
		s.fail(errs.ErrAlreadyConnected.Wrap(), receipt)
		return false
	}
	if v := f.Header.Get(stompx.HdrAcceptVersion); v != "" && !acceptsVersion(v) {
		s.fail(errs.ErrBadRequest.WrapMsg("unsupported version", "accept-version", v), receipt)
		return false
	}
	// CONNECT 上的令牌可选；带了就必须与握手时是同一个人
	if auth := f.Header.Get(stompx.HdrAuthorization); auth != "" {
		claims, err := security.Verify(s.srv.auth, security.BearerToken(auth))
		if err != nil {
			s.fail(err, receipt)
			return false
		}
		if claims.Subject != s.User.UserID {
			s.fail(errs.ErrUnauthorized.WrapMsg("token subject mismatch"), receipt)
			return false
		}
	}
	remote, err := stompx.ParseHeartBeat(f.Header.Get(stompx.HdrHeartBeat))
	if err != nil {
		s.fail(errs.ErrBadRequest.WrapMsg("bad heart-beat", "value", f.Header.Get(stompx.HdrHeartBeat)), receipt)
		return false
	}
	s.out, s.in = stompx.Negotiate(s.srv.conf.HeartBeat, remote)
	s.srv.mgr.Connected(s.ID, s.in)
	s.extendRead()

	if err := s.writeNow(stompx.Connected(s.ID, s.srv.conf.Name, s.srv.conf.HeartBeat)); err != nil {
		logger.Infof("[WS] write CONNECTED err session=%s err=%v", s.ID, err)
		s.Close("")
		return false
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	safe.Go("gateway.write", s.writeLoop)

	s.srv.log.Info("stomp connected",
		zap.String("session", s.ID),
		zap.String("user", s.User.UserID),
		zap.String("role", s.User.Role),
		zap.Duration("out", s.out),
		zap.Duration("in", s.in))
	return true
}

func (s *Session) onSubscribe(f *frame.Frame) error {
	dest := f.Header.Get(stompx.HdrDestination)
	if dest == stompx.DestErrors {
		id := f.Header.Get(stompx.HdrID)
		if id == "" {
			return errs.ErrBadRequest.WrapMsg("subscribe without id", "destination", dest)
		}
		s.mu.Lock()
		s.errSub = id
		s.mu.Unlock()
		return nil
	}
	if s.srv.guard != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.srv.conf.FrameTimeout)
		err := s.srv.guard.CanSubscribe(ctx, s.User, dest)
		cancel()
		if err != nil {
			return err
		}
	}
	return s.srv.broker.Subscribe(dest, s, f.Header.Get(stompx.HdrID))
}

func (s *Session) onUnsubscribe(id string) {
	s.mu.Lock()
	own := id != "" && id == s.errSub
	if own {
		s.errSub = ""
	}
	s.mu.Unlock()
	if !own {
		s.srv.broker.Unsubscribe(s, id)
	}
}

// reject reports a refused SEND on the session's error queue and keeps the
// connection. Without a subscription there the refusal is only logged.
func (s *Session) reject(f *frame.Frame, err error, receipt string) {
	dest := f.Header.Get(stompx.HdrDestination)
	ce, ok := errs.As(err)
	if !ok {
		ce = errs.ErrInternal
	}
	s.srv.log.Info("send rejected",
		zap.String("session", s.ID),
		zap.String("user", s.User.UserID),
		zap.String("destination", dest),
		zap.Error(err))

	s.mu.Lock()
	sub := s.errSub
	s.mu.Unlock()
	if sub == "" {
		glog.V(1).Infof("[STOMP] rejection dropped, no error queue session=%s dest=%s code=%d", s.ID, dest, ce.Code)
		return
	}
	body, jerr := json.Marshal(stompx.Rejection{Code: ce.Code, Msg: ce.Msg, Destination: dest})
	if jerr != nil {
		s.srv.log.Error("encode rejection", zap.String("session", s.ID), zap.Error(jerr))
		return
	}
	m := stompx.Message(stompx.DestErrors, sub, ids.GenerateString(), body)
	if receipt != "" {
		m.Header.Set(stompx.HdrReceiptID, receipt)
	}
	s.enqueue(m, false)
}

// fail answers with an ERROR frame; the connection closes after it.
// Only protocol faults end up here.
func (s *Session) fail(err error, receipt string) {
	msg := "error"
	if ce, ok := errs.As(err); ok {
		msg = ce.Msg
	}
	s.srv.log.Info("stomp error", zap.String("session", s.ID), zap.Error(err))
	f := stompx.Error(msg, err.Error(), receipt)
	if s.IsConnected() {
		if !s.enqueue(f, true) {
			s.Close("")
		}
		return
	}
	_ = s.writeNow(f)
	s.Close("")
}

func acceptsVersion(v string) bool {
	for _, x := range strings.Split(v, ",") {
		if strings.TrimSpace(x) == stompx.Version {
			return true
		}
	}
	return false
}
