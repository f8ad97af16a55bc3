package session

import (
	"context"
	"fmt"

	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"

	"go.uber.org/zap"
)

type CustomerConfig struct {
	User     Identity
	PageSize int
	// OnChange gets a fresh View after every state change. It runs on the
	// session loop and must not block.
	OnChange func(View)
	Logger   *zap.Logger
}

// CustomerSession is the customer's single chat room.
type CustomerSession struct {
	*core
	conf CustomerConfig
	win  *window
}

type (
	openCmd     struct{ reply chan error }
	roomFetched struct {
		info  model.ChatRoom
		err   error
		reply chan error
	}
	customerViewReq struct{ reply chan View }
)

func (openCmd) isSessionMsg()         {}
func (roomFetched) isSessionMsg()     {}
func (customerViewReq) isSessionMsg() {}

func NewCustomerSession(conf CustomerConfig, conn Conn, backend Backend) *CustomerSession {
	s := &CustomerSession{
		core: newCore(conf.User, conn, backend, conf.PageSize, conf.Logger),
		conf: conf,
	}
	s.notify = func() {
		if s.conf.OnChange != nil {
			s.conf.OnChange(s.view(s.win))
		}
	}
	go s.loop()
	return s
}

// Open finds or creates the customer's room, subscribes to it and loads the
// newest page. It returns once that page is in.
func (s *CustomerSession) Open(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return openCmd{reply: reply} })
}

// Send publishes content; the message shows up when the server echoes it back.
func (s *CustomerSession) Send(ctx context.Context, content string) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return sendCmd{content: content, reply: reply} })
}

// LoadMore fetches the next older page. A call made while a load is in flight
// or after the last page is a no-op.
func (s *CustomerSession) LoadMore(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return loadMoreCmd{reply: reply} })
}

func (s *CustomerSession) MarkAsRead(ctx context.Context, messageID string) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return markReadCmd{id: messageID, reply: reply} })
}

func (s *CustomerSession) MarkAllRead(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return markAllReadCmd{reply: reply} })
}

func (s *CustomerSession) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := s.enqueue(ctx, customerViewReq{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, errs.ErrTimeout.WrapMsg("snapshot")
	case <-s.ctx.Done():
		return View{}, errs.ErrSessionClosed
	}
}

// Close stops the loop and drops the room subscription. The connection itself
// belongs to the caller.
func (s *CustomerSession) Close() { s.stop() }

func (s *CustomerSession) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.unbind(s.win)
			return
		case <-s.connWake:
			s.syncConn()
		case m := <-s.inbox:
			// 先让连接状态追上，再处理排在它之后的命令
			s.syncConn()
			s.handle(m)
		}
	}
}

func (s *CustomerSession) syncConn() {
	for _, m := range s.takeConn() {
		s.handle(m)
	}
}

func (s *CustomerSession) handle(m sessionMsg) {
	switch m := m.(type) {
	case openCmd:
		if s.win != nil {
			m.reply <- nil
			return
		}
		customerID, reply := s.me.ID, m.reply
		s.spawn("chat.getRoom", func(ctx context.Context) sessionMsg {
			info, err := s.backend.GetChatRoom(ctx, customerID)
			return roomFetched{info: info, err: err, reply: reply}
		})

	case roomFetched:
		if m.err != nil {
			m.reply <- m.err
			return
		}
		if s.win != nil { // 并发 Open，先到的赢
			m.reply <- nil
			return
		}
		s.win = s.open(m.info)
		s.log.Info("room opened", zap.String("roomId", m.info.ID), zap.String("status", string(m.info.Status)))
		if err := s.bind(s.win); err != nil {
			// 连上后 onConn 会补订阅并拉历史
			s.changed()
			m.reply <- err
			return
		}
		s.win.waiters = append(s.win.waiters, m.reply)
		s.load(s.win, false)
		s.changed()

	case customerViewReq:
		m.reply <- s.view(s.win)

	default:
		if !s.handleWindow(s.win, m) {
			s.log.Warn("unhandled session message", zap.String("type", fmt.Sprintf("%T", m)))
		}
	}
}
