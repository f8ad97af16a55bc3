// Package session runs the customer and staff chat views. Each session owns its
// rooms from a single event loop; pushed frames, connection events and REST
// results are all posted to the loop's inbox, so room state is never touched
// from two goroutines.
package session

import (
	"context"
	"strings"
	"sync"

	"SupportChat/logger"
	"SupportChat/module/chat/message"
	"SupportChat/module/chat/model"
	"SupportChat/module/chat/room"
	"SupportChat/service/realtime"
	"SupportChat/tools/errs"
	"SupportChat/tools/safe"

	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	inboxSize       = 64
	keepRaw         = 20
)

// Conn is the part of realtime.ConnManager a session drives.
type Conn interface {
	IsConnected() bool
	Send(destination string, payload any, headers map[string]string) error
	Subscribe(destination string, h realtime.Handler) (realtime.Subscription, error)
	Unsubscribe(sub realtime.Subscription) error
	AddListener(fn func(realtime.Event)) (remove func())
	Attempt() int
}

// Backend is the REST surface, satisfied by *api.Client.
type Backend interface {
	GetChatRoom(ctx context.Context, customerID string) (model.ChatRoom, error)
	GetMessageHistory(ctx context.Context, roomID string, page, size int) (model.Page[model.ChatMessage], error)
	MarkMessagesAsRead(ctx context.Context, roomID string) error
	AssignStaff(ctx context.Context, roomID, staffID string) (model.ChatRoom, error)
	CloseChatRoom(ctx context.Context, roomID string) (model.ChatRoom, error)
	GetAllActiveChatRooms(ctx context.Context, page, size int) (model.Page[model.ChatRoom], error)
}

// Identity is the signed-in user the session acts for.
type Identity struct {
	ID    string
	Name  string
	Email string
}

// View is an immutable snapshot of one open room.
type View struct {
	Room         model.ChatRoom
	Messages     []model.ChatMessage
	HasMore      bool
	Loading      bool
	Connected    bool
	InputEnabled bool // room not closed and connection live
	Notice       string
	Unread       int
	Reconnecting int      // reconnect attempt in progress, 0 when none
	RawPayloads  [][]byte // pushed payloads that could not be decoded, newest last
}

// ===== inbox =====

type sessionMsg interface{ isSessionMsg() }

type (
	framePushed struct {
		seq uint64
		in  message.Inbound
	}
	connChanged struct{ ev realtime.Event }

	historyLoaded struct {
		seq     uint64
		number  int
		catchup bool
		page    model.Page[model.ChatMessage]
		err     error
	}
	sendCmd struct {
		content string
		reply   chan error
	}
	loadMoreCmd  struct{ reply chan error }
	markReadCmd  struct {
		id    string
		reply chan error
	}
	markAllReadCmd  struct{ reply chan error }
	markAllReadDone struct {
		err   error
		reply chan error
	}
)

func (framePushed) isSessionMsg()     {}
func (connChanged) isSessionMsg()     {}
func (historyLoaded) isSessionMsg()   {}
func (sendCmd) isSessionMsg()         {}
func (loadMoreCmd) isSessionMsg()     {}
func (markReadCmd) isSessionMsg()     {}
func (markAllReadCmd) isSessionMsg()  {}
func (markAllReadDone) isSessionMsg() {}

// ===== window: 一个已打开的房间 =====

type window struct {
	room       *room.Room
	seq        uint64
	sub        realtime.Subscription
	subscribed bool
	nextPage   int
	hasMore    bool
	loading    bool
	waiters    []chan error // 等首屏历史加载完成的调用方
	raw        [][]byte
}

func (w *window) keep(payload []byte) {
	w.raw = append(w.raw, payload)
	if len(w.raw) > keepRaw {
		w.raw = w.raw[len(w.raw)-keepRaw:]
	}
}

func (w *window) release(err error) {
	for _, ch := range w.waiters {
		ch <- err
	}
	w.waiters = nil
}

// ===== core =====

type core struct {
	me       Identity
	conn     Conn
	backend  Backend
	log      *zap.Logger
	pageSize int

	inbox  chan sessionMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// 连接事件不走 inbox：监听者可能就跑在 loop 自己的 goroutine 上
	cmu      sync.Mutex
	connEvs  []realtime.Event
	connWake chan struct{}

	// loop-owned
	connected bool
	seq       uint64
	notify    func()

	unlisten func()
}

func newCore(me Identity, conn Conn, backend Backend, pageSize int, log *zap.Logger) *core {
	safe.MustNotNil(conn, "conn")
	safe.MustNotNil(backend, "backend")
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = logger.Named("chat.session")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &core{
		me:        me,
		conn:      conn,
		backend:   backend,
		log:       log.With(zap.String("user", me.ID)),
		pageSize:  pageSize,
		inbox:     make(chan sessionMsg, inboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		connWake:  make(chan struct{}, 1),
		connected: conn.IsConnected(),
	}
	c.unlisten = conn.AddListener(func(ev realtime.Event) {
		switch ev.(type) {
		case realtime.Connected, realtime.Disconnected:
			c.cmu.Lock()
			c.connEvs = append(c.connEvs, ev)
			c.cmu.Unlock()
			select {
			case c.connWake <- struct{}{}:
			default:
			}
		}
	})
	return c
}

// takeConn hands the loop every connection event queued so far, oldest first.
func (c *core) takeConn() []connChanged {
	c.cmu.Lock()
	evs := c.connEvs
	c.connEvs = nil
	c.cmu.Unlock()
	out := make([]connChanged, len(evs))
	for i, ev := range evs {
		out[i] = connChanged{ev: ev}
	}
	return out
}

// post hands m to the loop; false once the session is closed.
func (c *core) post(m sessionMsg) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// enqueue is post bounded by the caller's ctx.
func (c *core) enqueue(ctx context.Context, m sessionMsg) error {
	if c.ctx.Err() != nil {
		return errs.ErrSessionClosed
	}
	select {
	case c.inbox <- m:
		return nil
	case <-ctx.Done():
		return errs.ErrTimeout.WrapMsg("enqueue", "err", ctx.Err())
	case <-c.ctx.Done():
		return errs.ErrSessionClosed
	}
}

// call posts a command built around a reply channel and waits for the answer.
func (c *core) call(ctx context.Context, build func(reply chan error) sessionMsg) error {
	reply := make(chan error, 1)
	if err := c.enqueue(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return errs.ErrTimeout.WrapMsg("await", "err", ctx.Err())
	case <-c.ctx.Done():
		return errs.ErrSessionClosed
	}
}

// spawn runs a REST call off the loop and posts its result back.
func (c *core) spawn(name string, fn func(ctx context.Context) sessionMsg) {
	safe.Go(name, func() {
		if m := fn(c.ctx); m != nil {
			c.post(m)
		}
	})
}

func (c *core) stop() {
	c.cancel()
	if c.unlisten != nil {
		c.unlisten()
	}
	<-c.done
}

func (c *core) changed() {
	if c.notify != nil {
		if err := safe.Call(c.notify); err != nil {
			c.log.Error("change observer panicked", zap.Error(err))
		}
	}
}

// ===== window ops，只在 loop 内调用 =====

func (c *core) open(info model.ChatRoom) *window {
	c.seq++
	return &window{
		room:    room.New(info, c.me.ID),
		seq:     c.seq,
		hasMore: true,
	}
}

// bind subscribes w's destination and announces presence. Safe to repeat.
func (c *core) bind(w *window) error {
	if w.subscribed {
		return nil
	}
	seq := w.seq
	forward := func(in message.Inbound) { c.post(framePushed{seq: seq, in: in}) }
	r := &message.Router{
		OnMessage: func(m model.ChatMessage) { forward(message.MessageFrame{Message: m}) },
		OnControl: func(ev model.ControlEvent) { forward(message.ControlFrame{Event: ev}) },
		OnRaw:     func(raw message.RawFrame) { forward(raw) },
		Log:       c.log,
	}
	sub, err := c.conn.Subscribe(model.Destination(w.room.ID()), r.Handle)
	if err != nil {
		return err
	}
	w.sub, w.subscribed = sub, true
	c.join(w)
	return nil
}

func (c *core) join(w *window) {
	if err := c.conn.Send(model.DestJoin, model.JoinRequest{RoomID: w.room.ID()}, nil); err != nil {
		c.log.Warn("join failed", zap.String("roomId", w.room.ID()), zap.Error(err))
	}
}

func (c *core) unbind(w *window) {
	if w == nil || !w.subscribed {
		return
	}
	if err := c.conn.Unsubscribe(w.sub); err != nil {
		c.log.Debug("unsubscribe", zap.String("roomId", w.room.ID()), zap.Error(err))
	}
	w.subscribed = false
}

// load fetches the next page; catchup re-reads page 0 without moving the cursor.
func (c *core) load(w *window, catchup bool) bool {
	if w.loading || (!catchup && !w.hasMore) {
		return false
	}
	w.loading = true
	seq, roomID, number, size := w.seq, w.room.ID(), w.nextPage, c.pageSize
	if catchup {
		number = 0
	}
	c.spawn("chat.history", func(ctx context.Context) sessionMsg {
		page, err := c.backend.GetMessageHistory(ctx, roomID, number, size)
		return historyLoaded{seq: seq, number: number, catchup: catchup, page: page, err: err}
	})
	return true
}

// handleWindow processes everything that only concerns the open window.
// Returns false for messages it does not know.
func (c *core) handleWindow(w *window, m sessionMsg) bool {
	switch m := m.(type) {
	case framePushed:
		if w == nil || m.seq != w.seq {
			return true // 旧房间订阅的残留
		}
		c.onInbound(w, m.in)
		c.changed()

	case historyLoaded:
		if w == nil || m.seq != w.seq {
			return true
		}
		w.loading = false
		if m.err != nil {
			c.log.Warn("history load failed", zap.String("roomId", w.room.ID()), zap.Int("page", m.number), zap.Error(m.err))
			w.release(m.err)
			c.changed()
			return true
		}
		w.room.MergeHistory(m.page.Content)
		if !m.catchup {
			w.nextPage = m.number + 1
			w.hasMore = !m.page.Last && len(m.page.Content) > 0
		}
		w.release(nil)
		c.changed()

	case sendCmd:
		m.reply <- c.send(w, m.content)

	case loadMoreCmd:
		if w == nil {
			m.reply <- errs.ErrNoRoomSelected
			return true
		}
		if !c.load(w, false) {
			m.reply <- nil
			return true
		}
		w.waiters = append(w.waiters, m.reply)
		c.changed()

	case markReadCmd:
		if w == nil {
			m.reply <- errs.ErrNoRoomSelected
			return true
		}
		if w.room.MarkRead(m.id) {
			c.changed()
		}
		m.reply <- nil

	case markAllReadCmd:
		if w == nil {
			m.reply <- errs.ErrNoRoomSelected
			return true
		}
		if w.room.MarkAllRead() > 0 {
			c.changed()
		}
		roomID, reply := w.room.ID(), m.reply
		c.spawn("chat.markRead", func(ctx context.Context) sessionMsg {
			return markAllReadDone{err: c.backend.MarkMessagesAsRead(ctx, roomID), reply: reply}
		})

	case markAllReadDone:
		if m.err != nil {
			c.log.Warn("mark read failed", zap.Error(m.err))
		}
		m.reply <- m.err

	case connChanged:
		c.onConn(w, m.ev)
		c.changed()

	default:
		return false
	}
	return true
}

func (c *core) onInbound(w *window, in message.Inbound) {
	switch v := in.(type) {
	case message.MessageFrame:
		if v.Message.RoomID != "" && v.Message.RoomID != w.room.ID() {
			return
		}
		w.room.Merge(v.Message)
	case message.ControlFrame:
		tr := w.room.Apply(v.Event)
		if tr.Changed {
			c.log.Info("room state", zap.String("roomId", w.room.ID()),
				zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
		}
	case message.RawFrame:
		w.keep(v.Payload)
	}
}

func (c *core) onConn(w *window, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.Connected:
		c.connected = true
		if w == nil {
			return
		}
		if !w.subscribed {
			if err := c.bind(w); err != nil {
				c.log.Warn("rebind failed", zap.String("roomId", w.room.ID()), zap.Error(err))
				return
			}
		} else {
			// 每条新连接在网关侧都是新会话，在线状态要重新登记
			c.join(w)
		}
		c.log.Debug("connected", zap.Bool("reconnect", e.Reconnect), zap.Int("attempt", e.Attempt))
		// 断线期间漏掉的消息靠重读第一页补齐，Merge 去重
		c.load(w, w.nextPage > 0)
	case realtime.Disconnected:
		c.connected = false
		if w != nil && e.Explicit {
			w.subscribed = false // 主动断开会清空订阅表
		}
	}
}

func (c *core) send(w *window, content string) error {
	if w == nil {
		return errs.ErrNoRoomSelected
	}
	if err := w.room.CanSend(); err != nil {
		return err
	}
	if !c.connected || !c.conn.IsConnected() {
		return errs.ErrNotConnected
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return errs.ErrBadRequest.WrapMsg("empty message")
	}
	// 不做乐观插入，消息以服务端回推为准
	return c.conn.Send(model.DestSend, model.SendRequest{
		RoomID:   w.room.ID(),
		SenderID: c.me.ID,
		Content:  content,
	}, nil)
}

func (c *core) view(w *window) View {
	v := View{Connected: c.connected}
	if !c.connected {
		v.Reconnecting = c.conn.Attempt()
	}
	if w == nil {
		return v
	}
	v.Room = w.room.Info()
	v.Messages = w.room.Messages()
	v.HasMore = w.hasMore
	v.Loading = w.loading
	v.InputEnabled = w.room.InputEnabled() && c.connected
	v.Notice = w.room.Notice()
	v.Unread = w.room.Unread()
	v.RawPayloads = append([][]byte(nil), w.raw...)
	return v
}
