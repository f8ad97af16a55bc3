package session

import (
	"context"
	"fmt"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"
	"SupportChat/tools/safe"

	"go.uber.org/zap"
)

type StaffConfig struct {
	User     Identity
	PageSize int
	// ListSize is how many active rooms one refresh asks for.
	ListSize int
	// RefreshEvery > 0 polls the active room list in the background.
	RefreshEvery time.Duration
	OnChange     func(StaffView)
	Logger       *zap.Logger
}

// StaffView is the room list plus the selected room, if any.
type StaffView struct {
	Rooms      []model.ChatRoom
	Selected   *View
	Refreshing bool
	Connected  bool

	// Reconnecting is the reconnect attempt in progress, 0 when none.
	Reconnecting int
}

// StaffSession is the staff console: a list of active rooms, at most one of
// them selected and subscribed at a time.
type StaffSession struct {
	*core
	conf StaffConfig

	rooms      []model.ChatRoom
	refreshing bool
	refreshers []chan error
	win        *window
}

type (
	refreshCmd  struct{ reply chan error }
	refreshTick struct{}
	roomsLoaded struct {
		page model.Page[model.ChatRoom]
		err  error
	}
	selectCmd struct {
		roomID string
		reply  chan error
	}
	assignCmd struct {
		roomID string
		reply  chan error
	}
	assignDone struct {
		roomID string
		info   model.ChatRoom
		err    error
		reply  chan error
	}
	closeRoomCmd struct {
		roomID string
		reply  chan error
	}
	closeRoomDone struct {
		roomID string
		info   model.ChatRoom
		err    error
		reply  chan error
	}
	staffViewReq struct{ reply chan StaffView }
)

func (refreshCmd) isSessionMsg()    {}
func (refreshTick) isSessionMsg()   {}
func (roomsLoaded) isSessionMsg()   {}
func (selectCmd) isSessionMsg()     {}
func (assignCmd) isSessionMsg()     {}
func (assignDone) isSessionMsg()    {}
func (closeRoomCmd) isSessionMsg()  {}
func (closeRoomDone) isSessionMsg() {}
func (staffViewReq) isSessionMsg()  {}

func NewStaffSession(conf StaffConfig, conn Conn, backend Backend) *StaffSession {
	if conf.ListSize <= 0 {
		conf.ListSize = 50
	}
	s := &StaffSession{
		core: newCore(conf.User, conn, backend, conf.PageSize, conf.Logger),
		conf: conf,
	}
	s.notify = func() {
		if s.conf.OnChange != nil {
			s.conf.OnChange(s.view())
		}
	}
	go s.loop()
	if conf.RefreshEvery > 0 {
		safe.Go("chat.staff.poll", s.poll)
	}
	return s
}

// RefreshRooms reloads the active room list.
func (s *StaffSession) RefreshRooms(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return refreshCmd{reply: reply} })
}

// Select opens roomID, dropping the previous room's subscription first.
// It returns once the room's newest page is in.
func (s *StaffSession) Select(ctx context.Context, roomID string) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return selectCmd{roomID: roomID, reply: reply} })
}

// AssignToMe claims roomID. When another staff member won the race the
// session adopts the server's state and returns ErrAssignConflict.
func (s *StaffSession) AssignToMe(ctx context.Context, roomID string) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return assignCmd{roomID: roomID, reply: reply} })
}

func (s *StaffSession) CloseRoom(ctx context.Context, roomID string) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return closeRoomCmd{roomID: roomID, reply: reply} })
}

func (s *StaffSession) Send(ctx context.Context, content string) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return sendCmd{content: content, reply: reply} })
}

func (s *StaffSession) LoadMore(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return loadMoreCmd{reply: reply} })
}

func (s *StaffSession) MarkAsRead(ctx context.Context, messageID string) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return markReadCmd{id: messageID, reply: reply} })
}

func (s *StaffSession) MarkAllRead(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) sessionMsg { return markAllReadCmd{reply: reply} })
}

func (s *StaffSession) Snapshot(ctx context.Context) (StaffView, error) {
	reply := make(chan StaffView, 1)
	if err := s.enqueue(ctx, staffViewReq{reply: reply}); err != nil {
		return StaffView{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return StaffView{}, errs.ErrTimeout.WrapMsg("snapshot")
	case <-s.ctx.Done():
		return StaffView{}, errs.ErrSessionClosed
	}
}

func (s *StaffSession) Close() { s.stop() }

func (s *StaffSession) poll() {
	t := time.NewTicker(s.conf.RefreshEvery)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.post(refreshTick{})
		}
	}
}

func (s *StaffSession) loop() {
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

func (s *StaffSession) syncConn() {
	for _, m := range s.takeConn() {
		s.handle(m)
	}
}

func (s *StaffSession) handle(m sessionMsg) {
	switch m := m.(type) {
	case refreshCmd:
		s.refresh(m.reply)
	case refreshTick:
		s.refresh(nil)
	case roomsLoaded:
		s.onRooms(m)

	case selectCmd:
		s.selectRoom(m)

	case assignCmd:
		roomID, reply, me := m.roomID, m.reply, s.me.ID
		s.spawn("chat.assign", func(ctx context.Context) sessionMsg {
			info, err := s.backend.AssignStaff(ctx, roomID, me)
			return assignDone{roomID: roomID, info: info, err: err, reply: reply}
		})
	case assignDone:
		s.onAssigned(m)

	case closeRoomCmd:
		roomID, reply := m.roomID, m.reply
		s.spawn("chat.close", func(ctx context.Context) sessionMsg {
			info, err := s.backend.CloseChatRoom(ctx, roomID)
			return closeRoomDone{roomID: roomID, info: info, err: err, reply: reply}
		})
	case closeRoomDone:
		if m.err != nil {
			m.reply <- m.err
			return
		}
		if m.info.ID == "" {
			m.info = model.ChatRoom{ID: m.roomID, Status: model.RoomClosed}
		}
		s.adopt(m.info)
		s.changed()
		m.reply <- nil

	case staffViewReq:
		m.reply <- s.view()

	default:
		if !s.handleWindow(s.win, m) {
			s.log.Warn("unhandled session message", zap.String("type", fmt.Sprintf("%T", m)))
		}
	}
}

// ===== 房间列表 =====

func (s *StaffSession) refresh(reply chan error) {
	if reply != nil {
		s.refreshers = append(s.refreshers, reply)
	}
	if s.refreshing {
		return
	}
	s.refreshing = true
	size := s.conf.ListSize
	s.spawn("chat.rooms", func(ctx context.Context) sessionMsg {
		page, err := s.backend.GetAllActiveChatRooms(ctx, 0, size)
		return roomsLoaded{page: page, err: err}
	})
	s.changed()
}

func (s *StaffSession) onRooms(m roomsLoaded) {
	s.refreshing = false
	waiting := s.refreshers
	s.refreshers = nil
	defer func() {
		for _, ch := range waiting {
			ch <- m.err
		}
		s.changed()
	}()
	if m.err != nil {
		s.log.Warn("room list refresh failed", zap.Error(m.err))
		return
	}

	prev := make(map[string]model.ChatRoom, len(s.rooms))
	for _, r := range s.rooms {
		prev[r.ID] = r
	}
	next := make([]model.ChatRoom, 0, len(m.page.Content))
	listed := make(map[string]struct{}, len(m.page.Content))
	for _, snap := range m.page.Content {
		listed[snap.ID] = struct{}{}
		if old, ok := prev[snap.ID]; ok {
			snap = forward(old, snap)
		}
		next = append(next, snap)
	}
	s.rooms = next

	if s.win == nil {
		return
	}
	id := s.win.room.ID()
	if _, ok := listed[id]; ok {
		for _, r := range next {
			if r.ID == id {
				s.win.room.Refresh(r)
			}
		}
		return
	}
	if m.page.Last {
		// 完整列表里没有选中的房间，说明已关闭
		s.win.room.Close()
	}
}

// adopt folds a server snapshot into the list and the open room.
func (s *StaffSession) adopt(info model.ChatRoom) {
	found := false
	for i := range s.rooms {
		if s.rooms[i].ID == info.ID {
			s.rooms[i] = forward(s.rooms[i], info)
			found = true
		}
	}
	if !found {
		s.rooms = append(s.rooms, info)
	}
	if s.win != nil && s.win.room.ID() == info.ID {
		s.win.room.Refresh(info)
	}
}

// forward merges snap over old without moving status backwards.
func forward(old, snap model.ChatRoom) model.ChatRoom {
	if snap.Status.Rank() < old.Status.Rank() {
		snap.Status = old.Status
		if snap.StaffID == "" {
			snap.StaffID, snap.StaffName = old.StaffID, old.StaffName
		}
	}
	return snap
}

func (s *StaffSession) find(roomID string) (model.ChatRoom, bool) {
	for _, r := range s.rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return model.ChatRoom{}, false
}

// ===== 选中 =====

func (s *StaffSession) selectRoom(m selectCmd) {
	if s.win != nil && s.win.room.ID() == m.roomID {
		m.reply <- nil
		return
	}
	info, ok := s.find(m.roomID)
	if !ok {
		m.reply <- errs.ErrNotFound.WrapMsg("room not in list", "roomId", m.roomID)
		return
	}
	// 先退订旧房间，再订新房间，不留两个房间同时推送的窗口
	s.unbind(s.win)
	s.win = s.open(info)
	if err := s.bind(s.win); err != nil {
		s.changed()
		m.reply <- err
		return
	}
	s.win.waiters = append(s.win.waiters, m.reply)
	s.load(s.win, false)
	s.changed()
}

// ===== 接入 =====

func (s *StaffSession) onAssigned(m assignDone) {
	if m.err == nil {
		if m.info.ID == "" {
			m.info = model.ChatRoom{ID: m.roomID, Status: model.RoomAssigned, StaffID: s.me.ID, StaffName: s.me.Name}
		}
		s.adopt(m.info)
		s.changed()
		if m.info.StaffID != "" && m.info.StaffID != s.me.ID {
			m.reply <- errs.ErrAssignConflict.WrapMsg("", "roomId", m.roomID, "staffId", m.info.StaffID)
			return
		}
		m.reply <- nil
		return
	}
	if !errs.Is(m.err, errs.ErrAssignConflict) {
		m.reply <- m.err
		return
	}

	// 抢单失败：强制刷新列表，以服务端的接入人为准
	s.log.Info("assign lost the race", zap.String("roomId", m.roomID))
	conflict := m.err
	done := make(chan error, 1)
	s.refresh(done)
	reply := m.reply
	safe.Go("chat.assign.refresh", func() {
		select {
		case <-done:
		case <-s.ctx.Done():
		}
		reply <- conflict
	})
}

// ===== 视图 =====

func (s *StaffSession) view() StaffView {
	v := StaffView{
		Rooms:      append([]model.ChatRoom(nil), s.rooms...),
		Refreshing: s.refreshing,
		Connected:  s.connected,
	}
	if !s.connected {
		v.Reconnecting = s.conn.Attempt()
	}
	if s.win != nil {
		sel := s.core.view(s.win)
		v.Selected = &sel
		for i := range v.Rooms {
			if v.Rooms[i].ID == sel.Room.ID {
				v.Rooms[i] = forward(v.Rooms[i], sel.Room)
			}
		}
	}
	return v
}
