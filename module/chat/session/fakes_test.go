package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/service/realtime"
	"SupportChat/tools/errs"

	"github.com/stretchr/testify/require"
)

// hub is an in-memory stand-in for the gateway plus the room service: it
// echoes sends to subscribers, pushes control events and serves REST.
type hub struct {
	mu       sync.Mutex
	rooms    map[string]*model.ChatRoom
	messages map[string][]model.ChatMessage // ascending
	names    map[string]string
	nextID   int
	clock    time.Time

	conns []*fakeConn

	// historyGate, when set, blocks history calls until it is closed.
	historyGate chan struct{}
	historyHits int
	readCalls   int

	deliver chan func()
	pending atomic.Int64
	stop    chan struct{}
}

func newHub(t *testing.T) *hub {
	h := &hub{
		rooms:    map[string]*model.ChatRoom{},
		messages: map[string][]model.ChatMessage{},
		names:    map[string]string{},
		deliver:  make(chan func(), 256),
		stop:     make(chan struct{}),
	}
	go func() {
		for {
			select {
			case f := <-h.deliver:
				f()
				h.pending.Add(-1)
			case <-h.stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(h.stop) })
	return h
}

// tick follows the wall clock but never repeats, so seeded messages order strictly.
func (h *hub) tick() time.Time {
	now := time.Now()
	if !now.After(h.clock) {
		now = h.clock.Add(time.Microsecond)
	}
	h.clock = now
	return now
}

func (h *hub) addRoom(r model.ChatRoom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := r
	h.rooms[r.ID] = &cp
}

// seed stores n customer messages in roomID.
func (h *hub) seed(roomID, sender string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < n; i++ {
		h.nextID++
		h.messages[roomID] = append(h.messages[roomID], model.ChatMessage{
			ID: fmt.Sprintf("m%d", h.nextID), RoomID: roomID, SenderID: sender, SenderName: h.names[sender],
			Content: fmt.Sprintf("seed %d", i), MessageType: model.MessageText, SentAt: h.tick(),
		})
	}
}

func (h *hub) publish(dest string, body any) {
	raw, _ := json.Marshal(body)
	h.publishRaw(dest, raw)
}

func (h *hub) publishRaw(dest string, raw []byte) {
	h.mu.Lock()
	conns := append([]*fakeConn(nil), h.conns...)
	h.mu.Unlock()
	for _, c := range conns {
		for _, sub := range c.subsFor(dest) {
			sub := sub
			h.pending.Add(1)
			h.deliver <- func() { sub.h(realtime.Frame{Destination: dest, Subscription: sub.sub.ID, Body: raw}) }
		}
	}
}

// deliverIdle reports that every published frame reached its handler.
func (h *hub) deliverIdle() bool { return h.pending.Load() == 0 }

// ===== REST =====

func (h *hub) GetChatRoom(_ context.Context, customerID string) (model.ChatRoom, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		if r.CustomerID == customerID && r.Status != model.RoomClosed {
			return *r, nil
		}
	}
	id := "room-" + customerID
	r := &model.ChatRoom{ID: id, CustomerID: customerID, CustomerName: h.names[customerID], Status: model.RoomActive, CreatedAt: h.tick()}
	h.rooms[id] = r
	return *r, nil
}

func (h *hub) GetMessageHistory(ctx context.Context, roomID string, page, size int) (model.Page[model.ChatMessage], error) {
	h.mu.Lock()
	h.historyHits++
	gate := h.historyGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Page[model.ChatMessage]{}, errs.ErrTimeout
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.messages[roomID]
	newestFirst := make([]model.ChatMessage, len(all))
	for i, m := range all {
		newestFirst[len(all)-1-i] = m
	}
	from := min(page*size, len(newestFirst))
	to := min(from+size, len(newestFirst))
	return model.NewPage(newestFirst[from:to], page, size, int64(len(newestFirst))), nil
}

func (h *hub) MarkMessagesAsRead(_ context.Context, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readCalls++
	return nil
}

func (h *hub) AssignStaff(_ context.Context, roomID, staffID string) (model.ChatRoom, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return model.ChatRoom{}, errs.ErrNotFound
	}
	if r.Status != model.RoomActive {
		h.mu.Unlock()
		return model.ChatRoom{}, errs.ErrAssignConflict
	}
	r.Status, r.StaffID, r.StaffName = model.RoomAssigned, staffID, h.names[staffID]
	out := *r
	h.mu.Unlock()
	h.publish(model.Destination(roomID), model.StaffAssignedEvent(roomID, staffID, out.StaffName))
	return out, nil
}

func (h *hub) CloseChatRoom(_ context.Context, roomID string) (model.ChatRoom, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return model.ChatRoom{}, errs.ErrNotFound
	}
	r.Status = model.RoomClosed
	out := *r
	h.mu.Unlock()
	h.publish(model.Destination(roomID), model.RoomClosedEvent(roomID))
	return out, nil
}

func (h *hub) GetAllActiveChatRooms(_ context.Context, page, size int) (model.Page[model.ChatRoom], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var active []model.ChatRoom
	for _, r := range h.rooms {
		if r.Status != model.RoomClosed {
			active = append(active, *r)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	from := min(page*size, len(active))
	to := min(from+size, len(active))
	return model.NewPage(active[from:to], page, size, int64(len(active))), nil
}

// ===== Conn =====

type fakeSub struct {
	sub realtime.Subscription
	h   realtime.Handler
}

type fakeConn struct {
	hub *hub
	me  string

	mu        sync.Mutex
	connected bool
	attempt   int
	subs      map[string]fakeSub
	nextSub   int
	sends     []sentFrame
	listeners map[int]func(realtime.Event)
	nextL     int
}

type sentFrame struct {
	Dest    string
	Payload any
}

func (h *hub) connect(me string) *fakeConn {
	c := &fakeConn{hub: h, me: me, connected: true, subs: map[string]fakeSub{}, listeners: map[int]func(realtime.Event){}}
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
	return c
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *fakeConn) setAttempt(n int) {
	c.mu.Lock()
	c.attempt = n
	c.mu.Unlock()
}

func (c *fakeConn) Send(dest string, payload any, _ map[string]string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errs.ErrNotConnected
	}
	c.sends = append(c.sends, sentFrame{Dest: dest, Payload: payload})
	c.mu.Unlock()

	req, ok := payload.(model.SendRequest)
	if dest != model.DestSend || !ok {
		return nil
	}
	h := c.hub
	h.mu.Lock()
	h.nextID++
	m := model.ChatMessage{
		ID: fmt.Sprintf("m%d", h.nextID), RoomID: req.RoomID, SenderID: req.SenderID, SenderName: h.names[req.SenderID],
		Content: req.Content, MessageType: model.MessageText, SentAt: h.tick(),
	}
	h.messages[req.RoomID] = append(h.messages[req.RoomID], m)
	h.mu.Unlock()
	h.publish(model.Destination(req.RoomID), m)
	return nil
}

func (c *fakeConn) Subscribe(dest string, fn realtime.Handler) (realtime.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return realtime.Subscription{}, errs.ErrNotConnected
	}
	c.nextSub++
	sub := realtime.Subscription{ID: fmt.Sprintf("h%d", c.nextSub), Destination: dest}
	c.subs[sub.ID] = fakeSub{sub: sub, h: fn}
	return sub, nil
}

func (c *fakeConn) Unsubscribe(sub realtime.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub.ID)
	return nil
}

func (c *fakeConn) AddListener(fn func(realtime.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) subsFor(dest string) []fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fakeSub
	for _, s := range c.subs {
		if s.sub.Destination == dest {
			out = append(out, s)
		}
	}
	return out
}

func (c *fakeConn) destinations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.subs {
		out = append(out, s.sub.Destination)
	}
	sort.Strings(out)
	return out
}

func (c *fakeConn) sentTo(dest string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sends {
		if s.Dest == dest {
			n++
		}
	}
	return n
}

func (c *fakeConn) setConnected(on bool, ev realtime.Event) {
	c.mu.Lock()
	c.connected = on
	ls := make([]func(realtime.Event), 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// ===== helpers =====

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func customerView(t *testing.T, s *CustomerSession) View {
	t.Helper()
	v, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return v
}

func staffView(t *testing.T, s *StaffSession) StaffView {
	t.Helper()
	v, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return v
}

func countSystem(msgs []model.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		if m.IsSystem() {
			n++
		}
	}
	return n
}
