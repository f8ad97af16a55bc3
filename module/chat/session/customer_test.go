package session

import (
	"context"
	"sync/atomic"
	"testing"

	"SupportChat/module/chat/model"
	"SupportChat/module/chat/room"
	"SupportChat/service/realtime"
	"SupportChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCustomer(t *testing.T, h *hub, pageSize int) (*CustomerSession, *fakeConn) {
	t.Helper()
	h.names["c1"] = "Ann"
	conn := h.connect("c1")
	s := NewCustomerSession(CustomerConfig{User: Identity{ID: "c1", Name: "Ann"}, PageSize: pageSize}, conn, h)
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background()))
	return s, conn
}

func TestCustomerOpenSubscribesJoinsAndLoads(t *testing.T) {
	h := newHub(t)
	h.addRoom(model.ChatRoom{ID: "r1", CustomerID: "c1", Status: model.RoomActive})
	h.seed("r1", "c1", 3)

	s, conn := openCustomer(t, h, 20)

	assert.Equal(t, []string{"/queue/messages/r1"}, conn.destinations())
	assert.Equal(t, 1, conn.sentTo(model.DestJoin))
	v := customerView(t, s)
	assert.Equal(t, "r1", v.Room.ID)
	assert.Len(t, v.Messages, 3)
	assert.False(t, v.HasMore)
	assert.True(t, v.InputEnabled)

	// a second Open is a no-op
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, 1, conn.sentTo(model.DestJoin))
}

// Scenario A: the sender's own message appears once, via the echo.
func TestCustomerSendShowsEchoOnce(t *testing.T) {
	h := newHub(t)
	s, conn := openCustomer(t, h, 20)

	require.NoError(t, s.Send(context.Background(), "  hello  "))
	assert.Equal(t, 1, conn.sentTo(model.DestSend))

	eventually(t, func() bool { return len(customerView(t, s).Messages) == 1 }, "echo never arrived")
	v := customerView(t, s)
	assert.Equal(t, "hello", v.Messages[0].Content)
	assert.Equal(t, 0, v.Unread, "own message is not unread")
}

func TestCustomerSendGates(t *testing.T) {
	h := newHub(t)
	s, conn := openCustomer(t, h, 20)

	err := s.Send(context.Background(), "   ")
	assert.True(t, errs.Is(err, errs.ErrBadRequest))

	conn.setConnected(false, realtime.Disconnected{Err: errs.ErrTransientDisconnect})
	eventually(t, func() bool { return !customerView(t, s).Connected }, "disconnect not seen")
	assert.False(t, customerView(t, s).InputEnabled)
	err = s.Send(context.Background(), "hi")
	assert.True(t, errs.Is(err, errs.ErrNotConnected))
	assert.Equal(t, 0, conn.sentTo(model.DestSend))
}

// Scenario B: assignment seen from the customer's side.
func TestCustomerSeesStaffJoinOnce(t *testing.T) {
	h := newHub(t)
	h.names["s1"] = "Jane"
	s, _ := openCustomer(t, h, 20)

	_, err := h.AssignStaff(context.Background(), "room-c1", "s1")
	require.NoError(t, err)
	// duplicate push
	h.publish(model.Destination("room-c1"), model.StaffAssignedEvent("room-c1", "s1", "Jane"))

	eventually(t, func() bool { return customerView(t, s).Room.Status == model.RoomAssigned }, "not assigned")
	eventually(t, func() bool { return h.deliverIdle() }, "deliveries pending")
	v := customerView(t, s)
	assert.Equal(t, 1, countSystem(v.Messages))
	assert.Equal(t, "Staff Jane joined", v.Messages[len(v.Messages)-1].Content)
	assert.Equal(t, "s1", v.Room.StaffID)
}

// Scenario C: a pushed close disables input and rejects sends locally.
func TestCustomerRoomClosedByStaff(t *testing.T) {
	h := newHub(t)
	s, conn := openCustomer(t, h, 20)

	_, err := h.CloseChatRoom(context.Background(), "room-c1")
	require.NoError(t, err)

	eventually(t, func() bool { return customerView(t, s).Room.Status == model.RoomClosed }, "close not applied")
	v := customerView(t, s)
	assert.False(t, v.InputEnabled)
	assert.Equal(t, room.ClosedNotice, v.Notice)

	err = s.Send(context.Background(), "anyone?")
	assert.True(t, errs.Is(err, errs.ErrRoomClosed))
	assert.Equal(t, 0, conn.sentTo(model.DestSend), "nothing reaches the wire")
}

func TestCustomerLoadMorePagesAndGuards(t *testing.T) {
	h := newHub(t)
	h.addRoom(model.ChatRoom{ID: "r1", CustomerID: "c1", Status: model.RoomActive})
	h.seed("r1", "s1", 5)
	s, _ := openCustomer(t, h, 2)

	v := customerView(t, s)
	require.Len(t, v.Messages, 2)
	assert.True(t, v.HasMore)
	assert.Equal(t, "m4", v.Messages[0].ID)

	h.mu.Lock()
	h.historyGate = make(chan struct{})
	hitsBefore := h.historyHits
	h.mu.Unlock()

	hits := func() int {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.historyHits
	}
	first := make(chan error, 1)
	go func() { first <- s.LoadMore(context.Background()) }()
	eventually(t, func() bool { return hits() == hitsBefore+1 }, "load never started")
	assert.True(t, customerView(t, s).Loading)

	// a concurrent call while loading is a no-op
	require.NoError(t, s.LoadMore(context.Background()))
	assert.True(t, customerView(t, s).Loading)
	h.mu.Lock()
	assert.Equal(t, hitsBefore+1, h.historyHits)
	close(h.historyGate)
	h.historyGate = nil
	h.mu.Unlock()
	require.NoError(t, <-first)

	require.NoError(t, s.LoadMore(context.Background()))
	v = customerView(t, s)
	assert.Len(t, v.Messages, 5)
	assert.False(t, v.HasMore)
	for i := 1; i < len(v.Messages); i++ {
		assert.False(t, v.Messages[i].SentAt.Before(v.Messages[i-1].SentAt))
	}

	done := hits()
	require.NoError(t, s.LoadMore(context.Background()), "past the last page is a no-op")
	assert.Equal(t, done, hits())
}

func TestCustomerReadTracking(t *testing.T) {
	h := newHub(t)
	h.addRoom(model.ChatRoom{ID: "r1", CustomerID: "c1", Status: model.RoomAssigned, StaffID: "s1"})
	h.seed("r1", "s1", 3)
	s, _ := openCustomer(t, h, 20)

	assert.Equal(t, 3, customerView(t, s).Unread)
	require.NoError(t, s.MarkAsRead(context.Background(), "m1"))
	require.NoError(t, s.MarkAsRead(context.Background(), "m1"))
	assert.Equal(t, 2, customerView(t, s).Unread)

	require.NoError(t, s.MarkAllRead(context.Background()))
	assert.Equal(t, 0, customerView(t, s).Unread)
	h.mu.Lock()
	assert.Equal(t, 1, h.readCalls)
	h.mu.Unlock()
}

func TestCustomerReconnectCatchesUp(t *testing.T) {
	h := newHub(t)
	s, conn := openCustomer(t, h, 20)

	conn.setConnected(false, realtime.Disconnected{Err: errs.ErrTransientDisconnect})
	h.seed("room-c1", "s1", 2) // arrives while offline, never pushed
	conn.setConnected(true, realtime.Connected{Reconnect: true, Attempt: 1})

	eventually(t, func() bool { return len(customerView(t, s).Messages) == 2 }, "missed messages not fetched")
	assert.Equal(t, 2, conn.sentTo(model.DestJoin), "presence re-announced")
	assert.True(t, customerView(t, s).InputEnabled)
}

func TestCustomerManualReconnectRejoins(t *testing.T) {
	h := newHub(t)
	s, conn := openCustomer(t, h, 20)

	conn.setAttempt(5)
	conn.setConnected(false, realtime.Disconnected{Terminal: true, Err: errs.ErrFatalDisconnect})
	v := customerView(t, s)
	assert.False(t, v.Connected)
	assert.False(t, v.InputEnabled)
	assert.Equal(t, 5, v.Reconnecting)

	// 调用方手动 Connect：订阅表还在，但网关那边是新会话
	conn.setAttempt(0)
	conn.setConnected(true, realtime.Connected{})
	eventually(t, func() bool { return conn.sentTo(model.DestJoin) == 2 }, "join not re-sent on a fresh connection")
	assert.Equal(t, []string{"/queue/messages/room-c1"}, conn.destinations(), "no duplicate subscription")
	v = customerView(t, s)
	assert.True(t, v.Connected)
	assert.Zero(t, v.Reconnecting)
}

func TestCustomerOpenWhileOfflineBindsOnConnect(t *testing.T) {
	h := newHub(t)
	conn := h.connect("c1")
	conn.connected = false
	s := NewCustomerSession(CustomerConfig{User: Identity{ID: "c1"}}, conn, h)
	t.Cleanup(s.Close)

	err := s.Open(context.Background())
	assert.True(t, errs.Is(err, errs.ErrNotConnected))
	assert.Empty(t, conn.destinations())

	conn.setConnected(true, realtime.Connected{})
	eventually(t, func() bool { return len(conn.destinations()) == 1 }, "never subscribed")
}

func TestCustomerMalformedPushKeptRaw(t *testing.T) {
	h := newHub(t)
	s, _ := openCustomer(t, h, 20)

	h.publishRaw(model.Destination("room-c1"), []byte(`{"content":"no id"}`))
	h.publishRaw(model.Destination("room-c1"), []byte(`{"type":"TYPING","roomId":"room-c1"}`))
	eventually(t, func() bool { return len(customerView(t, s).RawPayloads) == 1 }, "raw payload not kept")
	eventually(t, func() bool { return h.deliverIdle() }, "deliveries pending")
	v := customerView(t, s)
	assert.Empty(t, v.Messages)
	assert.Equal(t, model.RoomActive, v.Room.Status, "unknown control type changes nothing")
}

func TestCustomerObserverSeesChanges(t *testing.T) {
	h := newHub(t)
	conn := h.connect("c1")
	var calls atomic.Int32
	var last atomic.Value
	s := NewCustomerSession(CustomerConfig{
		User: Identity{ID: "c1"},
		OnChange: func(v View) {
			calls.Add(1)
			last.Store(v)
		},
	}, conn, h)
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Send(context.Background(), "ping"))

	eventually(t, func() bool {
		v, ok := last.Load().(View)
		return ok && len(v.Messages) == 1
	}, "observer never saw the echo")
	assert.Greater(t, calls.Load(), int32(1))
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	h := newHub(t)
	conn := h.connect("c1")
	s := NewCustomerSession(CustomerConfig{User: Identity{ID: "c1"}}, conn, h)
	require.NoError(t, s.Open(context.Background()))
	s.Close()

	assert.Empty(t, conn.destinations(), "room subscription released")
	err := s.Send(context.Background(), "hi")
	assert.True(t, errs.Is(err, errs.ErrSessionClosed))
}
