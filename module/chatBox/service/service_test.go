package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/module/chatBox/store"
	"SupportChat/tools/errs"
	"SupportChat/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushed struct {
	dest    string
	payload any
}

type recPublisher struct {
	mu   sync.Mutex
	sent []pushed
	err  error
}

func (p *recPublisher) Publish(_ context.Context, dest string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, pushed{dest, payload})
	return p.err
}

func (p *recPublisher) last() pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

var (
	cust   = security.Identity{UserID: "c1", Name: "Cathy", Email: "c@x.io", Role: security.RoleCustomer}
	other  = security.Identity{UserID: "c2", Name: "Otto", Role: security.RoleCustomer}
	jane   = security.Identity{UserID: "s1", Name: "Jane", Role: security.RoleStaff}
	bob    = security.Identity{UserID: "s2", Name: "Bob", Role: security.RoleStaff}
	nowRef = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
)

func newSvc() (*Service, *recPublisher) {
	pub := &recPublisher{}
	clock := nowRef
	svc := New(store.NewMemRoomStore(), store.NewMemMessageStore(), pub, Config{
		MaxContentLen: 10,
		Clock: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return svc, pub
}

func TestGetChatRoom(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()

	room, err := svc.GetChatRoom(ctx, cust, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.RoomActive, room.Status)
	assert.Equal(t, "Cathy", room.CustomerName)
	assert.Equal(t, "c@x.io", room.CustomerEmail)
	assert.NotEmpty(t, room.ID)

	again, err := svc.GetChatRoom(ctx, cust, "c1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)

	// 客服可以代查
	byStaff, err := svc.GetChatRoom(ctx, jane, "c1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, byStaff.ID)

	_, err = svc.GetChatRoom(ctx, other, "c1")
	assert.True(t, errs.Is(err, errs.ErrForbidden))
	_, err = svc.GetChatRoom(ctx, cust, "")
	assert.True(t, errs.Is(err, errs.ErrBadRequest))
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	svc, pub := newSvc()
	room, _ := svc.GetChatRoom(ctx, cust, "c1")

	msg, err := svc.SendMessage(ctx, cust, model.SendRequest{RoomID: room.ID, SenderID: "c1", Content: " hi "})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, model.MessageText, msg.MessageType)
	assert.Equal(t, "Cathy", msg.SenderName)
	assert.False(t, msg.SentAt.IsZero())

	last := pub.last()
	assert.Equal(t, model.Destination(room.ID), last.dest)
	assert.Equal(t, msg, last.payload)

	cases := []struct {
		name string
		who  security.Identity
		req  model.SendRequest
		want *errs.CodeError
	}{
		{"blank", cust, model.SendRequest{RoomID: room.ID, Content: "   "}, errs.ErrBadRequest},
		{"too long", cust, model.SendRequest{RoomID: room.ID, Content: strings.Repeat("字", 11)}, errs.ErrBadRequest},
		{"spoofed sender", cust, model.SendRequest{RoomID: room.ID, SenderID: "c2", Content: "x"}, errs.ErrForbidden},
		{"foreign room", other, model.SendRequest{RoomID: room.ID, Content: "x"}, errs.ErrForbidden},
		{"missing room", cust, model.SendRequest{RoomID: "nope", Content: "x"}, errs.ErrNotFound},
		{"no room id", cust, model.SendRequest{Content: "x"}, errs.ErrBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, c.who, c.req)
			assert.True(t, errs.Is(err, c.want), "got %v", err)
		})
	}

	// 十个字符恰好允许
	_, err = svc.SendMessage(ctx, cust, model.SendRequest{RoomID: room.ID, Content: strings.Repeat("字", 10)})
	assert.NoError(t, err)
}

func TestSendMessage_StaffOwnership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	room, _ := svc.GetChatRoom(ctx, cust, "c1")

	_, err := svc.SendMessage(ctx, bob, model.SendRequest{RoomID: room.ID, Content: "before assign"})
	require.NoError(t, err)

	_, err = svc.AssignStaff(ctx, jane, room.ID, "s1")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, jane, model.SendRequest{RoomID: room.ID, Content: "hello"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, bob, model.SendRequest{RoomID: room.ID, Content: "me too"})
	assert.True(t, errs.Is(err, errs.ErrForbidden))
}

func TestAssignStaff(t *testing.T) {
	ctx := context.Background()
	svc, pub := newSvc()
	room, _ := svc.GetChatRoom(ctx, cust, "c1")

	_, err := svc.AssignStaff(ctx, cust, room.ID, "c1")
	assert.True(t, errs.Is(err, errs.ErrForbidden))
	_, err = svc.AssignStaff(ctx, jane, room.ID, "s2")
	assert.True(t, errs.Is(err, errs.ErrForbidden), "staff assign themselves only")

	got, err := svc.AssignStaff(ctx, jane, room.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.RoomAssigned, got.Status)
	assert.Equal(t, "Jane", got.StaffName)
	assert.Equal(t, pushed{model.Destination(room.ID), model.StaffAssignedEvent(room.ID, "s1", "Jane")}, pub.last())

	_, err = svc.AssignStaff(ctx, bob, room.ID, "s2")
	assert.True(t, errs.Is(err, errs.ErrAssignConflict))
}

func TestCloseChatRoom(t *testing.T) {
	ctx := context.Background()
	svc, pub := newSvc()
	room, _ := svc.GetChatRoom(ctx, cust, "c1")

	_, err := svc.CloseChatRoom(ctx, other, room.ID)
	assert.True(t, errs.Is(err, errs.ErrForbidden))

	closed, err := svc.CloseChatRoom(ctx, cust, room.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoomClosed, closed.Status)
	assert.Equal(t, pushed{model.Destination(room.ID), model.RoomClosedEvent(room.ID)}, pub.last())

	_, err = svc.SendMessage(ctx, cust, model.SendRequest{RoomID: room.ID, Content: "hello?"})
	assert.True(t, errs.Is(err, errs.ErrRoomClosed))

	// 关闭后再进来是新房间
	next, err := svc.GetChatRoom(ctx, cust, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, room.ID, next.ID)
}

func TestHistoryAndUnread(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	room, _ := svc.GetChatRoom(ctx, cust, "c1")
	for _, c := range []string{"one", "two", "three"} {
		_, err := svc.SendMessage(ctx, cust, model.SendRequest{RoomID: room.ID, Content: c})
		require.NoError(t, err)
	}
	_, err := svc.SendMessage(ctx, jane, model.SendRequest{RoomID: room.ID, Content: "hi"})
	require.NoError(t, err)

	page, err := svc.GetMessageHistory(ctx, cust, room.ID, 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 4, page.TotalElements)
	require.Len(t, page.Content, 2)
	assert.Equal(t, "hi", page.Content[0].Content)
	assert.Equal(t, "three", page.Content[1].Content)

	_, err = svc.GetMessageHistory(ctx, other, room.ID, 0, 2)
	assert.True(t, errs.Is(err, errs.ErrForbidden))

	rooms, err := svc.GetAllActiveChatRooms(ctx, jane, 0, 0)
	require.NoError(t, err)
	require.Len(t, rooms.Content, 1)
	assert.Equal(t, 3, rooms.Content[0].UnreadCount)

	require.NoError(t, svc.MarkMessagesAsRead(ctx, jane, room.ID))
	rooms, _ = svc.GetAllActiveChatRooms(ctx, jane, 0, 0)
	assert.Equal(t, 0, rooms.Content[0].UnreadCount)

	mine, _ := svc.GetChatRoom(ctx, cust, "c1")
	assert.Equal(t, 1, mine.UnreadCount)

	_, err = svc.GetAllActiveChatRooms(ctx, cust, 0, 10)
	assert.True(t, errs.Is(err, errs.ErrForbidden))
}

func TestCanSubscribe(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSvc()
	room, _ := svc.GetChatRoom(ctx, cust, "c1")

	assert.NoError(t, svc.CanSubscribe(ctx, cust, model.Destination(room.ID)))
	assert.NoError(t, svc.CanSubscribe(ctx, jane, model.Destination(room.ID)))
	assert.True(t, errs.Is(svc.CanSubscribe(ctx, other, model.Destination(room.ID)), errs.ErrForbidden))
	assert.True(t, errs.Is(svc.CanSubscribe(ctx, cust, "/topic/all"), errs.ErrForbidden))
	assert.True(t, errs.Is(svc.CanSubscribe(ctx, cust, model.Destination(room.ID)+"/x"), errs.ErrForbidden))
}

func TestPublishFailureDoesNotFailSend(t *testing.T) {
	ctx := context.Background()
	svc, pub := newSvc()
	pub.err = errs.ErrInternal.WrapMsg("down")
	room, _ := svc.GetChatRoom(ctx, cust, "c1")
	_, err := svc.SendMessage(ctx, cust, model.SendRequest{RoomID: room.ID, Content: "stored"})
	require.NoError(t, err)
	page, _ := svc.GetMessageHistory(ctx, cust, room.ID, 0, 10)
	assert.EqualValues(t, 1, page.TotalElements)
}
