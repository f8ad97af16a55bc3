package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func seed(id, customer string, at time.Time) model.ChatRoom {
	return model.ChatRoom{ID: id, CustomerID: customer, Status: model.RoomActive, CreatedAt: at}
}

func TestMemRoomStore_OneOpenRoomPerCustomer(t *testing.T) {
	ctx := context.Background()
	s := NewMemRoomStore()

	r1, err := s.GetOrCreateByCustomer(ctx, seed("r1", "c1", t0))
	require.NoError(t, err)
	assert.Equal(t, "r1", r1.ID)

	again, err := s.GetOrCreateByCustomer(ctx, seed("r2", "c1", t0))
	require.NoError(t, err)
	assert.Equal(t, "r1", again.ID)

	_, err = s.Close(ctx, "r1")
	require.NoError(t, err)
	fresh, err := s.GetOrCreateByCustomer(ctx, seed("r3", "c1", t0))
	require.NoError(t, err)
	assert.Equal(t, "r3", fresh.ID)

	_, err = s.Get(ctx, "nope")
	assert.True(t, errs.Is(err, errs.ErrNotFound))
}

func TestMemRoomStore_AssignLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemRoomStore()
	_, _ = s.GetOrCreateByCustomer(ctx, seed("r1", "c1", t0))

	r, err := s.Assign(ctx, "r1", "s1", "Jane")
	require.NoError(t, err)
	assert.Equal(t, model.RoomAssigned, r.Status)
	assert.Equal(t, "s1", r.StaffID)

	// 同一客服重复接入幂等
	r, err = s.Assign(ctx, "r1", "s1", "Jane")
	require.NoError(t, err)
	assert.Equal(t, "s1", r.StaffID)

	_, err = s.Assign(ctx, "r1", "s2", "Bob")
	assert.True(t, errs.Is(err, errs.ErrAssignConflict))

	r, err = s.Close(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RoomClosed, r.Status)
	r, err = s.Close(ctx, "r1")
	require.NoError(t, err, "close is idempotent")
	assert.Equal(t, model.RoomClosed, r.Status)

	_, err = s.Assign(ctx, "r1", "s1", "Jane")
	assert.True(t, errs.Is(err, errs.ErrRoomClosed))
	_, err = s.Assign(ctx, "missing", "s1", "Jane")
	assert.True(t, errs.Is(err, errs.ErrNotFound))
}

func TestMemRoomStore_ListOpen(t *testing.T) {
	ctx := context.Background()
	s := NewMemRoomStore()
	for i := 0; i < 5; i++ {
		_, err := s.GetOrCreateByCustomer(ctx, seed(fmt.Sprintf("r%d", i), fmt.Sprintf("c%d", i), t0.Add(time.Duration(4-i)*time.Minute)))
		require.NoError(t, err)
	}
	_, _ = s.Close(ctx, "r2")

	rooms, total, err := s.ListOpen(ctx, 0, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, rooms, 3)
	// 先建的在前
	assert.Equal(t, []string{"r4", "r3", "r1"}, []string{rooms[0].ID, rooms[1].ID, rooms[2].ID})

	rooms, _, err = s.ListOpen(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r0", rooms[0].ID)

	rooms, _, _ = s.ListOpen(ctx, 5, 3)
	assert.Empty(t, rooms)
}

func TestMemRoomStore_Touch(t *testing.T) {
	ctx := context.Background()
	s := NewMemRoomStore()
	_, _ = s.GetOrCreateByCustomer(ctx, seed("r1", "c1", t0))
	require.NoError(t, s.Touch(ctx, "r1", t0.Add(time.Hour)))
	r, _ := s.Get(ctx, "r1")
	require.NotNil(t, r.LastMessageAt)
	assert.True(t, r.LastMessageAt.Equal(t0.Add(time.Hour)))
	assert.True(t, errs.Is(s.Touch(ctx, "x", t0), errs.ErrNotFound))
}

func msg(id, room, sender string, at time.Time) model.ChatMessage {
	return model.ChatMessage{ID: id, RoomID: room, SenderID: sender, Content: id, MessageType: model.MessageText, SentAt: at}
}

func TestMemMessageStore_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemMessageStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, msg(fmt.Sprintf("m%d", i), "r1", "c1", t0.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Append(ctx, msg("m4", "r1", "c1", t0)), "duplicate id ignored")

	page0, total, err := s.History(ctx, "r1", 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Equal(t, "m4", page0[0].ID)
	assert.Equal(t, "m3", page0[1].ID)

	page2, _, _ := s.History(ctx, "r1", 2, 2)
	require.Len(t, page2, 1)
	assert.Equal(t, "m0", page2[0].ID)

	none, total, _ := s.History(ctx, "other", 0, 10)
	assert.Empty(t, none)
	assert.EqualValues(t, 0, total)
}

func TestMemMessageStore_ReadTracking(t *testing.T) {
	ctx := context.Background()
	s := NewMemMessageStore()
	require.NoError(t, s.Append(ctx, msg("m1", "r1", "cust", t0)))
	require.NoError(t, s.Append(ctx, msg("m2", "r1", "cust", t0)))
	require.NoError(t, s.Append(ctx, msg("m3", "r1", "staff", t0)))

	n, _ := s.CountUnread(ctx, "r1", "staff")
	assert.EqualValues(t, 2, n)
	n, _ = s.CountUnread(ctx, "r1", "cust")
	assert.EqualValues(t, 1, n)

	marked, err := s.MarkRead(ctx, "r1", "staff")
	require.NoError(t, err)
	assert.EqualValues(t, 2, marked)
	n, _ = s.CountUnread(ctx, "r1", "staff")
	assert.EqualValues(t, 0, n)
	n, _ = s.CountUnread(ctx, "r1", "cust")
	assert.EqualValues(t, 1, n, "own messages stay untouched")
}
