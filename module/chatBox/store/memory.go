package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"
)

// ===== rooms =====

type MemRoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*model.ChatRoom
	open  map[string]string // customerID -> open roomID
}

func NewMemRoomStore() *MemRoomStore {
	return &MemRoomStore{rooms: map[string]*model.ChatRoom{}, open: map[string]string{}}
}

func (s *MemRoomStore) GetOrCreateByCustomer(_ context.Context, seed model.ChatRoom) (model.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.open[seed.CustomerID]; ok {
		return *s.rooms[id], nil
	}
	cp := seed
	s.rooms[seed.ID] = &cp
	s.open[seed.CustomerID] = seed.ID
	return cp, nil
}

func (s *MemRoomStore) Get(_ context.Context, roomID string) (model.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.ChatRoom{}, errs.ErrNotFound.WrapMsg("room", "roomId", roomID)
	}
	return *r, nil
}

func (s *MemRoomStore) Assign(_ context.Context, roomID, staffID, staffName string) (model.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.ChatRoom{}, errs.ErrNotFound.WrapMsg("room", "roomId", roomID)
	}
	if r.Status != model.RoomActive {
		return assignRejection(*r, staffID)
	}
	r.Status, r.StaffID, r.StaffName = model.RoomAssigned, staffID, staffName
	return *r, nil
}

func (s *MemRoomStore) Close(_ context.Context, roomID string) (model.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.ChatRoom{}, errs.ErrNotFound.WrapMsg("room", "roomId", roomID)
	}
	if r.Status != model.RoomClosed {
		r.Status = model.RoomClosed
		delete(s.open, r.CustomerID)
	}
	return *r, nil
}

func (s *MemRoomStore) ListOpen(_ context.Context, page, size int) ([]model.ChatRoom, int64, error) {
	s.mu.RLock()
	all := make([]model.ChatRoom, 0, len(s.open))
	for _, id := range s.open {
		all = append(all, *s.rooms[id])
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return pageOf(all, page, size), int64(len(all)), nil
}

func (s *MemRoomStore) Touch(_ context.Context, roomID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("room", "roomId", roomID)
	}
	t := at
	r.LastMessageAt = &t
	return nil
}

// ===== messages =====

type MemMessageStore struct {
	mu     sync.RWMutex
	byRoom map[string][]model.ChatMessage // 按发送顺序
}

func NewMemMessageStore() *MemMessageStore {
	return &MemMessageStore{byRoom: map[string][]model.ChatMessage{}}
}

func (s *MemMessageStore) Append(_ context.Context, m model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.byRoom[m.RoomID] {
		if x.ID == m.ID {
			return nil
		}
	}
	s.byRoom[m.RoomID] = append(s.byRoom[m.RoomID], m)
	return nil
}

func (s *MemMessageStore) History(_ context.Context, roomID string, page, size int) ([]model.ChatMessage, int64, error) {
	s.mu.RLock()
	all := s.byRoom[roomID]
	newestFirst := make([]model.ChatMessage, len(all))
	for i, m := range all {
		newestFirst[len(all)-1-i] = m
	}
	s.mu.RUnlock()
	return pageOf(newestFirst, page, size), int64(len(newestFirst)), nil
}

func (s *MemMessageStore) MarkRead(_ context.Context, roomID, readerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	msgs := s.byRoom[roomID]
	for i := range msgs {
		if !msgs[i].Read && msgs[i].SenderID != readerID {
			msgs[i].Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemMessageStore) CountUnread(_ context.Context, roomID, readerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.byRoom[roomID] {
		if !m.Read && m.SenderID != readerID {
			n++
		}
	}
	return n, nil
}

// ===== helpers =====

func pageOf[T any](all []T, page, size int) []T {
	if size <= 0 || page < 0 {
		return []T{}
	}
	from := min(page*size, len(all))
	to := min(from+size, len(all))
	return append([]T{}, all[from:to]...)
}

// assignRejection explains why an assign on a non-ACTIVE room did not apply.
func assignRejection(cur model.ChatRoom, staffID string) (model.ChatRoom, error) {
	switch cur.Status {
	case model.RoomAssigned:
		if cur.StaffID == staffID {
			return cur, nil
		}
		return cur, errs.ErrAssignConflict.WrapMsg("", "roomId", cur.ID, "staffId", cur.StaffID)
	case model.RoomClosed:
		return cur, errs.ErrRoomClosed.WrapMsg("", "roomId", cur.ID)
	default:
		return cur, errs.ErrInternal.WrapMsg("unexpected status", "roomId", cur.ID, "status", cur.Status)
	}
}
