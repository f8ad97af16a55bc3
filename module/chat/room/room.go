// Package room holds one chat room's lifecycle and its ordered, de-duplicated
// message list. It is not safe for concurrent use; sessions own it from their
// event loop.
package room

import (
	"fmt"
	"sort"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"
)

const ClosedNotice = "Chat has been closed"

// Transition reports what a trigger did.
type Transition struct {
	From, To  model.RoomStatus
	Changed   bool
	Redundant bool               // the target state was already reached, nothing changed
	System    *model.ChatMessage // synthesized message appended on entry, if any
}

type Room struct {
	info     model.ChatRoom
	viewerID string
	messages []model.ChatMessage // ascending by SentAt
	ids      map[string]struct{}
	unread   int
	now      func() time.Time
}

type Option func(*Room)

// WithClock overrides the time stamped on synthesized messages.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// New wraps info. viewerID is the local user; their own messages never count as unread.
func New(info model.ChatRoom, viewerID string, opts ...Option) *Room {
	if !info.Status.Valid() {
		info.Status = model.RoomActive
	}
	r := &Room{
		info:     info,
		viewerID: viewerID,
		ids:      make(map[string]struct{}),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Room) ID() string               { return r.info.ID }
func (r *Room) Status() model.RoomStatus { return r.info.Status }

// Info is a snapshot whose UnreadCount reflects the local list.
func (r *Room) Info() model.ChatRoom {
	out := r.info
	out.UnreadCount = r.unread
	return out
}

// ===== 状态机 =====

// AssignStaff drives ACTIVE -> ASSIGNED. The first trigger wins.
func (r *Room) AssignStaff(staffID, staffName string) Transition {
	from := r.info.Status
	if !from.CanAdvanceTo(model.RoomAssigned) {
		return Transition{From: from, To: from, Redundant: true}
	}
	r.info.Status = model.RoomAssigned
	r.info.StaffID = staffID
	r.info.StaffName = staffName
	sys := r.joinedMessage()
	r.Merge(sys)
	return Transition{From: from, To: model.RoomAssigned, Changed: true, System: &sys}
}

// Close drives ACTIVE|ASSIGNED -> CLOSED.
func (r *Room) Close() Transition {
	from := r.info.Status
	if !from.CanAdvanceTo(model.RoomClosed) {
		return Transition{From: from, To: from, Redundant: true}
	}
	r.info.Status = model.RoomClosed
	return Transition{From: from, To: model.RoomClosed, Changed: true}
}

// Apply feeds a pushed control event. Events for other rooms and unknown types
// change nothing and are not redundant either.
func (r *Room) Apply(ev model.ControlEvent) Transition {
	from := r.info.Status
	if ev.RoomID != r.info.ID {
		return Transition{From: from, To: from}
	}
	switch ev.Type {
	case model.ControlStaffAssigned:
		return r.AssignStaff(ev.StaffID, ev.StaffName)
	case model.ControlRoomClosed:
		return r.Close()
	default:
		return Transition{From: from, To: from}
	}
}

// Refresh adopts a server snapshot of the room. Status only moves forward;
// staff fields follow the server whenever it reports an assignment.
func (r *Room) Refresh(snap model.ChatRoom) Transition {
	if snap.ID != r.info.ID {
		return Transition{From: r.info.Status, To: r.info.Status}
	}
	if snap.LastMessageAt != nil {
		r.info.LastMessageAt = snap.LastMessageAt
	}
	if snap.CustomerName != "" {
		r.info.CustomerName = snap.CustomerName
	}
	if snap.CustomerEmail != "" {
		r.info.CustomerEmail = snap.CustomerEmail
	}

	var tr Transition
	switch snap.Status {
	case model.RoomAssigned:
		tr = r.AssignStaff(snap.StaffID, snap.StaffName)
	case model.RoomClosed:
		tr = r.Close()
	default:
		tr = Transition{From: r.info.Status, To: r.info.Status}
	}
	if snap.StaffID != "" && r.info.Status != model.RoomActive {
		r.info.StaffID, r.info.StaffName = snap.StaffID, snap.StaffName
	}
	return tr
}

// CanSend is the local gate run before any network call.
func (r *Room) CanSend() error {
	if r.info.Status == model.RoomClosed {
		return errs.ErrRoomClosed.WrapMsg("", "roomId", r.info.ID)
	}
	return nil
}

func (r *Room) InputEnabled() bool { return r.info.Status != model.RoomClosed }

func (r *Room) Notice() string {
	if r.info.Status == model.RoomClosed {
		return ClosedNotice
	}
	return ""
}

func (r *Room) joinedMessage() model.ChatMessage {
	name := r.info.StaffName
	if name == "" {
		name = r.info.StaffID
	}
	return model.ChatMessage{
		ID:          fmt.Sprintf("system:%s:assigned", r.info.ID),
		RoomID:      r.info.ID,
		SenderID:    "system",
		SenderName:  "System",
		Content:     fmt.Sprintf("Staff %s joined", name),
		MessageType: model.MessageSystem,
		SentAt:      r.now(),
		Read:        true,
	}
}

// ===== 消息列表 =====

// Merge inserts every message whose id is new, keeping the list ascending by
// SentAt; equal timestamps keep arrival order. Returns how many were added.
func (r *Room) Merge(msgs ...model.ChatMessage) int {
	added := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := r.ids[m.ID]; dup {
			continue
		}
		r.ids[m.ID] = struct{}{}
		i := sort.Search(len(r.messages), func(i int) bool {
			return r.messages[i].SentAt.After(m.SentAt)
		})
		r.messages = append(r.messages, model.ChatMessage{})
		copy(r.messages[i+1:], r.messages[i:])
		r.messages[i] = m
		if r.countsAsUnread(m) {
			r.unread++
		}
		if r.info.LastMessageAt == nil || m.SentAt.After(*r.info.LastMessageAt) {
			at := m.SentAt
			r.info.LastMessageAt = &at
		}
		added++
	}
	return added
}

// MergeHistory takes a newest-first page as served by the history endpoint.
func (r *Room) MergeHistory(newestFirst []model.ChatMessage) int {
	asc := make([]model.ChatMessage, len(newestFirst))
	for i, m := range newestFirst {
		asc[len(newestFirst)-1-i] = m
	}
	return r.Merge(asc...)
}

func (r *Room) Messages() []model.ChatMessage {
	return append([]model.ChatMessage(nil), r.messages...)
}

// ===== 未读 =====

func (r *Room) Unread() int { return r.unread }

func (r *Room) countsAsUnread(m model.ChatMessage) bool {
	return !m.Read && !m.IsSystem() && m.SenderID != r.viewerID
}

// MarkRead marks one message read; marking an already read or unknown message is a no-op.
func (r *Room) MarkRead(id string) bool {
	for i := range r.messages {
		if r.messages[i].ID != id {
			continue
		}
		if r.messages[i].Read {
			return false
		}
		counted := r.countsAsUnread(r.messages[i])
		r.messages[i].Read = true
		if counted && r.unread > 0 {
			r.unread--
		}
		return true
	}
	return false
}

// MarkAllRead returns how many messages changed.
func (r *Room) MarkAllRead() int {
	n := 0
	for i := range r.messages {
		if !r.messages[i].Read && r.messages[i].SenderID != r.viewerID {
			r.messages[i].Read = true
			n++
		}
	}
	r.unread = 0
	return n
}
