package model

import (
	"fmt"
	"time"
)

type RoomStatus string

const (
	RoomActive   RoomStatus = "ACTIVE"   // 已创建，无人接待
	RoomAssigned RoomStatus = "ASSIGNED" // 客服已接入
	RoomClosed   RoomStatus = "CLOSED"   // 终态
)

// Rank orders statuses along the only legal path ACTIVE -> ASSIGNED -> CLOSED.
func (s RoomStatus) Rank() int {
	switch s {
	case RoomActive:
		return 0
	case RoomAssigned:
		return 1
	case RoomClosed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether next is strictly later on the lifecycle.
// ACTIVE may jump straight to CLOSED.
func (s RoomStatus) CanAdvanceTo(next RoomStatus) bool {
	return s.Rank() >= 0 && next.Rank() > s.Rank()
}

func (s RoomStatus) Valid() bool { return s.Rank() >= 0 }

func ParseRoomStatus(v string) (RoomStatus, error) {
	s := RoomStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown room status %q", v)
	}
	return s, nil
}

// ChatRoom 一位客户与至多一位客服之间的会话。
type ChatRoom struct {
	ID            string     `json:"id"                      bson:"_id"`
	CustomerID    string     `json:"customerId"              bson:"customer_id"`
	CustomerName  string     `json:"customerName"            bson:"customer_name"`
	CustomerEmail string     `json:"customerEmail"           bson:"customer_email"`
	StaffID       string     `json:"staffId,omitempty"       bson:"staff_id,omitempty"`
	StaffName     string     `json:"staffName,omitempty"     bson:"staff_name,omitempty"`
	Status        RoomStatus `json:"status"                  bson:"status"`
	CreatedAt     time.Time  `json:"createdAt"               bson:"created_at"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty" bson:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unreadCount"             bson:"-"`
}

// Destination is where the room's messages and control events are pushed.
func Destination(roomID string) string {
	return "/queue/messages/" + roomID
}

const (
	DestJoin = "/app/chat.join"
	DestSend = "/app/chat.send"

	DestinationPrefix = "/queue/messages/"
)
