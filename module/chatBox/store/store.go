// Package store persists chat rooms and their messages.
package store

import (
	"context"
	"time"

	"SupportChat/module/chat/model"
)

// RoomStore owns the room lifecycle. Status only moves forward:
// ACTIVE -> ASSIGNED -> CLOSED, or ACTIVE -> CLOSED.
type RoomStore interface {
	// GetOrCreateByCustomer returns the customer's open room, inserting seed
	// when there is none. A customer has at most one open room.
	GetOrCreateByCustomer(ctx context.Context, seed model.ChatRoom) (model.ChatRoom, error)
	Get(ctx context.Context, roomID string) (model.ChatRoom, error)
	// Assign moves an ACTIVE room to ASSIGNED. Assigning again to the same
	// staff member is a no-op; anyone else gets ErrAssignConflict.
	Assign(ctx context.Context, roomID, staffID, staffName string) (model.ChatRoom, error)
	// Close is idempotent.
	Close(ctx context.Context, roomID string) (model.ChatRoom, error)
	// ListOpen pages non-closed rooms, oldest first.
	ListOpen(ctx context.Context, page, size int) ([]model.ChatRoom, int64, error)
	Touch(ctx context.Context, roomID string, at time.Time) error
}

// MessageStore keeps room messages. History pages are newest first.
type MessageStore interface {
	Append(ctx context.Context, m model.ChatMessage) error
	History(ctx context.Context, roomID string, page, size int) ([]model.ChatMessage, int64, error)
	// MarkRead flags everything in roomID not sent by readerID as read.
	MarkRead(ctx context.Context, roomID, readerID string) (int64, error)
	CountUnread(ctx context.Context, roomID, readerID string) (int64, error)
}
