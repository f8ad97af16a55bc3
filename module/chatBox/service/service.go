// Package service is the room service behind the REST API and the gateway's
// application destinations.
package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"SupportChat/logger"
	"SupportChat/module/chat/model"
	"SupportChat/module/chatBox/store"
	"SupportChat/tools/errs"
	"SupportChat/tools/ids"
	"SupportChat/tools/security"

	"go.uber.org/zap"
)

// Publisher pushes a JSON payload to a STOMP destination.
type Publisher interface {
	Publish(ctx context.Context, dest string, payload any) error
}

type Config struct {
	DefaultPageSize int
	MaxPageSize     int
	MaxContentLen   int // 按字符计
	Clock           func() time.Time
}

func (c *Config) norm() {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 20
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 100
	}
	if c.MaxContentLen <= 0 {
		c.MaxContentLen = 2000
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Service struct {
	rooms store.RoomStore
	msgs  store.MessageStore
	pub   Publisher
	conf  Config
	log   *zap.Logger
}

func New(rooms store.RoomStore, msgs store.MessageStore, pub Publisher, conf Config) *Service {
	conf.norm()
	return &Service{rooms: rooms, msgs: msgs, pub: pub, conf: conf, log: logger.Named("chatBox")}
}

// GetChatRoom returns the customer's open room, creating it on first contact.
func (s *Service) GetChatRoom(ctx context.Context, who security.Identity, customerID string) (model.ChatRoom, error) {
	if customerID == "" {
		return model.ChatRoom{}, errs.ErrBadRequest.WrapMsg("customerId required")
	}
	if !who.IsStaff() && who.UserID != customerID {
		return model.ChatRoom{}, errs.ErrForbidden.WrapMsg("not your room")
	}
	seed := model.ChatRoom{
		ID:         ids.GenerateString(),
		CustomerID: customerID,
		Status:     model.RoomActive,
		CreatedAt:  s.conf.Clock(),
	}
	if who.UserID == customerID {
		seed.CustomerName, seed.CustomerEmail = who.Name, who.Email
	}
	room, err := s.rooms.GetOrCreateByCustomer(ctx, seed)
	if err != nil {
		return model.ChatRoom{}, err
	}
	if room.ID == seed.ID {
		s.log.Info("room created", zap.String("roomId", room.ID), zap.String("customerId", customerID))
	}
	return s.withUnread(ctx, room, who.UserID), nil
}

func (s *Service) GetMessageHistory(ctx context.Context, who security.Identity, roomID string, page, size int) (model.Page[model.ChatMessage], error) {
	if _, err := s.Authorize(ctx, who, roomID); err != nil {
		return model.Page[model.ChatMessage]{}, err
	}
	page, size = s.paging(page, size)
	msgs, total, err := s.msgs.History(ctx, roomID, page, size)
	if err != nil {
		return model.Page[model.ChatMessage]{}, err
	}
	return model.NewPage(msgs, page, size, total), nil
}

// MarkMessagesAsRead flags everything the other side sent as read.
func (s *Service) MarkMessagesAsRead(ctx context.Context, who security.Identity, roomID string) error {
	if _, err := s.Authorize(ctx, who, roomID); err != nil {
		return err
	}
	n, err := s.msgs.MarkRead(ctx, roomID, who.UserID)
	if err != nil {
		return err
	}
	s.log.Debug("marked read", zap.String("roomId", roomID), zap.String("reader", who.UserID), zap.Int64("count", n))
	return nil
}

// AssignStaff claims an ACTIVE room for the calling staff member and announces
// it in the room. Losing a concurrent claim yields ErrAssignConflict.
func (s *Service) AssignStaff(ctx context.Context, who security.Identity, roomID, staffID string) (model.ChatRoom, error) {
	if !who.IsStaff() {
		return model.ChatRoom{}, errs.ErrForbidden.WrapMsg("staff only")
	}
	if staffID == "" {
		staffID = who.UserID
	}
	if staffID != who.UserID {
		return model.ChatRoom{}, errs.ErrForbidden.WrapMsg("can only assign yourself", "staffId", staffID)
	}
	room, err := s.rooms.Assign(ctx, roomID, staffID, who.Name)
	if err != nil {
		if errs.Is(err, errs.ErrAssignConflict) {
			s.log.Info("assign conflict", zap.String("roomId", roomID), zap.String("staffId", staffID))
		}
		return model.ChatRoom{}, err
	}
	s.publish(ctx, roomID, model.StaffAssignedEvent(roomID, room.StaffID, room.StaffName))
	return room, nil
}

func (s *Service) CloseChatRoom(ctx context.Context, who security.Identity, roomID string) (model.ChatRoom, error) {
	if _, err := s.Authorize(ctx, who, roomID); err != nil {
		return model.ChatRoom{}, err
	}
	room, err := s.rooms.Close(ctx, roomID)
	if err != nil {
		return model.ChatRoom{}, err
	}
	s.log.Info("room closed", zap.String("roomId", roomID), zap.String("by", who.UserID))
	s.publish(ctx, roomID, model.RoomClosedEvent(roomID))
	return room, nil
}

// GetAllActiveChatRooms pages every non-closed room with the caller's unread count.
func (s *Service) GetAllActiveChatRooms(ctx context.Context, who security.Identity, page, size int) (model.Page[model.ChatRoom], error) {
	if !who.IsStaff() {
		return model.Page[model.ChatRoom]{}, errs.ErrForbidden.WrapMsg("staff only")
	}
	page, size = s.paging(page, size)
	rooms, total, err := s.rooms.ListOpen(ctx, page, size)
	if err != nil {
		return model.Page[model.ChatRoom]{}, err
	}
	for i := range rooms {
		rooms[i] = s.withUnread(ctx, rooms[i], who.UserID)
	}
	return model.NewPage(rooms, page, size, total), nil
}

// SendMessage stores a text message and pushes it to the room, sender included.
func (s *Service) SendMessage(ctx context.Context, who security.Identity, req model.SendRequest) (model.ChatMessage, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return model.ChatMessage{}, errs.ErrBadRequest.WrapMsg("empty content")
	}
	if utf8.RuneCountInString(content) > s.conf.MaxContentLen {
		return model.ChatMessage{}, errs.ErrBadRequest.WrapMsg("content too long", "max", s.conf.MaxContentLen)
	}
	if req.SenderID != "" && req.SenderID != who.UserID {
		return model.ChatMessage{}, errs.ErrForbidden.WrapMsg("senderId does not match token")
	}
	room, err := s.Authorize(ctx, who, req.RoomID)
	if err != nil {
		return model.ChatMessage{}, err
	}
	if room.Status == model.RoomClosed {
		return model.ChatMessage{}, errs.ErrRoomClosed.WrapMsg("", "roomId", room.ID)
	}
	if who.IsStaff() && room.StaffID != "" && room.StaffID != who.UserID {
		return model.ChatMessage{}, errs.ErrForbidden.WrapMsg("room belongs to another staff member")
	}

	msg := model.ChatMessage{
		ID:          ids.GenerateString(),
		RoomID:      room.ID,
		SenderID:    who.UserID,
		SenderName:  who.Name,
		Content:     content,
		MessageType: model.MessageText,
		SentAt:      s.conf.Clock(),
	}
	if err := s.msgs.Append(ctx, msg); err != nil {
		return model.ChatMessage{}, err
	}
	if err := s.rooms.Touch(ctx, room.ID, msg.SentAt); err != nil {
		s.log.Warn("touch room failed", zap.String("roomId", room.ID), zap.Error(err))
	}
	s.publish(ctx, room.ID, msg)
	return msg, nil
}

// Authorize loads roomID if who may see it: staff see every room, a customer
// only their own.
func (s *Service) Authorize(ctx context.Context, who security.Identity, roomID string) (model.ChatRoom, error) {
	if roomID == "" {
		return model.ChatRoom{}, errs.ErrBadRequest.WrapMsg("roomId required")
	}
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return model.ChatRoom{}, err
	}
	if !who.IsStaff() && room.CustomerID != who.UserID {
		return model.ChatRoom{}, errs.ErrForbidden.WrapMsg("not your room", "roomId", roomID)
	}
	return room, nil
}

// CanSubscribe limits subscriptions to room queues the caller may see.
func (s *Service) CanSubscribe(ctx context.Context, who security.Identity, dest string) error {
	roomID, ok := strings.CutPrefix(dest, model.DestinationPrefix)
	if !ok || roomID == "" || strings.Contains(roomID, "/") {
		return errs.ErrForbidden.WrapMsg("destination not allowed", "destination", dest)
	}
	_, err := s.Authorize(ctx, who, roomID)
	return err
}

func (s *Service) publish(ctx context.Context, roomID string, payload any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, model.Destination(roomID), payload); err != nil {
		// 已落库，推送失败由客户端重连补拉
		s.log.Warn("push failed", zap.String("roomId", roomID), zap.Error(err))
	}
}

func (s *Service) withUnread(ctx context.Context, room model.ChatRoom, reader string) model.ChatRoom {
	n, err := s.msgs.CountUnread(ctx, room.ID, reader)
	if err != nil {
		s.log.Warn("count unread failed", zap.String("roomId", room.ID), zap.Error(err))
		return room
	}
	room.UnreadCount = int(n)
	return room
}

func (s *Service) paging(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = s.conf.DefaultPageSize
	}
	if size > s.conf.MaxPageSize {
		size = s.conf.MaxPageSize
	}
	return page, size
}
