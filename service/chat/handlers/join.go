// Package handlers serves the gateway's application destinations.
package handlers

import (
	"context"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/service/chat"
	"SupportChat/service/storage"
	"SupportChat/tools/decode"
	"SupportChat/tools/errs"
	"SupportChat/tools/safe"
	"SupportChat/tools/security"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang/glog"
)

// Rooms is the slice of the room service the gateway needs.
type Rooms interface {
	Authorize(ctx context.Context, who security.Identity, roomID string) (model.ChatRoom, error)
	SendMessage(ctx context.Context, who security.Identity, req model.SendRequest) (model.ChatMessage, error)
}

// JoinHandler serves /app/chat.join: it records presence and keeps it alive
// until the session ends.
type JoinHandler struct {
	rooms    Rooms
	presence storage.Presence
	renew    time.Duration
}

func NewJoinHandler(rooms Rooms, presence storage.Presence, ttl time.Duration) *JoinHandler {
	renew := ttl / 2
	if renew <= 0 {
		renew = time.Minute
	}
	return &JoinHandler{rooms: rooms, presence: presence, renew: renew}
}

func (h *JoinHandler) Destination() string { return model.DestJoin }

func (h *JoinHandler) Handle(cc *chat.ChatContext, f *frame.Frame, s *chat.Session) error {
	req, err := decodeBody[model.JoinRequest](f)
	if err != nil {
		return err
	}
	room, err := h.rooms.Authorize(cc.Ctx, s.User, req.RoomID)
	if err != nil {
		return err
	}
	first, err := h.presence.Join(cc.Ctx, room.ID, s.User.UserID, s.ID)
	if err != nil {
		// presence 只是展示用途，不影响会话
		glog.Warningf("[JOIN] presence join room=%s user=%s err=%v", room.ID, s.User.UserID, err)
	}
	if first {
		glog.Infof("[JOIN] user=%s entered room=%s", s.User.UserID, room.ID)
	}
	if s.MarkJoined(room.ID) {
		safe.Go("presence.renew", func() { h.keepAlive(s, room.ID) })
	}
	return nil
}

func (h *JoinHandler) keepAlive(s *chat.Session, roomID string) {
	t := time.NewTicker(h.renew)
	defer t.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if _, err := h.presence.Join(ctx, roomID, s.User.UserID, s.ID); err != nil {
				glog.Warningf("[JOIN] presence renew room=%s user=%s err=%v", roomID, s.User.UserID, err)
			}
			cancel()
		}
	}
}

// Leave drops every room s joined; install with Server.OnClose.
func (h *JoinHandler) Leave(s *chat.Session) {
	for _, roomID := range s.Joined() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := h.presence.Leave(ctx, roomID, s.User.UserID, s.ID); err != nil {
			glog.Warningf("[JOIN] presence leave room=%s user=%s err=%v", roomID, s.User.UserID, err)
		}
		cancel()
	}
}

// Register installs the chat destinations on srv.
func Register(srv *chat.Server, rooms Rooms, presence storage.Presence, presenceTTL time.Duration) {
	join := NewJoinHandler(rooms, presence, presenceTTL)
	srv.Register(join)
	srv.Register(NewSendHandler(rooms))
	srv.OnClose(join.Leave)
}

func decodeBody[T any](f *frame.Frame) (*T, error) {
	m, err := decode.JSONObject(f.Body)
	if err != nil {
		return nil, errs.ErrBadRequest.WrapMsg("bad body", "destination", f.Header.Get(frame.Destination))
	}
	out, err := decode.Map[T](m)
	if err != nil {
		return nil, errs.ErrBadRequest.WrapMsg("bad body", "destination", f.Header.Get(frame.Destination))
	}
	return out, nil
}
