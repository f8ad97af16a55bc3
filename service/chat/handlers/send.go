package handlers

import (
	"SupportChat/module/chat/model"
	"SupportChat/service/chat"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang/glog"
)

// SendHandler serves /app/chat.send. The stored message comes back to every
// subscriber of the room, the sender included.
type SendHandler struct {
	rooms Rooms
}

func NewSendHandler(rooms Rooms) *SendHandler { return &SendHandler{rooms: rooms} }

func (h *SendHandler) Destination() string { return model.DestSend }

func (h *SendHandler) Handle(cc *chat.ChatContext, f *frame.Frame, s *chat.Session) error {
	req, err := decodeBody[model.SendRequest](f)
	if err != nil {
		return err
	}
	msg, err := h.rooms.SendMessage(cc.Ctx, s.User, *req)
	if err != nil {
		return err
	}
	glog.V(1).Infof("[SEND] room=%s msg=%s from=%s", msg.RoomID, msg.ID, msg.SenderID)
	return nil
}
