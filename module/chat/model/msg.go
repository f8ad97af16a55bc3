package model

import "time"

const MsgTableName = "chat_messages" // Mongo 集合名

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageSystem MessageType = "SYSTEM" // 本地合成，仅展示，不落库
)

// ChatMessage 一条房间内消息；ID 是去重键（历史分页与实时推送可能重复到达）。
type ChatMessage struct {
	ID           string      `json:"id"                     bson:"_id"`
	RoomID       string      `json:"roomId"                 bson:"room_id"`
	SenderID     string      `json:"senderId"               bson:"sender_id"`
	SenderName   string      `json:"senderName"             bson:"sender_name"`
	SenderAvatar string      `json:"senderAvatar,omitempty" bson:"sender_avatar,omitempty"`
	Content      string      `json:"content"                bson:"content"`
	MessageType  MessageType `json:"messageType"            bson:"message_type"`
	SentAt       time.Time   `json:"sentAt"                 bson:"sent_at"`
	Read         bool        `json:"read"                   bson:"read"`
}

func (m ChatMessage) IsSystem() bool { return m.MessageType == MessageSystem }

// SendRequest is the body of /app/chat.send.
type SendRequest struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// JoinRequest is the body of /app/chat.join.
type JoinRequest struct {
	RoomID string `json:"roomId"`
}
