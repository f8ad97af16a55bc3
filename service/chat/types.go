package chat

import (
	"context"

	"SupportChat/tools/security"

	"github.com/go-stomp/stomp/v3/frame"
)

// Handler serves SEND frames addressed to one application destination.
type Handler interface {
	Destination() string
	Handle(*ChatContext, *frame.Frame, *Session) error
}

type ChatContext struct {
	S   *Server
	Ctx context.Context
}

// SubscribeGuard decides whether who may SUBSCRIBE to dest.
type SubscribeGuard interface {
	CanSubscribe(ctx context.Context, who security.Identity, dest string) error
}

// Relay carries a publish to every gateway node, this one included.
type Relay interface {
	Publish(ctx context.Context, dest string, body []byte, msgID string) error
}
