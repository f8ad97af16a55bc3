package message

import (
	"SupportChat/module/chat/model"
	"SupportChat/service/realtime"
	"SupportChat/tools/safe"

	"go.uber.org/zap"
)

// Router sends each decoded frame to exactly one callback. Nil callbacks drop
// their variant. Nothing escapes Handle: parse failures are logged and still
// delivered through OnRaw, callback panics are recovered.
type Router struct {
	OnMessage func(model.ChatMessage)
	OnControl func(model.ControlEvent)
	OnUnknown func(UnknownFrame)
	OnRaw     func(RawFrame)
	Log       *zap.Logger
}

// Handle is a realtime.Handler.
func (r *Router) Handle(f realtime.Frame) {
	in := Decode(f.Body)
	if raw, ok := in.(RawFrame); ok {
		r.logger().Warn("malformed payload, delivering raw",
			zap.String("destination", f.Destination),
			zap.String("messageId", f.MessageID),
			zap.ByteString("sample", sample(raw.Payload)),
			zap.Error(raw.Err))
	}
	if err := safe.Call(func() { r.Route(in) }); err != nil {
		r.logger().Error("frame callback panicked", zap.String("destination", f.Destination), zap.Error(err))
	}
}

func (r *Router) Route(in Inbound) {
	switch v := in.(type) {
	case MessageFrame:
		if r.OnMessage != nil {
			r.OnMessage(v.Message)
		}
	case ControlFrame:
		if r.OnControl != nil {
			r.OnControl(v.Event)
		}
	case UnknownFrame:
		r.logger().Info("unknown control type", zap.String("type", v.Type))
		if r.OnUnknown != nil {
			r.OnUnknown(v)
		}
	case RawFrame:
		if r.OnRaw != nil {
			r.OnRaw(v)
		}
	}
}

func (r *Router) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func sample(b []byte) []byte {
	if len(b) > 256 {
		return b[:256]
	}
	return b
}
