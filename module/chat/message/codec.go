package message

import (
	"SupportChat/module/chat/model"
	"SupportChat/tools/decode"
	"SupportChat/tools/errs"
)

// Inbound is what a pushed payload decodes to. Exactly one of the four variants.
type Inbound interface{ isInbound() }

type MessageFrame struct{ Message model.ChatMessage }

type ControlFrame struct{ Event model.ControlEvent }

// UnknownFrame has a type discriminant nobody here understands.
type UnknownFrame struct {
	Type string
	Raw  []byte
}

// RawFrame could not be decoded; Err is a MessageParseError.
type RawFrame struct {
	Payload []byte
	Err     error
}

func (MessageFrame) isInbound() {}
func (ControlFrame) isInbound() {}
func (UnknownFrame) isInbound() {}
func (RawFrame) isInbound()     {}

const discriminant = "type"

// Decode never fails: anything it cannot make sense of comes back as RawFrame.
func Decode(payload []byte) Inbound {
	m, err := decode.JSONObject(payload)
	if err != nil {
		return RawFrame{Payload: payload, Err: errs.ErrMessageParse.WrapMsg(err.Error())}
	}

	if typ, ok := decode.ReadString(m, discriminant); ok && typ != "" {
		if !model.ControlType(typ).Known() {
			return UnknownFrame{Type: typ, Raw: payload}
		}
		ev, err := decode.Map[model.ControlEvent](m)
		if err != nil {
			return RawFrame{Payload: payload, Err: errs.ErrMessageParse.WrapMsg(err.Error(), "type", typ)}
		}
		if ev.RoomID == "" {
			return RawFrame{Payload: payload, Err: errs.ErrMessageParse.WrapMsg("control event without roomId", "type", typ)}
		}
		return ControlFrame{Event: *ev}
	}

	msg, err := decode.Map[model.ChatMessage](m)
	if err != nil {
		return RawFrame{Payload: payload, Err: errs.ErrMessageParse.WrapMsg(err.Error())}
	}
	if msg.ID == "" {
		return RawFrame{Payload: payload, Err: errs.ErrMessageParse.WrapMsg("chat message without id")}
	}
	if msg.MessageType == "" {
		msg.MessageType = model.MessageText
	}
	return MessageFrame{Message: *msg}
}
