package message

import (
	"testing"
	"time"

	"SupportChat/module/chat/model"
	"SupportChat/service/realtime"
	"SupportChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChatMessage(t *testing.T) {
	in := Decode([]byte(`{"id":101,"roomId":7,"senderId":"c1","senderName":"Ann","content":"hello","messageType":"TEXT","sentAt":"2024-05-01T09:30:00","read":false}`))
	mf, ok := in.(MessageFrame)
	require.True(t, ok, "got %T", in)
	assert.Equal(t, "101", mf.Message.ID)
	assert.Equal(t, "7", mf.Message.RoomID)
	assert.Equal(t, model.MessageText, mf.Message.MessageType)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC), mf.Message.SentAt)
}

func TestDecodeControlEvents(t *testing.T) {
	in := Decode([]byte(`{"type":"STAFF_ASSIGNED","roomId":"r1","staffId":"s9","staffName":"Jane"}`))
	cf, ok := in.(ControlFrame)
	require.True(t, ok)
	assert.Equal(t, model.StaffAssignedEvent("r1", "s9", "Jane"), cf.Event)

	in = Decode([]byte(`{"type":"ROOM_CLOSED","roomId":"r1"}`))
	cf, ok = in.(ControlFrame)
	require.True(t, ok)
	assert.Equal(t, model.RoomClosedEvent("r1"), cf.Event)
}

func TestDecodeUnknownAndMalformed(t *testing.T) {
	in := Decode([]byte(`{"type":"TYPING","roomId":"r1"}`))
	uf, ok := in.(UnknownFrame)
	require.True(t, ok)
	assert.Equal(t, "TYPING", uf.Type)

	for _, payload := range []string{`{not json`, `"just a string"`, `{"content":"no id"}`, `{"type":"ROOM_CLOSED"}`} {
		in = Decode([]byte(payload))
		rf, ok := in.(RawFrame)
		require.True(t, ok, "payload %s gave %T", payload, in)
		assert.Equal(t, payload, string(rf.Payload))
		assert.True(t, errs.Is(rf.Err, errs.ErrMessageParse))
	}
}

func TestRouterDeliversEachVariantOnce(t *testing.T) {
	var msgs, ctrls, raws, unknown int
	r := &Router{
		OnMessage: func(model.ChatMessage) { msgs++ },
		OnControl: func(model.ControlEvent) { ctrls++ },
		OnRaw:     func(RawFrame) { raws++ },
		OnUnknown: func(UnknownFrame) { unknown++ },
	}
	r.Handle(realtime.Frame{Body: []byte(`{"id":"m1","roomId":"r1","content":"x","sentAt":"2024-05-01T09:30:00Z"}`)})
	r.Handle(realtime.Frame{Body: []byte(`{"type":"ROOM_CLOSED","roomId":"r1"}`)})
	r.Handle(realtime.Frame{Body: []byte(`<html>`)})
	r.Handle(realtime.Frame{Body: []byte(`{"type":"PING"}`)})

	assert.Equal(t, 1, msgs)
	assert.Equal(t, 1, ctrls)
	assert.Equal(t, 1, raws)
	assert.Equal(t, 1, unknown)
}

func TestRouterSurvivesPanickingCallback(t *testing.T) {
	r := &Router{OnMessage: func(model.ChatMessage) { panic("view crashed") }}
	assert.NotPanics(t, func() {
		r.Handle(realtime.Frame{Body: []byte(`{"id":"m1","roomId":"r1","content":"x","sentAt":"2024-05-01T09:30:00Z"}`)})
	})
}
