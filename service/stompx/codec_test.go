package stompx

import (
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFrameSurvivesWire(t *testing.T) {
	body := []byte(`{"roomId":"r1","senderId":"c1","content":"hi:\nthere"}`)
	raw, err := Encode(Send("/app/chat.send", body, map[string]string{"x-trace": "t-1"}))
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, frame.SEND, f.Command)
	assert.Equal(t, "/app/chat.send", f.Header.Get(HdrDestination))
	assert.Equal(t, "t-1", f.Header.Get("x-trace"))
	assert.Equal(t, body, f.Body)
}

func TestHeartbeatMessage(t *testing.T) {
	raw, err := Encode(nil)
	require.NoError(t, err)
	f, err := Decode(raw)
	assert.NoError(t, err)
	assert.Nil(t, f)

	f, err = Decode([]byte("\r\n"))
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestConnectCarriesBearer(t *testing.T) {
	raw, err := Encode(Connect("chat", "tok", HeartBeat{Send: 10 * time.Second, Recv: 10 * time.Second}))
	require.NoError(t, err)
	f, err := Decode(raw)
	require.NoError(t, err)
	h := Headers(f)
	assert.Equal(t, "Bearer tok", h[HdrAuthorization])
	assert.Equal(t, "10000,10000", h[HdrHeartBeat])
	assert.Equal(t, Version, h[HdrAcceptVersion])
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("NOT A FRAME"))
	assert.Error(t, err)
}

func TestNegotiate(t *testing.T) {
	local := HeartBeat{Send: 10 * time.Second, Recv: 10 * time.Second}

	out, in := Negotiate(local, HeartBeat{Send: 20 * time.Second, Recv: 5 * time.Second})
	assert.Equal(t, 10*time.Second, out)
	assert.Equal(t, 20*time.Second, in)

	out, in = Negotiate(local, HeartBeat{})
	assert.Zero(t, out)
	assert.Zero(t, in)

	hb, err := ParseHeartBeat("4000,0")
	require.NoError(t, err)
	assert.Equal(t, HeartBeat{Send: 4 * time.Second}, hb)
}
