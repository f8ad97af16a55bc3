// Package stompx frames STOMP 1.2 over websocket messages: one frame per
// websocket message, a bare EOL message is a heart-beat.
package stompx

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

const Version = "1.2"

// header keys
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrSession       = "session"
	HdrServer        = "server"
	HdrAuthorization = "Authorization"
)

const JSONContentType = "application/json"

var heartbeatMsg = []byte{'\n'}

// Encode serializes f into a single websocket message; nil means heart-beat.
func Encode(f *frame.Frame) ([]byte, error) {
	if f == nil {
		return heartbeatMsg, nil
	}
	if len(f.Body) > 0 {
		f.Header.Set(HdrContentLength, strconv.Itoa(len(f.Body)))
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one websocket message. A heart-beat yields (nil, nil).
func Decode(msg []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(msg)) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(msg)).Read()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Headers copies the frame headers into a map; the first occurrence of a key wins.
func Headers(f *frame.Frame) map[string]string {
	out := make(map[string]string, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// ===== heart-beat =====

// HeartBeat is the "cx,cy" pair: Send is how often we can send, Recv how often
// we want to receive. Zero disables that direction.
type HeartBeat struct {
	Send time.Duration
	Recv time.Duration
}

func (h HeartBeat) String() string {
	return strconv.FormatInt(h.Send.Milliseconds(), 10) + "," + strconv.FormatInt(h.Recv.Milliseconds(), 10)
}

func ParseHeartBeat(s string) (HeartBeat, error) {
	if s == "" {
		return HeartBeat{}, nil
	}
	cx, cy, err := frame.ParseHeartBeat(s)
	if err != nil {
		return HeartBeat{}, err
	}
	return HeartBeat{Send: cx, Recv: cy}, nil
}

// Negotiate applies the STOMP rule: each direction runs at the slower of
// what one side offers and the other side asks for.
func Negotiate(local, remote HeartBeat) (out, in time.Duration) {
	if local.Send > 0 && remote.Recv > 0 {
		out = max(local.Send, remote.Recv)
	}
	if local.Recv > 0 && remote.Send > 0 {
		in = max(local.Recv, remote.Send)
	}
	return out, in
}
