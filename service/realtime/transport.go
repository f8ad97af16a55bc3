package realtime

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"SupportChat/tools/errs"

	"github.com/gorilla/websocket"
)

// Transport is one physical connection carrying whole messages.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport; the websocket one is the default, tests swap in fakes.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error)
}

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

type WSDialer struct {
	Dialer    *websocket.Dialer // nil => websocket.DefaultDialer
	WriteWait time.Duration
	ReadLimit int64
}

func (d *WSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.ErrUnauthorized.WrapMsg("handshake rejected", "status", resp.StatusCode)
		}
		return nil, errs.WrapMsg(err, "ws dial")
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxFrameSize
	}
	conn.SetReadLimit(limit)
	ww := d.WriteWait
	if ww <= 0 {
		ww = writeWait
	}
	return &wsTransport{conn: conn, writeWait: ww}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// withToken appends access_token to the query string.
func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errs.WrapMsg(err, "parse url", "url", rawURL)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
