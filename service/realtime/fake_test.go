package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"SupportChat/service/stompx"

	"github.com/go-stomp/stomp/v3/frame"
)

type dialRec struct {
	at   time.Time
	url  string
	auth string
}

// fakeNet plays the broker side of the handshake in memory.
type fakeNet struct {
	mu       sync.Mutex
	dials    []dialRec
	conns    []*fakeConn
	reject   func(n int) error // n is the 1-based dial number
	serverHB string
	refuse   bool // answer CONNECT with ERROR
}

func (n *fakeNet) Dial(_ context.Context, rawURL string, hdr http.Header) (Transport, error) {
	n.mu.Lock()
	n.dials = append(n.dials, dialRec{at: time.Now(), url: rawURL, auth: hdr.Get("Authorization")})
	idx := len(n.dials)
	reject, hb, refuse := n.reject, n.serverHB, n.refuse
	n.mu.Unlock()

	if reject != nil {
		if err := reject(idx); err != nil {
			return nil, err
		}
	}
	if hb == "" {
		hb = "0,0"
	}
	c := &fakeConn{toClient: make(chan []byte, 64), closed: make(chan struct{}), hb: hb, refuse: refuse}
	n.mu.Lock()
	n.conns = append(n.conns, c)
	n.mu.Unlock()
	return c, nil
}

func (n *fakeNet) setReject(fn func(int) error) {
	n.mu.Lock()
	n.reject = fn
	n.mu.Unlock()
}

func (n *fakeNet) dialLog() []dialRec {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dialRec(nil), n.dials...)
}

func (n *fakeNet) conn(i int) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[i]
}

var errFakeClosed = errors.New("fake transport closed")

type fakeConn struct {
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
	hb       string
	refuse   bool

	mu         sync.Mutex
	frames     []*frame.Frame
	heartbeats int
	failSend   error // SEND writes fail with it once set
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case m := <-c.toClient:
		return m, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	f, err := stompx.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if f == nil {
		c.heartbeats++
		c.mu.Unlock()
		return nil
	}
	if f.Command == frame.SEND && c.failSend != nil {
		err := c.failSend
		c.mu.Unlock()
		return err
	}
	c.frames = append(c.frames, f)
	c.mu.Unlock()

	if f.Command == frame.CONNECT {
		if c.refuse {
			c.push(stompx.Error("bad credentials", "", ""))
		} else {
			hb, _ := stompx.ParseHeartBeat(c.hb)
			c.push(stompx.Connected("s-1", "fake", hb))
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(f *frame.Frame) {
	raw, _ := stompx.Encode(f)
	c.toClient <- raw
}

func (c *fakeConn) pushRaw(b []byte) { c.toClient <- b }

func (c *fakeConn) sent(command string) []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*frame.Frame
	for _, f := range c.frames {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// subscribes skips the error queue subscription every link opens with.
func (c *fakeConn) subscribes() []*frame.Frame {
	var out []*frame.Frame
	for _, f := range c.sent(frame.SUBSCRIBE) {
		if f.Header.Get(stompx.HdrDestination) != stompx.DestErrors {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) setFailSend(err error) {
	c.mu.Lock()
	c.failSend = err
	c.mu.Unlock()
}

func (c *fakeConn) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}

// ---- event helpers ----

func collect(m *ConnManager) <-chan Event {
	ch := make(chan Event, 256)
	m.AddListener(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch
}

func waitEvent[T Event](t *testing.T, ch <-chan Event, timeout time.Duration, match func(T) bool) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			if v, ok := e.(T); ok && (match == nil || match(v)) {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func eventually(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
