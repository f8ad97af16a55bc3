package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"SupportChat/service/stompx"
	"SupportChat/tools/errs"
	"SupportChat/tools/safe"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"
)

// errorsSubID is the fixed subscription id of the session error queue.
const errorsSubID = "sub-errors"

// ConnManager owns the single STOMP-over-websocket connection of a client session.
// Frames are dispatched to subscription handlers from one read goroutine, so the
// handlers of a connection run one at a time in arrival order.
type ConnManager struct {
	conf Config
	reg  *Registry
	log  *zap.Logger

	mu          sync.Mutex
	state       State
	link        *link
	token       string
	gen         uint64 // 每次 connect/disconnect/掉线 +1，旧 goroutine 据此失效
	attempt     int
	cancelRetry context.CancelFunc

	lmu       sync.RWMutex
	listeners map[int]func(Event)
	nextL     int
}

func NewConnManager(conf Config) *ConnManager {
	conf.norm()
	m := &ConnManager{
		conf:      conf,
		log:       conf.Logger,
		reg:       NewRegistry(conf.Logger),
		token:     conf.Token,
		listeners: make(map[int]func(Event)),
	}
	if conf.OnConnect != nil || conf.OnDisconnect != nil || conf.OnError != nil {
		m.AddListener(m.callbackAdapter)
	}
	return m
}

func (m *ConnManager) callbackAdapter(ev Event) {
	switch e := ev.(type) {
	case Connected:
		if m.conf.OnConnect != nil {
			m.conf.OnConnect()
		}
	case Disconnected:
		if m.conf.OnDisconnect != nil {
			m.conf.OnDisconnect(e)
		}
	case ErrorEvent:
		if m.conf.OnError != nil {
			m.conf.OnError(e.Err)
		}
	}
}

// ===== 事件源 =====

// AddListener registers an observer; listeners run on the goroutine that produced
// the event and must not block.
func (m *ConnManager) AddListener(fn func(Event)) (remove func()) {
	m.lmu.Lock()
	id := m.nextL
	m.nextL++
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *ConnManager) emit(ev Event) {
	m.lmu.RLock()
	ls := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		ls = append(ls, fn)
	}
	m.lmu.RUnlock()
	for _, fn := range ls {
		if err := safe.Call(func() { fn(ev) }); err != nil {
			m.log.Error("listener panicked", zap.Error(err))
		}
	}
}

// ===== 状态查询 =====

func (m *ConnManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt is the reconnect attempt in progress, 0 when none.
func (m *ConnManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// ===== 连接 / 断开 =====

// Connect performs the handshake and returns once CONNECTED arrives.
// Handshake failures are ConnectionErrors and are not retried.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		st := m.state
		m.mu.Unlock()
		return errs.ErrAlreadyConnected.WrapMsg("connect", "state", st)
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	token := m.token
	m.mu.Unlock()

	var err error
	if token == "" && m.conf.GetToken != nil {
		token, err = m.conf.GetToken(ctx)
	}
	var l *link
	if err == nil {
		l, err = m.handshake(ctx, token)
	}
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		cerr := errs.ErrConnection.WrapMsg(err.Error())
		m.log.Warn("handshake failed", zap.String("url", m.conf.URL), zap.Error(err))
		m.emit(ErrorEvent{Kind: KindConnection, Err: cerr})
		return cerr
	}
	if !m.install(l, gen, token) {
		l.close()
		return errs.ErrConnection.WrapMsg("connect cancelled by disconnect")
	}
	m.log.Info("connected", zap.String("url", m.conf.URL))
	m.emit(Connected{})
	return nil
}

// Disconnect unsubscribes every handle, cancels any pending reconnect and closes
// the transport. Nothing reconnects afterwards until Connect is called again.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	l := m.link
	m.link = nil
	wasActive := m.state != StateDisconnected
	m.state = StateDisconnected
	m.attempt = 0
	m.mu.Unlock()

	bindings := m.reg.Drain()
	if l != nil {
		for _, b := range bindings {
			_ = l.write(stompx.Unsubscribe(b.SubID))
		}
		_ = l.write(stompx.Disconnect(""))
		l.close()
	}
	if wasActive {
		m.log.Info("disconnected", zap.Int("unsubscribed", len(bindings)))
		m.emit(Disconnected{Terminal: true, Explicit: true})
	}
}

// install makes l the live link unless gen went stale meanwhile.
func (m *ConnManager) install(l *link, gen uint64, token string) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.link = l
	m.state = StateConnected
	m.attempt = 0
	m.token = token
	m.cancelRetry = nil
	m.mu.Unlock()

	// STOMP 订阅按连接生效，重连后补订阅
	if err := l.write(stompx.Subscribe(errorsSubID, stompx.DestErrors)); err != nil {
		m.log.Warn("error queue subscribe failed", zap.Error(err))
	}
	for _, b := range m.reg.Bindings() {
		if err := l.write(stompx.Subscribe(b.SubID, b.Destination)); err != nil {
			m.log.Warn("resubscribe failed", zap.String("destination", b.Destination), zap.Error(err))
		}
	}
	safe.Go("realtime.readLoop", func() { m.readLoop(l) })
	if l.out > 0 || l.in > 0 {
		safe.Go("realtime.heartbeat", func() { m.heartbeatLoop(l) })
	}
	return true
}

// ===== 发送 / 订阅 =====

// Send fails with NotConnectedError unless connected. payload is JSON-encoded
// unless it already is []byte, string or json.RawMessage.
func (m *ConnManager) Send(destination string, payload any, headers map[string]string) error {
	l := m.liveLink()
	if l == nil {
		return errs.ErrNotConnected.WrapMsg("send", "destination", destination)
	}
	body, err := encodePayload(payload)
	if err != nil {
		return errs.ErrBadRequest.WrapMsg("encode payload", "destination", destination, "err", err)
	}
	if err := l.write(stompx.Send(destination, body, headers)); err != nil {
		m.onDrop(l, err)
		return errs.ErrNotConnected.WrapMsg("send failed", "destination", destination, "err", err)
	}
	return nil
}

func (m *ConnManager) Subscribe(destination string, h Handler) (Subscription, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.link == nil {
		m.mu.Unlock()
		return Subscription{}, errs.ErrNotConnected.WrapMsg("subscribe", "destination", destination)
	}
	l := m.link
	sub, b, first := m.reg.Add(destination, h)
	m.mu.Unlock()

	if first {
		if err := l.write(stompx.Subscribe(b.SubID, destination)); err != nil {
			m.reg.Remove(sub.ID)
			m.onDrop(l, err)
			return Subscription{}, errs.ErrNotConnected.WrapMsg("subscribe failed", "destination", destination, "err", err)
		}
	}
	m.log.Debug("subscribed", zap.String("destination", destination), zap.String("handle", sub.ID), zap.Bool("shared", !first))
	return sub, nil
}

// Unsubscribe removes exactly that handle; unknown handles are ignored.
func (m *ConnManager) Unsubscribe(sub Subscription) error {
	b, last, ok := m.reg.Remove(sub.ID)
	if !ok || !last {
		return nil
	}
	if l := m.liveLink(); l != nil {
		if err := l.write(stompx.Unsubscribe(b.SubID)); err != nil {
			m.onDrop(l, err)
			return errs.Wrap(err)
		}
	}
	return nil
}

func (m *ConnManager) liveLink() *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.link
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// ===== 握手 =====

func (m *ConnManager) handshake(ctx context.Context, token string) (*link, error) {
	if token == "" {
		return nil, errs.ErrUnauthorized.WrapMsg("empty token")
	}
	hctx, cancel := context.WithTimeout(ctx, m.conf.HandshakeTimeout)
	defer cancel()

	u, err := withToken(m.conf.URL, token)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	t, err := m.conf.Dialer.Dial(hctx, u, hdr)
	if err != nil {
		return nil, err
	}

	local := stompx.HeartBeat{Send: m.conf.Heartbeat, Recv: m.conf.Heartbeat}
	raw, err := stompx.Encode(stompx.Connect(m.host(), token, local))
	if err == nil {
		err = t.WriteMessage(raw)
	}
	if err != nil {
		_ = t.Close()
		return nil, errs.WrapMsg(err, "write CONNECT")
	}

	type result struct {
		f   *frame.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			msg, err := t.ReadMessage()
			if err != nil {
				ch <- result{err: err}
				return
			}
			f, err := stompx.Decode(msg)
			if err != nil || f != nil {
				ch <- result{f: f, err: err}
				return
			}
		}
	}()

	var res result
	select {
	case res = <-ch:
	case <-hctx.Done():
		_ = t.Close()
		return nil, errs.ErrTimeout.WrapMsg("waiting for CONNECTED", "err", hctx.Err())
	}
	if res.err != nil {
		_ = t.Close()
		return nil, errs.WrapMsg(res.err, "read CONNECTED")
	}
	switch res.f.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		_ = t.Close()
		return nil, errs.ErrUnauthorized.WrapMsg(res.f.Header.Get(stompx.HdrMessage))
	default:
		_ = t.Close()
		return nil, errs.ErrConnection.WrapMsg("unexpected frame", "command", res.f.Command)
	}

	remote, err := stompx.ParseHeartBeat(res.f.Header.Get(stompx.HdrHeartBeat))
	if err != nil {
		m.log.Warn("bad heart-beat header, heartbeats disabled", zap.Error(err))
		remote = stompx.HeartBeat{}
	}
	out, in := stompx.Negotiate(local, remote)
	return newLink(t, out, in), nil
}

func (m *ConnManager) host() string {
	if m.conf.Host != "" {
		return m.conf.Host
	}
	if u, err := url.Parse(m.conf.URL); err == nil {
		return u.Hostname()
	}
	return "/"
}

// ===== 读循环 / 心跳 =====

func (m *ConnManager) readLoop(l *link) {
	for {
		msg, err := l.t.ReadMessage()
		if err != nil {
			m.onDrop(l, err)
			return
		}
		l.touchRead()

		f, err := stompx.Decode(msg)
		if err != nil {
			perr := errs.ErrMessageParse.WrapMsg(err.Error())
			m.log.Warn("undecodable frame", zap.ByteString("sample", truncate(msg, 256)), zap.Error(err))
			m.emit(ErrorEvent{Kind: KindParse, Err: perr})
			continue
		}
		if f == nil {
			continue // heart-beat
		}

		switch f.Command {
		case frame.MESSAGE:
			fr := Frame{
				Destination:  f.Header.Get(stompx.HdrDestination),
				Subscription: f.Header.Get(stompx.HdrSubscription),
				MessageID:    f.Header.Get(stompx.HdrMessageID),
				Headers:      stompx.Headers(f),
				Body:         f.Body,
			}
			if fr.Subscription == errorsSubID {
				m.onRejected(fr)
				continue
			}
			m.emit(FrameEvent{Frame: fr})
			m.reg.Dispatch(fr)
		case frame.ERROR:
			m.log.Warn("server error frame", zap.String("message", f.Header.Get(stompx.HdrMessage)), zap.ByteString("body", truncate(f.Body, 256)))
			m.onDrop(l, errs.ErrTransientDisconnect.WrapMsg("server error frame", "message", f.Header.Get(stompx.HdrMessage)))
			return
		case frame.RECEIPT:
			m.log.Debug("receipt", zap.String("id", f.Header.Get(stompx.HdrReceiptID)))
		default:
			m.log.Debug("ignored frame", zap.String("command", f.Command))
		}
	}
}

// onRejected surfaces a refused SEND; state and subscriptions stay as they are.
func (m *ConnManager) onRejected(fr Frame) {
	var r stompx.Rejection
	if err := json.Unmarshal(fr.Body, &r); err != nil || r.Code == 0 {
		m.log.Warn("undecodable rejection", zap.ByteString("body", truncate(fr.Body, 256)), zap.Error(err))
		m.emit(ErrorEvent{Kind: KindParse, Err: errs.ErrMessageParse.WrapMsg("rejection", "body", string(truncate(fr.Body, 256)))})
		return
	}
	rerr := errs.NewCodeError(r.Code, r.Msg).WrapMsg("rejected by server",
		"destination", r.Destination, "receipt", fr.Headers[stompx.HdrReceiptID])
	m.log.Info("send rejected", zap.String("destination", r.Destination), zap.Int("code", r.Code), zap.String("msg", r.Msg))
	m.emit(ErrorEvent{Kind: KindRejected, Err: rerr})
}

func (m *ConnManager) heartbeatLoop(l *link) {
	period := l.out
	if l.in > 0 && (period == 0 || l.in/2 < period) {
		period = l.in / 2
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-l.closed:
			return
		case now := <-ticker.C:
			if l.out > 0 && now.Sub(l.lastWriteAt()) >= period {
				if err := l.write(nil); err != nil {
					m.onDrop(l, err)
					return
				}
			}
			if l.in > 0 && now.Sub(l.lastReadAt()) > 2*l.in {
				m.log.Warn("heartbeat lost", zap.Duration("silence", now.Sub(l.lastReadAt())))
				m.onDrop(l, errs.ErrHeartbeatLost.Wrap())
				return
			}
		}
	}
}

// ===== 掉线与重连 =====

// onDrop handles the first failure reported for the live link; later reports for
// the same link, or for a link Disconnect already retired, are ignored.
// The drop events go out from the reconnect goroutine, never from the caller:
// Send and Subscribe callers may be the very loop a listener feeds.
func (m *ConnManager) onDrop(l *link, cause error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		l.close()
		return
	}
	m.link = nil
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRetry = cancel
	m.mu.Unlock()

	l.close()
	derr := errs.ErrTransientDisconnect.WrapMsg("connection lost", "cause", cause)
	m.log.Warn("connection lost, reconnecting", zap.Error(cause))
	safe.Go("realtime.reconnect", func() {
		m.emit(Disconnected{Err: derr})
		m.emit(ErrorEvent{Kind: KindTransient, Err: derr})
		m.reconnect(ctx, gen)
	})
}

func (m *ConnManager) reconnect(ctx context.Context, gen uint64) {
	for n := 1; n <= m.conf.MaxAttempts; n++ {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.attempt = n
		m.mu.Unlock()

		delay := m.conf.BaseDelay * time.Duration(n)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		token, err := m.freshToken(ctx)
		if err != nil || token == "" {
			m.log.Warn("no fresh token, skipping reconnect attempt", zap.Int("attempt", n), zap.Error(err))
			continue
		}
		l, err := m.handshake(ctx, token)
		if err != nil {
			m.log.Warn("reconnect attempt failed", zap.Int("attempt", n), zap.Duration("after", delay), zap.Error(err))
			continue
		}
		if ctx.Err() != nil || !m.install(l, gen, token) {
			l.close()
			return
		}
		m.log.Info("reconnected", zap.Int("attempt", n))
		m.emit(Connected{Reconnect: true, Attempt: n})
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.attempt = 0
	m.cancelRetry = nil
	m.mu.Unlock()

	ferr := errs.ErrFatalDisconnect.WrapMsg("giving up", "attempts", m.conf.MaxAttempts)
	m.log.Error("reconnect attempts exhausted", zap.Int("attempts", m.conf.MaxAttempts))
	m.emit(Disconnected{Terminal: true, Err: ferr})
	m.emit(ErrorEvent{Kind: KindFatal, Err: ferr})
}

func (m *ConnManager) freshToken(ctx context.Context) (string, error) {
	if m.conf.GetToken == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.token, nil
	}
	return m.conf.GetToken(ctx)
}

// ===== link =====

// link is one installed transport with its negotiated heart-beat.
type link struct {
	t       Transport
	out, in time.Duration

	wmu       sync.Mutex
	lastRead  atomic.Int64
	lastWrite atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newLink(t Transport, out, in time.Duration) *link {
	l := &link{t: t, out: out, in: in, closed: make(chan struct{})}
	now := time.Now().UnixNano()
	l.lastRead.Store(now)
	l.lastWrite.Store(now)
	return l
}

// write serializes frame writes; nil sends a heart-beat.
func (l *link) write(f *frame.Frame) error {
	raw, err := stompx.Encode(f)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	select {
	case <-l.closed:
		return errs.ErrNotConnected.WrapMsg("link closed")
	default:
	}
	if err := l.t.WriteMessage(raw); err != nil {
		return err
	}
	l.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (l *link) touchRead()             { l.lastRead.Store(time.Now().UnixNano()) }
func (l *link) lastReadAt() time.Time  { return time.Unix(0, l.lastRead.Load()) }
func (l *link) lastWriteAt() time.Time { return time.Unix(0, l.lastWrite.Load()) }

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.t.Close()
	})
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
