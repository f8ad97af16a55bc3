package chat

import (
	"sync"

	"SupportChat/service/stompx"
	"SupportChat/tools/errs"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/golang/glog"
)

// RouteError means no handler serves the destination, a protocol fault as
// opposed to a handler refusing the request.
type RouteError struct {
	Destination string
	Err         error
}

func (e *RouteError) Error() string { return e.Err.Error() }
func (e *RouteError) Unwrap() error { return e.Err }

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[h.Destination()] = h
}

func (d *Dispatcher) Dispatch(ctx *ChatContext, f *frame.Frame, s *Session) error {
	dest := f.Header.Get(stompx.HdrDestination)
	h := d.GetHandler(dest)
	if h == nil {
		return &RouteError{Destination: dest, Err: errs.ErrNotFound.WrapMsg("no handler", "destination", dest)}
	}
	return h.Handle(ctx, f, s)
}

func (d *Dispatcher) GetHandler(dest string) Handler {
	d.mu.RLock()
	h, ok := d.handlers[dest]
	d.mu.RUnlock()
	if !ok {
		glog.Infof("no handler for destination=%s", dest)
		return nil
	}
	return h
}
