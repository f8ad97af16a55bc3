package realtime

import (
	"sync"

	"SupportChat/tools/safe"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler func(Frame)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID          string
	Destination string
}

// Binding is one transport-level subscription: a destination and the STOMP id it uses.
type Binding struct {
	Destination string
	SubID       string
}

type handlerEntry struct {
	id string
	h  Handler
}

type destEntry struct {
	subID    string
	handlers []handlerEntry // 注册顺序
}

// Registry multiplexes one transport subscription per destination into any
// number of local handles.
type Registry struct {
	mu       sync.RWMutex
	byDest   map[string]*destEntry
	bySubID  map[string]string // STOMP sub id -> destination
	byHandle map[string]string // handle id -> destination
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byDest:   make(map[string]*destEntry),
		bySubID:  make(map[string]string),
		byHandle: make(map[string]string),
		log:      log,
	}
}

// Add registers h; first reports whether the destination had no handle before,
// i.e. the caller must SUBSCRIBE on the transport.
func (r *Registry) Add(destination string, h Handler) (sub Subscription, b Binding, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byDest[destination]
	if !ok {
		e = &destEntry{subID: "sub-" + uuid.NewString()}
		r.byDest[destination] = e
		r.bySubID[e.subID] = destination
		first = true
	}
	id := uuid.NewString()
	e.handlers = append(e.handlers, handlerEntry{id: id, h: h})
	r.byHandle[id] = destination
	return Subscription{ID: id, Destination: destination}, Binding{Destination: destination, SubID: e.subID}, first
}

// Remove drops exactly one handle; last reports the destination is now unused.
func (r *Registry) Remove(handleID string) (b Binding, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dest, ok := r.byHandle[handleID]
	if !ok {
		return Binding{}, false, false
	}
	delete(r.byHandle, handleID)
	e := r.byDest[dest]
	for i, he := range e.handlers {
		if he.id == handleID {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			break
		}
	}
	b = Binding{Destination: dest, SubID: e.subID}
	if len(e.handlers) == 0 {
		delete(r.byDest, dest)
		delete(r.bySubID, e.subID)
		last = true
	}
	return b, last, true
}

// Bindings lists live transport subscriptions, used to resubscribe after a reconnect.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.byDest))
	for dest, e := range r.byDest {
		out = append(out, Binding{Destination: dest, SubID: e.subID})
	}
	return out
}

// Drain removes everything and returns what was bound.
func (r *Registry) Drain() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, 0, len(r.byDest))
	for dest, e := range r.byDest {
		out = append(out, Binding{Destination: dest, SubID: e.subID})
	}
	r.byDest = make(map[string]*destEntry)
	r.bySubID = make(map[string]string)
	r.byHandle = make(map[string]string)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// Dispatch delivers f to every handle of its destination and returns how many ran.
// A panicking handler is logged and does not stop the others.
func (r *Registry) Dispatch(f Frame) int {
	r.mu.RLock()
	dest, ok := r.bySubID[f.Subscription]
	if !ok {
		dest = f.Destination
	}
	var hs []handlerEntry
	if e, ok := r.byDest[dest]; ok {
		hs = append(hs, e.handlers...)
	}
	r.mu.RUnlock()

	if len(hs) == 0 {
		r.log.Debug("frame without subscriber", zap.String("destination", f.Destination), zap.String("subscription", f.Subscription))
		return 0
	}
	for _, he := range hs {
		if err := safe.Call(func() { he.h(f) }); err != nil {
			r.log.Error("subscription handler panicked", zap.String("destination", dest), zap.String("handle", he.id), zap.Error(err))
		}
	}
	return len(hs)
}
