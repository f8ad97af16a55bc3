package chat

import (
	"sync"

	"SupportChat/service/stompx"
	"SupportChat/tools/errs"
)

type subKey struct {
	session string
	sub     string
}

type subscriber struct {
	s   *Session
	sub string
}

// Broker maps destinations to the local subscriptions on them.
type Broker struct {
	mu     sync.RWMutex
	byDest map[string]map[subKey]subscriber // destination -> (session, sub id)
	bySess map[string]map[string]string     // session id -> sub id -> destination
}

func NewBroker() *Broker {
	return &Broker{
		byDest: make(map[string]map[subKey]subscriber),
		bySess: make(map[string]map[string]string),
	}
}

// Subscribe registers subID of s on dest. A sub id may be used once per session.
func (b *Broker) Subscribe(dest string, s *Session, subID string) error {
	if dest == "" || subID == "" {
		return errs.ErrBadRequest.WrapMsg("subscribe needs id and destination")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.bySess[s.ID]
	if subs == nil {
		subs = make(map[string]string)
		b.bySess[s.ID] = subs
	}
	if _, dup := subs[subID]; dup {
		return errs.ErrBadRequest.WrapMsg("duplicate subscription id", "id", subID)
	}
	subs[subID] = dest

	m := b.byDest[dest]
	if m == nil {
		m = make(map[subKey]subscriber)
		b.byDest[dest] = m
	}
	m[subKey{s.ID, subID}] = subscriber{s: s, sub: subID}
	return nil
}

func (b *Broker) Unsubscribe(s *Session, subID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(s.ID, subID)
}

// Drop removes every subscription s holds.
func (b *Broker) Drop(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subID := range b.bySess[s.ID] {
		b.removeLocked(s.ID, subID)
	}
	delete(b.bySess, s.ID)
}

func (b *Broker) removeLocked(sessionID, subID string) bool {
	subs := b.bySess[sessionID]
	dest, ok := subs[subID]
	if !ok {
		return false
	}
	delete(subs, subID)
	if m := b.byDest[dest]; m != nil {
		delete(m, subKey{sessionID, subID})
		if len(m) == 0 {
			delete(b.byDest, dest)
		}
	}
	return true
}

// Deliver sends body to every local subscriber of dest and returns how many
// sessions took it. A subscriber whose buffer is full is dropped by its session.
func (b *Broker) Deliver(dest string, body []byte, msgID string) int {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.byDest[dest]))
	for _, x := range b.byDest[dest] {
		targets = append(targets, x)
	}
	b.mu.RUnlock()

	n := 0
	for _, x := range targets {
		if x.s.enqueue(stompx.Message(dest, x.sub, msgID, body), false) {
			n++
		}
	}
	return n
}

func (b *Broker) Subscribers(dest string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byDest[dest])
}
