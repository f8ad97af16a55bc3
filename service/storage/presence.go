// Package storage keeps the gateway's shared short-lived state: who is in
// which room, and which relayed messages were already seen.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Presence tracks which users are attached to a room. One user may be there
// through several connections; they count once.
type Presence interface {
	// Join records connID of userID in roomID, renewing its TTL. It reports
	// whether the user was not present before.
	Join(ctx context.Context, roomID, userID, connID string) (bool, error)
	Leave(ctx context.Context, roomID, userID, connID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
}

type MemPresence struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time
	rooms map[string]map[string]time.Time // roomID -> member -> expireAt
}

func NewMemPresence(ttl time.Duration, clock func() time.Time) *MemPresence {
	if clock == nil {
		clock = time.Now
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &MemPresence{ttl: ttl, clock: clock, rooms: map[string]map[string]time.Time{}}
}

func (p *MemPresence) Join(_ context.Context, roomID, userID, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	m := p.sweepLocked(roomID, now)
	if m == nil {
		m = map[string]time.Time{}
		p.rooms[roomID] = m
	}
	first := !hasUser(keysOf(m), userID)
	m[member(userID, connID)] = now.Add(p.ttl)
	return first, nil
}

func (p *MemPresence) Leave(_ context.Context, roomID, userID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m := p.rooms[roomID]; m != nil {
		delete(m, member(userID, connID))
		if len(m) == 0 {
			delete(p.rooms, roomID)
		}
	}
	return nil
}

func (p *MemPresence) Members(_ context.Context, roomID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.sweepLocked(roomID, p.clock())
	return usersOf(keysOf(m)), nil
}

func (p *MemPresence) sweepLocked(roomID string, now time.Time) map[string]time.Time {
	m := p.rooms[roomID]
	for k, exp := range m {
		if !now.Before(exp) {
			delete(m, k)
		}
	}
	return m
}

// ===== member encoding =====

const memberSep = "|"

func member(userID, connID string) string { return userID + memberSep + connID }

func userOf(m string) string {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i:i+1] == memberSep {
			return m[:i]
		}
	}
	return m
}

func keysOf(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func usersOf(members []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(members))
	for _, m := range members {
		u := userOf(m)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func hasUser(members []string, userID string) bool {
	for _, m := range members {
		if userOf(m) == userID {
			return true
		}
	}
	return false
}
