package chat

import (
	"sync"
	"time"

	"SupportChat/logger"
	"SupportChat/tools/errs"

	"go.uber.org/zap"
)

// ===== 配置 =====

type ManagerConf struct {
	ConnectTTL  time.Duration    // 握手后等待 STOMP CONNECT 的时间（如 10s）
	IdleTTL     time.Duration    // 未协商心跳时的空闲超时（如 120s）
	SweepEvery  time.Duration    // 清理周期（如 5s）
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制）
	EvictOldest bool             // 超限时是否淘汰最老连接（否则 Add 直接报错）
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Second
	}
	if c.ConnectTTL <= 0 {
		c.ConnectTTL = 10 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 120 * time.Second
	}
}

type entry struct {
	s         *Session
	createdAt time.Time
	ttl       time.Duration // 当前 TTL（CONNECT 前后不同）
	expireAt  time.Time     // 到期时间（过期由 sweeper 清理）
}

// ConnManager indexes live sessions by session id and by user.
type ConnManager struct {
	mu     sync.RWMutex
	bySnow map[string]*entry            // 主索引：session id -> entry
	byUser map[string]map[string]*entry // 辅助索引：userID -> (session id -> entry)

	conf     ManagerConf
	stopOnce sync.Once
	stopCh   chan struct{}
	gwID     string // 节点ID
	log      *zap.Logger
}

func NewConnManager(gwID string, conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySnow: make(map[string]*entry),
		byUser: make(map[string]map[string]*entry),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
		log:    logger.Named("gateway.conns"),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) GwID() string { return m.gwID }

// Add registers a freshly upgraded session; it has ConnectTTL to send CONNECT.
// When the user is at MaxPerUser the oldest session is evicted, or the add
// fails if eviction is off.
func (m *ConnManager) Add(s *Session) error {
	if s == nil || s.ID == "" {
		return errs.ErrBadRequest.WrapMsg("session id empty")
	}
	now := m.conf.Clock()
	user := s.User.UserID

	m.mu.Lock()
	if _, exists := m.bySnow[s.ID]; exists {
		m.mu.Unlock()
		return errs.ErrBadRequest.WrapMsg("session exists", "id", s.ID)
	}
	evicted, err := m.ensureRoomForUserLocked(user)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e := &entry{s: s, createdAt: now, ttl: m.conf.ConnectTTL, expireAt: now.Add(m.conf.ConnectTTL)}
	m.bySnow[s.ID] = e
	if m.byUser[user] == nil {
		m.byUser[user] = make(map[string]*entry)
	}
	m.byUser[user][s.ID] = e
	m.mu.Unlock()

	// 持锁期间不关 socket
	if evicted != nil {
		m.log.Info("evict oldest session", zap.String("user", user), zap.String("session", evicted.ID))
		evicted.Close("too many connections")
	}
	return nil
}

// Connected switches a session to its negotiated liveness window. in is the
// heart-beat interval we expect from the client, 0 when none was agreed.
func (m *ConnManager) Connected(id string, in time.Duration) {
	ttl := m.conf.IdleTTL
	if in > 0 {
		// 容忍两次心跳丢失
		ttl = 3 * in
	}
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.bySnow[id]; ok {
		e.ttl = ttl
		e.expireAt = now.Add(ttl)
	}
}

// Heartbeat : 任意入站帧（含心跳 EOL）都续期
func (m *ConnManager) Heartbeat(id string) {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.bySnow[id]; ok {
		e.expireAt = now.Add(e.ttl)
	}
}

// TTL is the current liveness window of a session, 0 if unknown.
func (m *ConnManager) TTL(id string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.bySnow[id]; ok {
		return e.ttl
	}
	return 0
}

// Remove forgets a session; it does not close it.
func (m *ConnManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *ConnManager) removeLocked(id string) *entry {
	e, ok := m.bySnow[id]
	if !ok {
		return nil
	}
	delete(m.bySnow, id)
	user := e.s.User.UserID
	if mm := m.byUser[user]; mm != nil {
		delete(mm, id)
		if len(mm) == 0 {
			delete(m.byUser, user)
		}
	}
	return e
}

func (m *ConnManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bySnow[id]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// UserSessions lists every live session of user.
func (m *ConnManager) UserSessions(user string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byUser[user]))
	for _, e := range m.byUser[user] {
		out = append(out, e.s)
	}
	return out
}

func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySnow)
}

// Stop ends the sweeper and closes every session.
func (m *ConnManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	all := make([]*Session, 0, len(m.bySnow))
	for _, e := range m.bySnow {
		all = append(all, e.s)
	}
	m.bySnow = make(map[string]*entry)
	m.byUser = make(map[string]map[string]*entry)
	m.mu.Unlock()

	for _, s := range all {
		s.Close("server shutting down")
	}
}

// ===== 清理协程 =====

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.conf.Clock())
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*Session

	m.mu.Lock()
	for id, e := range m.bySnow {
		if now.After(e.expireAt) {
			// 收集后统一关闭，避免持锁期间关闭 socket
			expired = append(expired, e.s)
			m.removeLocked(id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.log.Info("session expired", zap.String("session", s.ID), zap.String("user", s.User.UserID))
		s.Close("heartbeat timeout")
	}
	return len(expired)
}

// ===== 最大连接数/挤下线 =====

// 需要在持锁状态下调用（*_Locked）
func (m *ConnManager) ensureRoomForUserLocked(user string) (*Session, error) {
	if m.conf.MaxPerUser <= 0 {
		return nil, nil
	}
	mm := m.byUser[user]
	if len(mm) < m.conf.MaxPerUser {
		return nil, nil
	}
	if !m.conf.EvictOldest {
		return nil, errs.ErrForbidden.WrapMsg("too many connections", "user", user)
	}

	// 选择最老的一条淘汰（createdAt 更早）
	var oldest *entry
	for _, e := range mm {
		if oldest == nil || e.createdAt.Before(oldest.createdAt) {
			oldest = e
		}
	}
	m.removeLocked(oldest.s.ID)
	return oldest.s, nil
}
