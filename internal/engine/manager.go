package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexichat/internal/logger"
)

const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	closeTimeout         = 10 * time.Second
)

// Manager owns the engine session of every live browser session.
type Manager struct {
	deps Deps
	ttl  time.Duration
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(deps Deps, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	deps.Log = logger.OrNop(deps.Log)
	return &Manager{
		deps:     deps,
		ttl:      idleTTL,
		log:      deps.Log,
		now:      time.Now,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Ensure returns the session for id, creating it on first use, and marks it as seen.
func (m *Manager) Ensure(ctx context.Context, id string) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		s.touch(m.now())
		return s
	}
	m.mu.Unlock()

	// the initial list load happens outside the manager lock
	created := newSession(ctx, id, m.deps)

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		// the namespace belongs to the winner
		created.shutdown()
		s.touch(m.now())
		return s
	}
	m.sessions[id] = created
	m.mu.Unlock()
	created.touch(m.now())
	m.log.Debug("browser session started", zap.String("browser_session", id))
	return created
}

// Get returns the session for id without creating it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// End closes the browser session and purges its anonymous data.
func (m *Manager) End(ctx context.Context, id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.close(ctx)
	return true
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartSweeper closes sessions idle for longer than the TTL until ctx is done or Stop is called.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	m.wg.Add(1)
	go m.sweepLoop(ctx, interval)
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Info("expired idle browser sessions", zap.Int("count", n))
			}
		}
	}
}

// Sweep closes every session idle for longer than the TTL and reports how many it closed.
// The anonymous keys of the remaining sessions are kept alive.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)
	var expired, live []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
			continue
		}
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		s.close(ctx)
		cancel()
	}
	for _, s := range live {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		s.keepAlive(ctx)
		cancel()
	}
	return len(expired)
}

// Stop halts the sweeper and closes every session.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.close(ctx)
	}
}
