package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// DefaultTTL is how long an unused session lives.
const DefaultTTL = 30 * time.Minute

// Manager owns all live sessions and expires idle ones.
type Manager struct {
	deps Deps
	ttl  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager returns a manager whose sessions share deps. A ttl <= 0
// uses DefaultTTL.
func NewManager(deps Deps, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{deps: deps, ttl: ttl, sessions: make(map[string]*Session)}
}

// Create starts a new idle session.
func (m *Manager) Create() (*Session, error) {
	s := New(ksuid.New().String(), m.deps)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.sessions[s.ID()] = s
	slog.Debug("Session created", "session", s.ID(), "sessions", len(m.sessions))
	return s, nil
}

// Get returns the session with id and marks it active.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.Touch()
	return s, nil
}

// Delete closes and forgets the session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.Close()
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes sessions idle since before now-ttl and returns how many
// were removed. Sessions with a live subscriber are never idle.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.ttl)
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) && !s.Watched() {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		slog.Info("Expired idle sessions", "count", len(expired), "ttl", m.ttl)
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close closes every session; later Create calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
