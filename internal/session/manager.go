// Package session keeps one monitoring session per student. A session owns
// the student's vision context and serializes that student's events; events
// from different students run in parallel.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/vision"
)

// Session is one student's live monitoring state.
type Session struct {
	mu         sync.Mutex
	user       string
	vision     *vision.Context
	startedAt  time.Time
	lastActive time.Time
	frames     uint64
}

// Info is a read-only view of a session.
type Info struct {
	User       string    `json:"username"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	Frames     uint64    `json:"frames"`
}

// Vision returns the session's vision context. Only use it inside Do.
func (s *Session) Vision() *vision.Context {
	return s.vision
}

// CountFrame increments the analyzed frame counter. Only call it inside Do.
func (s *Session) CountFrame() {
	s.frames++
}

// Manager is the session registry.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (m *Manager) get(user string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[user]
	if !ok {
		now := m.now()
		s = &Session{user: user, vision: vision.NewContext(), startedAt: now, lastActive: now}
		m.sessions[user] = s
		logger.Info("Session", "Session started for %s (active: %d)", user, len(m.sessions))
	}
	return s
}

// Do runs fn with exclusive access to user's session, creating it if
// needed. Calls for the same user are serialized.
func (m *Manager) Do(user string, fn func(s *Session)) {
	for {
		s := m.get(user)
		s.mu.Lock()
		// The session may have been ended or swept while we waited.
		m.mu.Lock()
		current := m.sessions[user] == s
		m.mu.Unlock()
		if !current {
			s.mu.Unlock()
			continue
		}
		s.lastActive = m.now()
		fn(s)
		s.mu.Unlock()
		return
	}
}

// End destroys user's session and its vision context.
func (m *Manager) End(user string) bool {
	m.mu.Lock()
	s, ok := m.sessions[user]
	if ok {
		delete(m.sessions, user)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.vision.Reset()
	s.mu.Unlock()
	logger.Info("Session", "Session ended for %s (active: %d)", user, remaining)
	return true
}

// Sweep ends sessions idle for longer than ttl and returns their users.
// Sessions busy with an event are skipped.
func (m *Manager) Sweep(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for user, s := range m.sessions {
		if !s.mu.TryLock() {
			continue
		}
		if now.Sub(s.lastActive) > ttl {
			delete(m.sessions, user)
			s.vision.Reset()
			evicted = append(evicted, user)
		}
		s.mu.Unlock()
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		logger.Info("Session", "Evicted %d idle sessions (active: %d)", len(evicted), len(m.sessions))
	}
	return evicted
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns every live session, busy ones with their last known state.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, Info{User: s.user, StartedAt: s.startedAt, LastActive: s.lastActive, Frames: s.frames})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}
