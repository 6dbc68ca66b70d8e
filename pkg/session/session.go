// Package session tracks per-conversation state between hook invocations:
// the rolling turn history and the round counter that decides when
// reflection fires. State lives only in memory and is bounded two ways —
// idle sessions expire after a TTL, and the table never grows past its
// configured capacity (oldest session evicted first).
package session

import (
	"sync"
	"time"

	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
	"github.com/liliang-cn/livingmemory/pkg/memory"
)

// State is one session's mutable record. The manager owns the stored value;
// callers only ever see copies.
type State struct {
	History     []memory.Turn
	RoundCount  int
	LastTouched time.Time
}

// Manager is a TTL- and capacity-bounded session table, safe for concurrent
// use. All bookkeeping happens under one mutex; every operation is O(n) at
// worst over the live session count, which the capacity keeps small.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
	max      int
	ttl      time.Duration
	logger   core.Logger
}

// NewManager builds a session table from the configured bounds. Out-of-range
// values fall back to the defaults rather than failing: session loss is
// annoying but never fatal.
func NewManager(cfg config.SessionManagerConfig, logger core.Logger) *Manager {
	if logger == nil {
		logger = core.NopLogger()
	}
	max := cfg.MaxSessions
	if max <= 0 {
		max = 1000
	}
	ttl := time.Duration(cfg.SessionTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		sessions: make(map[string]*State),
		max:      max,
		ttl:      ttl,
		logger:   logger,
	}
}

// Touch refreshes the session's TTL, creating it on first contact. Expired
// sessions are swept first; if the table is still full, the session idle the
// longest is evicted to make room.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.sweepExpiredLocked(now)

	if s, ok := m.sessions[id]; ok {
		s.LastTouched = now
		return
	}

	for len(m.sessions) >= m.max {
		m.evictOldestLocked()
	}
	m.sessions[id] = &State{LastTouched: now}
}

// Append adds a turn to an existing session's history. It reports false when
// the session is unknown (never created, expired or evicted); callers decide
// whether that is worth a Touch.
func (m *Manager) Append(id string, turn memory.Turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.History = append(s.History, turn)
	s.LastTouched = time.Now()
	return true
}

// CompleteRound appends the assistant's turn and advances the round counter,
// returning the new count. One round = one user/assistant exchange, so only
// the assistant side increments.
func (m *Manager) CompleteRound(id string, turn memory.Turn) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, false
	}
	s.History = append(s.History, turn)
	s.RoundCount++
	s.LastTouched = time.Now()
	return s.RoundCount, true
}

// Snapshot returns a copy of the session's history, or nil for an unknown
// session.
func (m *Manager) Snapshot(id string) []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || len(s.History) == 0 {
		return nil
	}
	return append([]memory.Turn(nil), s.History...)
}

// SnapshotAndReset atomically captures the history and clears the session's
// history and round counter, keeping the slot alive. This is the hand-off
// point to a reflection pass: the snapshot belongs to the caller, and turns
// arriving afterwards accumulate toward the next trigger.
func (m *Manager) SnapshotAndReset(id string) []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	history := s.History
	s.History = nil
	s.RoundCount = 0
	s.LastTouched = time.Now()
	return history
}

// Reset clears one session's history and counter but keeps the slot.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.History = nil
		s.RoundCount = 0
		s.LastTouched = time.Now()
	}
}

// ResetAll drops every session.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*State)
}

// RoundCount returns the session's current round counter, 0 when unknown.
func (m *Manager) RoundCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s.RoundCount
	}
	return 0
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweepExpiredLocked(now time.Time) {
	for id, s := range m.sessions {
		if now.Sub(s.LastTouched) > m.ttl {
			delete(m.sessions, id)
			m.logger.Debug("session expired", "session_id", id)
		}
	}
}

func (m *Manager) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	first := true
	for id, s := range m.sessions {
		if first || s.LastTouched.Before(oldest) {
			oldestID, oldest, first = id, s.LastTouched, false
		}
	}
	if first {
		return
	}
	delete(m.sessions, oldestID)
	m.logger.Debug("session evicted at capacity", "session_id", oldestID)
}
