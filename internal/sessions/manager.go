package sessions

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics counts sessions by status.
type Statistics struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Idle        int `json:"idle"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Subscribers int `json:"subscribers"`
}

// Archiver receives the final snapshot of every removed session.
type Archiver interface {
	Save(info Info) error
}

// Manager owns the live sessions of the process, one per conversation.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	archive  Archiver

	sendTimeout atomic.Int64
}

// NewManager creates a Manager. archive may be nil.
func NewManager(archive Archiver) *Manager {
	m := &Manager{sessions: make(map[string]*Session), archive: archive}
	m.sendTimeout.Store(int64(DefaultSendTimeout))
	return m
}

// SetSendTimeout applies to existing and future sessions.
func (m *Manager) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.sendTimeout.Store(int64(d))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.SetSendTimeout(d)
	}
}

// Create registers a new session for a conversation. A session that cannot
// close yet yields ErrSessionActive; a closable one is replaced.
func (m *Manager) Create(conversationID, mainTaskID, agentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[conversationID]; ok {
		if !old.CanClose() {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrSessionActive)
		}
		old.TryCloseStream()
		m.archiveLocked(old)
	}

	s := NewSession(conversationID, mainTaskID, agentID)
	s.SetSendTimeout(time.Duration(m.sendTimeout.Load()))
	m.sessions[conversationID] = s
	slog.Info("session created", "conversation_id", conversationID, "main_task_id", mainTaskID, "agent_id", agentID)
	return s, nil
}

// Get returns the session of a conversation.
func (m *Manager) Get(conversationID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrSessionNotFound)
	}
	return s, nil
}

// HasActive reports whether the conversation has a session that cannot close.
func (m *Manager) HasActive(conversationID string) bool {
	s, err := m.Get(conversationID)
	return err == nil && !s.CanClose()
}

// Remove closes and forgets a session. It reports whether one existed.
func (m *Manager) Remove(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	if !ok {
		return false
	}
	s.TryCloseStream()
	m.archiveLocked(s)
	delete(m.sessions, conversationID)
	slog.Info("session removed", "conversation_id", conversationID)
	return true
}

// List returns snapshots ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CleanupCompleted removes every closable session and returns their IDs.
func (m *Manager) CleanupCompleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, s := range m.sessions {
		if !s.CanClose() {
			continue
		}
		s.TryCloseStream()
		m.archiveLocked(s)
		delete(m.sessions, id)
		removed = append(removed, id)
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		slog.Info("sessions cleaned up", "count", len(removed))
	}
	return removed
}

// Statistics counts the live sessions.
func (m *Manager) Statistics() Statistics {
	var st Statistics
	for _, info := range m.List() {
		st.Total++
		st.Subscribers += info.SubscriberCount
		switch info.Status {
		case StatusActive:
			st.Active++
		case StatusIdle:
			st.Idle++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

func (m *Manager) archiveLocked(s *Session) {
	if m.archive == nil {
		return
	}
	if err := m.archive.Save(s.Info()); err != nil {
		slog.Warn("archive session", "conversation_id", s.ID(), "error", err)
	}
}
