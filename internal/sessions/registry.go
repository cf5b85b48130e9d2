package sessions

import (
	"context"
	"fmt"
	"sync"

	"github.com/dohr-michael/agentoz/internal/stream"
)

// Registry routes a task, however deep in a delegation chain, to the session
// of its root task.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // taskID -> root session
	roots    map[string]string   // taskID -> root taskID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		roots:    make(map[string]string),
	}
}

// RegisterRoot maps a root task to its session.
func (r *Registry) RegisterRoot(taskID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[taskID] = s
	r.roots[taskID] = taskID
}

// RegisterChild maps a child to the root session of its parent.
func (r *Registry) RegisterChild(parentTaskID, childTaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[parentTaskID]
	if !ok {
		return fmt.Errorf("parent task %s: %w", parentTaskID, ErrSessionNotFound)
	}
	r.sessions[childTaskID] = s
	r.roots[childTaskID] = r.roots[parentTaskID]
	return nil
}

// Lookup returns the root session of a task.
func (r *Registry) Lookup(taskID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[taskID]
	return s, ok
}

// RootOf returns the root task ID of a task, or "" if unknown.
func (r *Registry) RootOf(taskID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roots[taskID]
}

// SendEvent delivers e to the root session of taskID.
func (r *Registry) SendEvent(ctx context.Context, taskID string, e stream.Event) error {
	s, ok := r.Lookup(taskID)
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrSessionNotFound)
	}
	s.SendEvent(ctx, e)
	return nil
}

// Unregister forgets a task.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, taskID)
	delete(r.roots, taskID)
}

// Size is the number of routed tasks.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
