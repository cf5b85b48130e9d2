package tasks

import (
	"errors"
	"log/slog"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrTerminal is returned when changing the status of a finished task.
	ErrTerminal = errors.New("task already in a terminal state")
)

// ListFilter defines criteria for filtering task lists. Empty fields match all.
type ListFilter struct {
	Status         TaskStatus `json:"status,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
}

func (f ListFilter) match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ConversationID != "" && t.ConversationID != f.ConversationID {
		return false
	}
	if f.AgentID != "" && t.AgentID != f.AgentID {
		return false
	}
	if f.ParentID != "" && t.ParentTaskID != f.ParentID {
		return false
	}
	return true
}

// Store is the durable task record. The scheduler and the execution driver
// are its only writers; tasks are never deleted.
type Store interface {
	Create(t *Task) error
	Get(id string) (*Task, error)
	Update(t *Task) error
	List(filter ListFilter) ([]*Task, error)
	AppendTransition(taskID string, tr Transition) error
	LoadTransitions(taskID string) ([]Transition, error)
}

// SetStatus moves t to status `to`, stamps start/complete times, persists it
// and appends a transition record. The transition log is best-effort.
func SetStatus(store Store, t *Task, to TaskStatus, note string) error {
	if t.Status.Terminal() {
		return ErrTerminal
	}
	from := t.Status
	now := time.Now()

	t.Status = to
	switch {
	case to == TaskRunning:
		t.StartTime = &now
	case to.Terminal():
		t.CompleteTime = &now
	}
	if err := store.Update(t); err != nil {
		return err
	}
	if err := store.AppendTransition(t.ID, Transition{Ts: now, From: from, To: to, Note: note}); err != nil {
		slog.Warn("append task transition", "task_id", t.ID, "from", from, "to", to, "error", err)
	}
	return nil
}
