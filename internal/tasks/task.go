// Package tasks provides the durable task record: metadata, status lifecycle,
// delegation context and the status snapshot returned to callers.
package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
//
//	SUBMITTED -> RUNNING | QUEUED
//	QUEUED    -> RUNNING | CANCELLED
//	RUNNING   -> COMPLETED | FAILED | CANCELLED
type TaskStatus string

const (
	TaskSubmitted TaskStatus = "SUBMITTED"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskPriority represents the execution priority of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

// ParsePriority validates a priority string. Empty means normal.
func ParsePriority(s string) (TaskPriority, bool) {
	switch TaskPriority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityNormal:
		return PriorityNormal, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityLow:
		return PriorityLow, true
	}
	return "", false
}

// A2AContext is the delegation metadata threaded through nested agent calls.
// Depth is carried but not limited.
type A2AContext struct {
	TraceID       string `json:"trace_id"`
	ParentTaskID  string `json:"parent_task_id,omitempty"`
	Depth         int    `json:"depth"`
	OriginAgentID string `json:"origin_agent_id"`
}

// RootContext starts a delegation chain at agentID. An empty traceID gets a fresh one.
func RootContext(agentID, traceID string) A2AContext {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return A2AContext{TraceID: traceID, Depth: 0, OriginAgentID: agentID}
}

// Next returns the context of a task delegated from currentTaskID.
func (c A2AContext) Next(currentTaskID string) A2AContext {
	return A2AContext{
		TraceID:       c.TraceID,
		ParentTaskID:  currentTaskID,
		Depth:         c.Depth + 1,
		OriginAgentID: c.OriginAgentID,
	}
}

// Task is one request for an agent to act.
type Task struct {
	ID             string       `json:"id"`
	AgentID        string       `json:"agent_id"`
	AgentName      string       `json:"agent_name,omitempty"`
	ConversationID string       `json:"conversation_id"`
	CallerAgentID  string       `json:"caller_agent_id,omitempty"`
	ParentTaskID   string       `json:"parent_task_id,omitempty"`
	Description    string       `json:"description"`
	Priority       TaskPriority `json:"priority"`
	Status         TaskStatus   `json:"status"`
	A2A            A2AContext   `json:"a2a"`
	SubmitTime     time.Time    `json:"submit_time"`
	StartTime      *time.Time   `json:"start_time,omitempty"`
	CompleteTime   *time.Time   `json:"complete_time,omitempty"`
	WakeAt         *time.Time   `json:"wake_at,omitempty"`
	Result         string       `json:"result,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsRoot reports whether t is the main task of its conversation.
func (t *Task) IsRoot() bool {
	return t.ID == MainTaskID(t.ConversationID)
}

// Transition records one status change.
type Transition struct {
	Ts   time.Time  `json:"ts"`
	From TaskStatus `json:"from,omitempty"`
	To   TaskStatus `json:"to"`
	Note string     `json:"note,omitempty"`
}

// MainTaskID is the ID of the root task of a conversation.
func MainTaskID(conversationID string) string {
	return "main-" + conversationID
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
