package events

import (
	"encoding/json"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

// TaskPayload describes one task transition. Fields that do not apply to the
// transition are left empty.
type TaskPayload struct {
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id"`
	CallerAgentID string `json:"caller_agent_id,omitempty"`
	ParentTaskID  string `json:"parent_task_id,omitempty"`
	Priority      string `json:"priority,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
	Error         string `json:"error,omitempty"`
	Reason        string `json:"reason,omitempty"`

	Type EventType `json:"-"`
}

func (p TaskPayload) EventType() EventType { return p.Type }

// =============================================================================
// AGENT EVENTS
// =============================================================================

type AgentSleepPayload struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	WakeAt  string `json:"wake_at"`
	Woken   bool   `json:"-"`
}

func (p AgentSleepPayload) EventType() EventType {
	if p.Woken {
		return EventAgentWoken
	}
	return EventAgentSleeping
}

// =============================================================================
// SESSION EVENTS
// =============================================================================

type SessionPayload struct {
	ConversationID string `json:"conversation_id"`
	RootTaskID     string `json:"root_task_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Closed         bool   `json:"-"`
}

func (p SessionPayload) EventType() EventType {
	if p.Closed {
		return EventSessionClosed
	}
	return EventSessionCreated
}

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewEvent(payload.EventType(), source, toMap(payload))
}

func NewTypedConversationEvent(source EventSource, payload EventPayload, conversationID string) Event {
	return NewConversationEvent(payload.EventType(), source, toMap(payload), conversationID)
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetTaskPayload(e Event) (TaskPayload, bool) {
	p, ok := ExtractPayload[TaskPayload](e)
	p.Type = e.Type
	return p, ok
}

func GetAgentSleepPayload(e Event) (AgentSleepPayload, bool) {
	p, ok := ExtractPayload[AgentSleepPayload](e)
	p.Woken = e.Type == EventAgentWoken
	return p, ok
}

func GetSessionPayload(e Event) (SessionPayload, bool) {
	p, ok := ExtractPayload[SessionPayload](e)
	p.Closed = e.Type == EventSessionClosed
	return p, ok
}
