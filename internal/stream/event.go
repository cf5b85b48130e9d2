// Package stream defines the internal event shape relayed from the compute
// backend to session subscribers.
//
// The backend emits dozens of JSON event kinds. They are not typed here: an
// Event wraps the raw payload and exposes only its status and type name.
package stream

import (
	"encoding/json"
	"time"
)

// Status is the closed set of event kinds.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusFinished   Status = "FINISHED"
	StatusError      Status = "ERROR"
)

// Event is one unit of progress for a task.
type Event struct {
	Status         Status          `json:"status"`
	EventType      string          `json:"event_type,omitempty"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	UpdatedRollout []byte          `json:"updated_rollout,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	SenderAgentID  string          `json:"sender_agent_id,omitempty"`
	SenderName     string          `json:"sender_name,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Processing wraps an incremental backend payload.
func Processing(eventType string, raw json.RawMessage) Event {
	return Event{Status: StatusProcessing, EventType: eventType, RawPayload: raw, Timestamp: time.Now()}
}

// Finished carries the new conversation state.
func Finished(rollout []byte) Event {
	return Event{Status: StatusFinished, EventType: "finished", UpdatedRollout: rollout, Timestamp: time.Now()}
}

// Failed is a terminal backend failure.
func Failed(message string) Event {
	return Event{Status: StatusError, EventType: "error", ErrorMessage: message, Timestamp: time.Now()}
}

// Notice is a system-generated PROCESSING event with a {"message": ...} payload.
func Notice(eventType, message string) Event {
	raw, _ := json.Marshal(map[string]string{"message": message})
	return Processing(eventType, raw)
}

// WithSender stamps the emitting agent.
func (e Event) WithSender(agentID, name string) Event {
	e.SenderAgentID = agentID
	e.SenderName = name
	return e
}

// WithTask stamps the task and conversation the event belongs to.
func (e Event) WithTask(taskID, conversationID string) Event {
	e.TaskID = taskID
	e.ConversationID = conversationID
	return e
}

// Terminal reports whether the event ends its task's stream.
func (e Event) Terminal() bool {
	return e.Status == StatusFinished || e.Status == StatusError
}

// TypeOf reads the "type" field of a backend event, or "" if absent.
func TypeOf(raw json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Type
}
