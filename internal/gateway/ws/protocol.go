package ws

import "encoding/json"

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Method represents a WebSocket request method.
type Method string

const (
	MethodStartSession  Method = "start_session"
	MethodSubscribe     Method = "subscribe"
	MethodSubmitTask    Method = "submit_task"
	MethodCancelSession Method = "cancel_session"
	MethodSessionInfo   Method = "session_info"
)

// EventStreamClosed is sent once the conversation stream of a subscription
// has ended. No further stream frames follow for that session.
const EventStreamClosed = "stream.closed"

// Frame is the WebSocket protocol envelope.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// StartSessionParams starts the root task of a conversation and subscribes
// the caller to it.
type StartSessionParams struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Message        string `json:"message"`
}

// SubscribeParams attaches the caller to a live conversation.
type SubscribeParams struct {
	ConversationID string `json:"conversation_id"`
}

// SubmitTaskParams delegates a task inside a conversation.
type SubmitTaskParams struct {
	ConversationID string `json:"conversation_id"`
	TargetAgentID  string `json:"target_agent_id"`
	CallerAgentID  string `json:"caller_agent_id,omitempty"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`
	Description    string `json:"description"`
	Priority       string `json:"priority,omitempty"`
}

// CancelSessionParams cancels a conversation.
type CancelSessionParams struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// NewRequestFrame creates a request Frame.
func NewRequestFrame(id string, method Method, params any) (Frame, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeRequest, ID: id, Method: string(method), Params: data}, nil
}

// NewEventFrame creates a Frame for pushing an event to one conversation.
func NewEventFrame(event string, sessionID string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      FrameTypeEvent,
		Event:     event,
		SessionID: sessionID,
		Payload:   data,
	}, nil
}

// NewResponseFrame creates a response Frame.
func NewResponseFrame(id string, ok bool, payload any, errMsg string) (Frame, error) {
	f := Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: errMsg,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}
