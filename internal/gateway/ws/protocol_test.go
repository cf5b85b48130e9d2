package ws

import (
	"encoding/json"
	"testing"
)

func TestNewRequestFrame(t *testing.T) {
	f, err := NewRequestFrame("req-1", MethodStartSession, StartSessionParams{
		ConversationID: "C1", AgentID: "agent_1", Message: "hello",
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	data, err := MarshalFrame(f)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}
	if got.Type != FrameTypeRequest || got.Method != "start_session" || got.ID != "req-1" {
		t.Fatalf("frame = %+v", got)
	}
	var p StartSessionParams
	if err := json.Unmarshal(got.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p.ConversationID != "C1" || p.Message != "hello" {
		t.Fatalf("params = %+v", p)
	}
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("PROCESSING", "C1", map[string]string{"status": "PROCESSING"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != FrameTypeEvent || f.Event != "PROCESSING" || f.SessionID != "C1" {
		t.Fatalf("frame = %+v", f)
	}
	var p map[string]string
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["status"] != "PROCESSING" {
		t.Fatalf("payload = %v", p)
	}
}

func TestNewResponseFrame(t *testing.T) {
	f, err := NewResponseFrame("req-5", true, map[string]string{"status": "done"}, "")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || !*f.OK || f.Error != "" {
		t.Fatalf("ok frame = %+v", f)
	}

	f, err = NewResponseFrame("req-6", false, nil, "session not found")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || *f.OK || f.Error != "session not found" {
		t.Fatalf("error frame = %+v", f)
	}
	if f.Payload != nil {
		t.Fatalf("expected nil payload, got %s", string(f.Payload))
	}
}
