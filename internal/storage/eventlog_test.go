package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/stream"
)

func TestEventLogger_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus)
	defer el.Close()

	bus.Publish(events.NewTypedConversationEvent(events.SourceOrchestrator,
		events.TaskPayload{Type: events.EventTaskSubmitted, TaskID: "t1", AgentID: "A1"}, "C1"))
	bus.Publish(events.NewTypedConversationEvent(events.SourceOrchestrator,
		events.TaskPayload{Type: events.EventTaskCompleted, TaskID: "t1", AgentID: "A1"}, "C1"))
	bus.Publish(events.NewEvent(events.EventTaskQueued, events.SourceScheduler, nil))

	var got []events.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ = el.Load("C1")
		if len(got) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for C1, got %d", len(got))
	}
	if got[0].Type != events.EventTaskSubmitted || got[1].Type != events.EventTaskCompleted {
		t.Errorf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}

	global, err := el.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(global) != 1 {
		t.Errorf("expected 1 global event, got %d", len(global))
	}
}

func TestHistoryLog(t *testing.T) {
	h := NewHistoryLog(t.TempDir())

	e1 := stream.Processing("agent_message_delta", json.RawMessage(`{"delta":{"text":"hi"}}`)).WithTask("t1", "C1")
	e2 := stream.Finished([]byte("r")).WithTask("t1", "C1")
	e3 := stream.Failed("boom").WithTask("t2", "C1")
	for _, e := range []stream.Event{e1, e2, e3} {
		if err := h.Append("C1", e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := h.Load("C1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if string(all[0].RawPayload) != `{"delta":{"text":"hi"}}` {
		t.Errorf("payload not preserved: %s", all[0].RawPayload)
	}

	t1, _ := h.Load("C1", "t1")
	if len(t1) != 2 || t1[1].Status != stream.StatusFinished {
		t.Errorf("task filter: got %+v", t1)
	}

	none, err := h.Load("unknown", "")
	if err != nil || len(none) != 0 {
		t.Errorf("unknown conversation: got %v, %v", none, err)
	}
}
