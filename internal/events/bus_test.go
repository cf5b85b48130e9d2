package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func taskEvent(t EventType, taskID string) Event {
	return NewTypedConversationEvent(SourceOrchestrator, TaskPayload{Type: t, TaskID: taskID, AgentID: "A1"}, "C1")
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventTaskCompleted)

	bus.Publish(taskEvent(EventTaskSubmitted, "t1"))
	bus.Publish(taskEvent(EventTaskCompleted, "t1"))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskCompleted {
		t.Errorf("expected task.completed, got %s", received[0].Type)
	}
	if received[0].ConversationID != "C1" {
		t.Errorf("expected conversation C1, got %q", received[0].ConversationID)
	}
}

func TestBusPreservesOrder(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(16)
	defer unsub()

	order := []EventType{EventTaskSubmitted, EventTaskQueued, EventTaskStarted, EventTaskCompleted}
	for _, typ := range order {
		bus.Publish(taskEvent(typ, "t1"))
	}

	for i, want := range order {
		select {
		case e := <-ch:
			if e.Type != want {
				t.Errorf("event %d: expected %s, got %s", i, want, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestTypedPayloadRoundTrip(t *testing.T) {
	e := NewTypedEvent(SourceScheduler, AgentSleepPayload{AgentID: "A1", TaskID: "t1", WakeAt: "2026-01-01 10:00:00", Woken: true})
	if e.Type != EventAgentWoken {
		t.Fatalf("expected agent.woken, got %s", e.Type)
	}
	p, ok := GetAgentSleepPayload(e)
	if !ok || p.TaskID != "t1" || !p.Woken {
		t.Errorf("unexpected payload: %+v", p)
	}

	tp, ok := GetTaskPayload(taskEvent(EventTaskFailed, "t2"))
	if !ok || tp.TaskID != "t2" || tp.EventType() != EventTaskFailed {
		t.Errorf("unexpected task payload: %+v", tp)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(NewEvent(EventTaskQueued, SourceOrchestrator, map[string]any{"i": i}))
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].Payload["i"] != 4 {
		t.Errorf("expected newest last, got %v", events[2].Payload["i"])
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	bus.Publish(taskEvent(EventTaskQueued, "t1"))

	err := bus.PublishAsync(context.Background(), taskEvent(EventTaskQueued, "t1"))
	if !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}
