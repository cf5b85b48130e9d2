package storage

import (
	"log/slog"

	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/storage/dirstore"
)

const (
	lifecycleFile = "lifecycle.jsonl"
	globalID      = "_global"
)

// EventLogger persists bus events to JSONL files organized by conversation.
type EventLogger struct {
	ds          *dirstore.DirStore
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and writes them as JSONL under dir, one directory per conversation.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{ds: dirstore.New(dir, "conversation")}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

// Load returns the lifecycle events recorded for a conversation.
func (el *EventLogger) Load(conversationID string) ([]events.Event, error) {
	if conversationID == "" {
		conversationID = globalID
	}
	el.ds.RLock()
	defer el.ds.RUnlock()
	return dirstore.LoadJSONL[events.Event](el.ds, conversationID, lifecycleFile)
}

func (el *EventLogger) handleEvent(e events.Event) {
	id := e.ConversationID
	if id == "" {
		id = globalID
	}
	el.ds.Lock()
	defer el.ds.Unlock()
	if err := el.ds.AppendJSONL(id, lifecycleFile, e); err != nil {
		slog.Warn("lifecycle log write failed", "conversation_id", id, "type", e.Type, "error", err)
	}
}
