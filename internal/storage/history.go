package storage

import (
	"fmt"

	"github.com/dohr-michael/agentoz/internal/storage/dirstore"
	"github.com/dohr-michael/agentoz/internal/stream"
)

const historyFile = "events.jsonl"

// HistoryLog keeps the relayed stream events of each conversation, in the
// order they were produced.
type HistoryLog struct {
	ds *dirstore.DirStore
}

// NewHistoryLog creates a HistoryLog rooted at dir.
func NewHistoryLog(dir string) *HistoryLog {
	return &HistoryLog{ds: dirstore.New(dir, "conversation")}
}

// Append records one event.
func (h *HistoryLog) Append(conversationID string, e stream.Event) error {
	h.ds.Lock()
	defer h.ds.Unlock()
	if err := h.ds.AppendJSONL(conversationID, historyFile, e); err != nil {
		return fmt.Errorf("history %s: %w", conversationID, err)
	}
	return nil
}

// Load returns all recorded events, optionally scoped to a single task.
func (h *HistoryLog) Load(conversationID, taskID string) ([]stream.Event, error) {
	h.ds.RLock()
	all, err := dirstore.LoadJSONL[stream.Event](h.ds, conversationID, historyFile)
	h.ds.RUnlock()
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		return all, nil
	}
	var out []stream.Event
	for _, e := range all {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}
