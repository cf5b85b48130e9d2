package agents

import (
	"context"
	"fmt"

	"github.com/dohr-michael/agentoz/internal/storage/kv"
)

const backlogKeyPrefix = "agent:tasks:"

// Backlog is the per-agent FIFO of task IDs deferred while the agent was busy.
type Backlog struct {
	store kv.Store
}

// NewBacklog creates a Backlog over store.
func NewBacklog(store kv.Store) *Backlog {
	return &Backlog{store: store}
}

func backlogKey(agentID string) string { return backlogKeyPrefix + agentID }

// Push appends taskID to the agent's backlog.
func (b *Backlog) Push(ctx context.Context, agentID, taskID string) error {
	if err := b.store.RPush(ctx, backlogKey(agentID), taskID); err != nil {
		return fmt.Errorf("push backlog %s: %w", agentID, err)
	}
	return nil
}

// PushFront puts taskID back at the head, for an entry popped but not dispatched.
func (b *Backlog) PushFront(ctx context.Context, agentID, taskID string) error {
	if err := b.store.LPush(ctx, backlogKey(agentID), taskID); err != nil {
		return fmt.Errorf("requeue backlog %s: %w", agentID, err)
	}
	return nil
}

// Pop removes the oldest entry. ok is false when the backlog is empty; Pop never blocks.
func (b *Backlog) Pop(ctx context.Context, agentID string) (taskID string, ok bool, err error) {
	taskID, ok, err = b.store.LPop(ctx, backlogKey(agentID))
	if err != nil {
		return "", false, fmt.Errorf("pop backlog %s: %w", agentID, err)
	}
	return taskID, ok, nil
}

// Size returns the number of deferred tasks.
func (b *Backlog) Size(ctx context.Context, agentID string) (int, error) {
	n, err := b.store.LLen(ctx, backlogKey(agentID))
	if err != nil {
		return 0, fmt.Errorf("backlog size %s: %w", agentID, err)
	}
	return n, nil
}

// Position returns the 1-based position of taskID, or -1 if it is not queued.
func (b *Backlog) Position(ctx context.Context, agentID, taskID string) (int, error) {
	all, err := b.store.LRange(ctx, backlogKey(agentID))
	if err != nil {
		return -1, fmt.Errorf("backlog position %s: %w", agentID, err)
	}
	for i, id := range all {
		if id == taskID {
			return i + 1, nil
		}
	}
	return -1, nil
}

// Contains reports whether taskID is queued for the agent.
func (b *Backlog) Contains(ctx context.Context, agentID, taskID string) (bool, error) {
	pos, err := b.Position(ctx, agentID, taskID)
	return pos > 0, err
}

// Remove drops taskID from the backlog, e.g. when the task is cancelled.
func (b *Backlog) Remove(ctx context.Context, agentID, taskID string) (bool, error) {
	ok, err := b.store.LRem(ctx, backlogKey(agentID), taskID)
	if err != nil {
		return false, fmt.Errorf("remove from backlog %s: %w", agentID, err)
	}
	return ok, nil
}

// Clear empties the backlog and returns the removed task IDs.
func (b *Backlog) Clear(ctx context.Context, agentID string) ([]string, error) {
	var out []string
	for {
		id, ok, err := b.Pop(ctx, agentID)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, id)
	}
}
