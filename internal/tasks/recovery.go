package tasks

import (
	"context"
	"log/slog"
	"time"
)

// BacklogView is the slice of the agent backlog recovery needs.
type BacklogView interface {
	Contains(ctx context.Context, agentID, taskID string) (bool, error)
	Push(ctx context.Context, agentID, taskID string) error
}

// LockView reports which task holds an agent.
type LockView interface {
	Holder(ctx context.Context, agentID string) (string, bool, error)
}

// WakeScheduler re-arms delayed wake-ups.
type WakeScheduler interface {
	ScheduleAt(taskID string, at time.Time)
}

// RecoveryDeps are the queues RecoverTasks repairs.
type RecoveryDeps struct {
	Backlog BacklogView
	Locks   LockView
	Wake    WakeScheduler
}

// RecoverTasks restores scheduling state after a restart. Call it on gateway
// startup before the scheduler starts.
//
// RUNNING tasks whose agent lock is no longer theirs go back to QUEUED at the
// backlog tail. QUEUED wake tasks are re-armed in the delayed queue. Other
// QUEUED tasks missing from their backlog are pushed again, in submit order.
// It returns the agents whose backlog may now be drainable.
func RecoverTasks(ctx context.Context, store Store, deps RecoveryDeps) ([]string, error) {
	running, err := store.List(ListFilter{Status: TaskRunning})
	if err != nil {
		return nil, err
	}
	queued, err := store.List(ListFilter{Status: TaskQueued})
	if err != nil {
		return nil, err
	}

	touched := make(map[string]bool)
	var agentsOut []string
	touch := func(agentID string) {
		if !touched[agentID] {
			touched[agentID] = true
			agentsOut = append(agentsOut, agentID)
		}
	}

	for _, t := range running {
		if holder, ok, err := deps.Locks.Holder(ctx, t.AgentID); err == nil && ok && holder == t.ID {
			continue // still live somewhere
		}
		from := t.Status
		t.Status = TaskQueued
		t.StartTime = nil
		if err := store.Update(t); err != nil {
			slog.Warn("recover task", "task_id", t.ID, "error", err)
			continue
		}
		if err := store.AppendTransition(t.ID, Transition{Ts: time.Now(), From: from, To: TaskQueued, Note: "recovered after restart"}); err != nil {
			slog.Warn("append task transition", "task_id", t.ID, "error", err)
		}
		if err := deps.Backlog.Push(ctx, t.AgentID, t.ID); err != nil {
			slog.Warn("requeue recovered task", "task_id", t.ID, "error", err)
			continue
		}
		touch(t.AgentID)
	}

	for _, t := range queued {
		if t.WakeAt != nil {
			if deps.Wake != nil {
				deps.Wake.ScheduleAt(t.ID, *t.WakeAt)
			}
			continue
		}
		present, err := deps.Backlog.Contains(ctx, t.AgentID, t.ID)
		if err != nil {
			slog.Warn("inspect backlog", "agent_id", t.AgentID, "error", err)
			continue
		}
		if !present {
			if err := deps.Backlog.Push(ctx, t.AgentID, t.ID); err != nil {
				slog.Warn("requeue task", "task_id", t.ID, "error", err)
				continue
			}
		}
		touch(t.AgentID)
	}

	if len(agentsOut) > 0 {
		slog.Info("tasks recovered", "agents", len(agentsOut), "running", len(running), "queued", len(queued))
	}
	return agentsOut, nil
}
