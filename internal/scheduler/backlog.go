// Package scheduler serializes per-agent dispatch out of the backlog, holds
// delayed (sleep/wake) tasks until they are due, and sweeps closable sessions.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultPollInterval re-examines known agents so an expired lock TTL also
// unblocks their backlog.
const DefaultPollInterval = 5 * time.Second

// Backlog is the per-agent FIFO the scheduler drains.
type Backlog interface {
	Pop(ctx context.Context, agentID string) (string, bool, error)
	PushFront(ctx context.Context, agentID, taskID string) error
	Size(ctx context.Context, agentID string) (int, error)
}

// Locker is the per-agent admission lock.
type Locker interface {
	TryAcquire(ctx context.Context, agentID, taskID string, ttl time.Duration) (bool, error)
	IsBusy(ctx context.Context, agentID string) (bool, error)
}

// DispatchFunc starts a task whose agent lock is already held by it.
type DispatchFunc func(taskID string)

// BacklogScheduler is the single reactor that turns "agent became free"
// signals into at most one dispatch per agent per turn. It is the only
// component that pops backlogs.
type BacklogScheduler struct {
	backlog Backlog
	locks   Locker
	poll    time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	known   map[string]DispatchFunc

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	started bool
}

// NewBacklogScheduler creates a stopped scheduler. poll <= 0 selects
// DefaultPollInterval.
func NewBacklogScheduler(backlog Backlog, locks Locker, poll time.Duration) *BacklogScheduler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &BacklogScheduler{
		backlog: backlog,
		locks:   locks,
		poll:    poll,
		pending: make(map[string]struct{}),
		known:   make(map[string]DispatchFunc),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// NotifyAgentFree records that agentID may be free and wakes the loop. It
// never blocks.
func (s *BacklogScheduler) NotifyAgentFree(agentID string, dispatch DispatchFunc) {
	s.mu.Lock()
	s.pending[agentID] = struct{}{}
	if dispatch != nil {
		s.known[agentID] = dispatch
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the reactor goroutine.
func (s *BacklogScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.loop()
	slog.Info("backlog scheduler started", "poll_interval", s.poll)
}

// Stop halts the reactor and waits for the current turn.
func (s *BacklogScheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	if started {
		<-s.stopped
	}
	slog.Info("backlog scheduler stopped")
}

func (s *BacklogScheduler) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.drainPending()
		case <-ticker.C:
			s.pollKnown()
		}
	}
}

func (s *BacklogScheduler) drainPending() {
	s.mu.Lock()
	agentIDs := make([]string, 0, len(s.pending))
	for id := range s.pending {
		agentIDs = append(agentIDs, id)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	sort.Strings(agentIDs)
	for _, id := range agentIDs {
		s.dispatchNext(id)
	}
}

// pollKnown retries every known agent and forgets those with an empty backlog.
func (s *BacklogScheduler) pollKnown() {
	ctx := context.Background()

	s.mu.Lock()
	agentIDs := make([]string, 0, len(s.known))
	for id := range s.known {
		agentIDs = append(agentIDs, id)
	}
	s.mu.Unlock()

	sort.Strings(agentIDs)
	for _, id := range agentIDs {
		size, err := s.backlog.Size(ctx, id)
		if err != nil {
			slog.Warn("backlog size", "agent_id", id, "error", err)
			continue
		}
		if size == 0 {
			s.mu.Lock()
			if _, notified := s.pending[id]; !notified {
				delete(s.known, id)
			}
			s.mu.Unlock()
			continue
		}
		s.dispatchNext(id)
	}
}

// dispatchNext pops one entry if the agent is free and hands it over with the
// lock held. A lost lock race puts the entry back at the head.
func (s *BacklogScheduler) dispatchNext(agentID string) {
	ctx := context.Background()

	s.mu.Lock()
	dispatch := s.known[agentID]
	s.mu.Unlock()
	if dispatch == nil {
		return
	}

	busy, err := s.locks.IsBusy(ctx, agentID)
	if err != nil {
		slog.Warn("backlog lock check", "agent_id", agentID, "error", err)
		return
	}
	if busy {
		return
	}

	taskID, ok, err := s.backlog.Pop(ctx, agentID)
	if err != nil {
		slog.Warn("backlog pop", "agent_id", agentID, "error", err)
		return
	}
	if !ok {
		return
	}

	acquired, err := s.locks.TryAcquire(ctx, agentID, taskID, 0)
	if err != nil || !acquired {
		if err != nil {
			slog.Warn("backlog lock acquire", "agent_id", agentID, "task_id", taskID, "error", err)
		}
		if err := s.backlog.PushFront(ctx, agentID, taskID); err != nil {
			slog.Error("backlog requeue lost", "agent_id", agentID, "task_id", taskID, "error", err)
		}
		return
	}

	slog.Info("backlog task dispatched", "agent_id", agentID, "task_id", taskID)
	go dispatch(taskID)
}
