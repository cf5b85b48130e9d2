// Package orchestrator wires the admission primitives, the scheduler, the
// execution driver and the session hubs into the entry points used by the
// gateway and the tool-callback surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/backend"
	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/executor"
	"github.com/dohr-michael/agentoz/internal/scheduler"
	"github.com/dohr-michael/agentoz/internal/sessions"
	"github.com/dohr-michael/agentoz/internal/stream"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

var (
	// ErrInvalidArgument is returned when a request is missing a required
	// field or names an agent outside its conversation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCallTimeout is returned by CallAgent when the delegated task did not
	// finish in time. The task itself keeps running.
	ErrCallTimeout = errors.New("agent call timed out")
)

const (
	DefaultCallTimeout = 5 * time.Minute

	wakePromptFormat = "System notice: sleep ended, the time is now %s. Resume your previous task."
	cancelNotice     = "task cancelled"
)

// Config holds the orchestrator dependencies.
type Config struct {
	Agents  agents.Store
	Tasks   tasks.Store
	Locks   *agents.Lock
	Backlog *agents.Backlog
	Backend backend.Backend
	// History may be nil.
	History executor.HistoryWriter
	// Bus may be nil.
	Bus *events.Bus
	// Metrics may be nil.
	Metrics *Metrics
	// Archive may be nil.
	Archive sessions.Archiver

	PublicURL    string
	PollInterval time.Duration
	CallTimeout  time.Duration
	SendTimeout  time.Duration
}

// AgentView is one entry of ActiveAgents.
type AgentView struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
}

// SubTaskRequest describes a delegated task.
type SubTaskRequest struct {
	// TaskID is optional; a fresh ID is generated when empty.
	TaskID         string
	ConversationID string
	ParentTaskID   string
	CallerAgentID  string
	TargetAgentID  string
	Description    string
	Priority       tasks.TaskPriority
}

type outcome struct {
	status tasks.TaskStatus
	result string
	err    string
}

// Orchestrator is the composition root of the scheduling core.
type Orchestrator struct {
	agents  agents.Store
	tasks   tasks.Store
	locks   *agents.Lock
	backlog *agents.Backlog
	bus     *events.Bus
	metrics *Metrics

	sessions  *sessions.Manager
	registry  *sessions.Registry
	scheduler *scheduler.BacklogScheduler
	delayed   *scheduler.DelayedQueue
	driver    *executor.Driver

	callTimeout atomic.Int64

	// mu serializes read-check-write sequences on task records.
	mu        sync.Mutex
	cancelled map[string]string // RUNNING task -> cancel reason
	waiters   map[string][]chan outcome

	ctx     context.Context
	stop    context.CancelFunc
	running sync.WaitGroup
}

// New creates a stopped Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Agents == nil || cfg.Tasks == nil || cfg.Locks == nil || cfg.Backlog == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("orchestrator: agents, tasks, locks, backlog and backend are required: %w", ErrInvalidArgument)
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		agents:    cfg.Agents,
		tasks:     cfg.Tasks,
		locks:     cfg.Locks,
		backlog:   cfg.Backlog,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		sessions:  sessions.NewManager(cfg.Archive),
		registry:  sessions.NewRegistry(),
		cancelled: make(map[string]string),
		waiters:   make(map[string][]chan outcome),
		ctx:       ctx,
		stop:      stop,
	}
	o.SetCallTimeout(cfg.CallTimeout)
	o.sessions.SetSendTimeout(cfg.SendTimeout)

	o.scheduler = scheduler.NewBacklogScheduler(cfg.Backlog, cfg.Locks, cfg.PollInterval)
	o.delayed = scheduler.NewDelayedQueue(o.releaseWake)
	o.driver = executor.NewDriver(executor.Config{
		Backend:       cfg.Backend,
		Agents:        cfg.Agents,
		Locks:         cfg.Locks,
		History:       cfg.History,
		PublicURL:     cfg.PublicURL,
		Advance:       o.notifyFree,
		PersistFailed: o.metrics.persistenceFailed,
	})
	return o, nil
}

// Start launches the backlog reactor and the delayed queue.
func (o *Orchestrator) Start() {
	o.scheduler.Start()
	o.delayed.Start()
}

// Stop halts the background loops and waits for running executions until
// ctx is done. Tasks still running are left RUNNING for recovery.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.scheduler.Stop()
	o.delayed.Stop()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.stop()
		return nil
	case <-ctx.Done():
		o.stop()
		return ctx.Err()
	}
}

// Sessions exposes the session manager (cleanup sweeps, statistics).
func (o *Orchestrator) Sessions() *sessions.Manager { return o.sessions }

// SetCallTimeout changes the CallAgent bound. d <= 0 selects the default.
func (o *Orchestrator) SetCallTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	o.callTimeout.Store(int64(d))
}

// SetLockTTL changes the lifetime of future agent locks.
func (o *Orchestrator) SetLockTTL(d time.Duration) { o.locks.SetTTL(d) }

// SetSendTimeout changes the per-subscriber delivery bound.
func (o *Orchestrator) SetSendTimeout(d time.Duration) { o.sessions.SetSendTimeout(d) }

// =============================================================================
// ROOT TASKS
// =============================================================================

// SubmitRoot starts the main task of a conversation and returns its session.
// The given subscribers are attached before the task can emit anything.
func (o *Orchestrator) SubmitRoot(ctx context.Context, conversationID, agentID, message string, subscribers ...sessions.Consumer) (*sessions.Session, error) {
	if conversationID == "" || agentID == "" || strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("conversation, agent and message are required: %w", ErrInvalidArgument)
	}
	agent, err := o.agents.Get(agentID)
	if err != nil {
		return nil, err
	}
	if agent.ConversationID != "" && agent.ConversationID != conversationID {
		return nil, fmt.Errorf("agent %s belongs to conversation %s: %w", agentID, agent.ConversationID, ErrInvalidArgument)
	}

	mainID := tasks.MainTaskID(conversationID)
	// A cancelled turn keeps its main task until the backend stream drains.
	if prev, err := o.tasks.Get(mainID); err == nil && !prev.Status.Terminal() {
		return nil, fmt.Errorf("conversation %s: main task is %s: %w", conversationID, prev.Status, sessions.ErrSessionActive)
	}
	session, err := o.sessions.Create(conversationID, mainID, agentID)
	if err != nil {
		return nil, err
	}
	o.registry.RegisterRoot(mainID, session)
	for _, c := range subscribers {
		session.Subscribe(c)
	}

	task := &tasks.Task{
		ID:             mainID,
		AgentID:        agent.ID,
		AgentName:      agent.Name,
		ConversationID: conversationID,
		Description:    message,
		Priority:       tasks.PriorityNormal,
		A2A:            tasks.RootContext(agent.ID, ""),
	}
	if err := o.tasks.Create(task); err != nil {
		o.sessions.Remove(conversationID)
		return nil, fmt.Errorf("create root task: %w", err)
	}

	o.publish(events.NewTypedConversationEvent(events.SourceOrchestrator, events.SessionPayload{
		ConversationID: conversationID, RootTaskID: mainID, AgentID: agent.ID, Status: string(sessions.StatusActive),
	}, conversationID))
	o.publishTask(events.EventTaskSubmitted, task, 0, "")

	if err := o.admit(ctx, task); err != nil {
		return nil, err
	}
	return session, nil
}

// =============================================================================
// SUB-TASKS
// =============================================================================

// SubmitSubTask registers a delegated task in its session tree, then starts it
// if the target agent is free or queues it in the agent backlog.
func (o *Orchestrator) SubmitSubTask(ctx context.Context, req SubTaskRequest) (*tasks.Task, error) {
	if req.ConversationID == "" || req.TargetAgentID == "" || strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("conversation, target agent and description are required: %w", ErrInvalidArgument)
	}
	target, err := o.agents.Get(req.TargetAgentID)
	if err != nil {
		return nil, err
	}
	if req.ParentTaskID == "" {
		req.ParentTaskID = tasks.MainTaskID(req.ConversationID)
	}
	if req.Priority == "" {
		req.Priority = tasks.PriorityNormal
	}
	if req.TaskID == "" {
		req.TaskID = tasks.GenerateTaskID()
	}

	a2a := tasks.RootContext(req.CallerAgentID, "").Next(req.ParentTaskID)
	if parent, err := o.tasks.Get(req.ParentTaskID); err == nil {
		a2a = parent.A2A.Next(parent.ID)
	}

	task := &tasks.Task{
		ID:             req.TaskID,
		AgentID:        target.ID,
		AgentName:      target.Name,
		ConversationID: req.ConversationID,
		CallerAgentID:  req.CallerAgentID,
		ParentTaskID:   req.ParentTaskID,
		Description:    req.Description,
		Priority:       req.Priority,
		A2A:            a2a,
	}
	if err := o.tasks.Create(task); err != nil {
		return nil, fmt.Errorf("create sub-task: %w", err)
	}

	o.attachChild(task)
	o.publishTask(events.EventTaskSubmitted, task, 0, "")

	if err := o.admit(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// attachChild adds the task to its root session tree before it can run.
func (o *Orchestrator) attachChild(task *tasks.Task) {
	session, ok := o.registry.Lookup(task.ParentTaskID)
	if !ok {
		if s, err := o.sessions.Get(task.ConversationID); err == nil {
			session = s
			o.registry.RegisterRoot(s.MainTaskID(), s)
			ok = task.ParentTaskID == s.MainTaskID()
		}
	}
	if !ok {
		slog.Debug("sub-task has no live session", "task_id", task.ID, "parent_task_id", task.ParentTaskID)
		return
	}
	session.AddChildTask(task.ParentTaskID, task.ID)
	if err := o.registry.RegisterChild(task.ParentTaskID, task.ID); err != nil {
		slog.Warn("register sub-task", "task_id", task.ID, "error", err)
	}
}

// admit is the lock-or-backlog decision. Contention is not an error.
func (o *Orchestrator) admit(ctx context.Context, task *tasks.Task) error {
	acquired, err := o.locks.TryAcquire(ctx, task.AgentID, task.ID, 0)
	if err != nil {
		return err
	}
	if acquired {
		o.metrics.taskSubmitted("immediate")
		o.start(task)
		return nil
	}

	// QUEUED is written before the push: once in the backlog the task may
	// start and finish at any moment.
	o.mu.Lock()
	if current, err := o.tasks.Get(task.ID); err == nil {
		*task = *current
	}
	if task.Status.Terminal() {
		o.mu.Unlock()
		return nil
	}
	if task.Status == tasks.TaskSubmitted {
		if err := tasks.SetStatus(o.tasks, task, tasks.TaskQueued, "agent busy"); err != nil {
			slog.Warn("mark task queued", "task_id", task.ID, "error", err)
		}
	}
	o.mu.Unlock()

	if task.WakeAt != nil {
		err = o.backlog.PushFront(ctx, task.AgentID, task.ID)
	} else {
		err = o.backlog.Push(ctx, task.AgentID, task.ID)
	}
	if err != nil {
		return fmt.Errorf("queue task %s: %w", task.ID, err)
	}

	pos, _ := o.backlog.Position(ctx, task.AgentID, task.ID)
	o.metrics.taskSubmitted("queued")
	o.publishTask(events.EventTaskQueued, task, pos, "")
	slog.Info("task queued", "task_id", task.ID, "agent_id", task.AgentID, "position", pos)

	// Covers the agent freeing up between TryAcquire and Push.
	o.notifyFree(task.AgentID)
	return nil
}

// start runs a task whose lock it already holds.
func (o *Orchestrator) start(task *tasks.Task) {
	o.mu.Lock()
	if current, err := o.tasks.Get(task.ID); err == nil {
		task = current
	}
	if err := tasks.SetStatus(o.tasks, task, tasks.TaskRunning, ""); err != nil {
		o.mu.Unlock()
		slog.Warn("mark task running", "task_id", task.ID, "error", err)
		o.releaseAndAdvance(task.AgentID, task.ID)
		return
	}
	o.mu.Unlock()

	o.metrics.taskStarted()
	o.publishTask(events.EventTaskStarted, task, 0, "")
	slog.Info("task dispatched", "task_id", task.ID, "agent_id", task.AgentID, "conversation_id", task.ConversationID)

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.run(task)
	}()
}

func (o *Orchestrator) run(task *tasks.Task) {
	session, _ := o.registry.Lookup(task.ID)
	cancelled := func() bool {
		if session != nil && session.Cancelled() {
			return true
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		_, ok := o.cancelled[task.ID]
		return ok
	}

	o.driver.Execute(o.ctx, executor.Execution{
		Task:      task,
		Cancelled: cancelled,
		OnEvent: func(e stream.Event) {
			if session == nil {
				return
			}
			o.metrics.eventRelayed()
			session.SendEvent(o.ctx, e)
		},
		OnComplete: func(text string) {
			if cancelled() {
				o.finish(task, session, outcome{status: tasks.TaskCancelled, err: o.cancelReason(task.ID)})
				return
			}
			o.finish(task, session, outcome{status: tasks.TaskCompleted, result: text})
		},
		OnError: func(err error) {
			if cancelled() {
				o.finish(task, session, outcome{status: tasks.TaskCancelled, err: o.cancelReason(task.ID)})
				return
			}
			slog.Error("task failed", "task_id", task.ID, "agent_id", task.AgentID, "error", err)
			o.finish(task, session, outcome{status: tasks.TaskFailed, err: err.Error()})
		},
	})
}

func (o *Orchestrator) cancelReason(taskID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reason, ok := o.cancelled[taskID]; ok && reason != "" {
		return reason
	}
	return cancelNotice
}

// finish records a terminal outcome and updates the session tree the run was
// started in. It runs between lock release and backlog advance.
func (o *Orchestrator) finish(task *tasks.Task, session *sessions.Session, out outcome) {
	o.mu.Lock()
	wasRunning, waiters, ok := o.recordLocked(task, out)
	o.mu.Unlock()
	if ok {
		o.settle(task, out, wasRunning, waiters, session)
	}
}

// recordLocked persists the outcome on the stored record. It reports false
// when the record was already terminal. o.mu must be held.
func (o *Orchestrator) recordLocked(task *tasks.Task, out outcome) (bool, []chan outcome, bool) {
	if current, err := o.tasks.Get(task.ID); err == nil {
		*task = *current
	}
	delete(o.cancelled, task.ID)
	if task.Status.Terminal() {
		slog.Warn("task already settled", "task_id", task.ID, "status", task.Status, "outcome", out.status)
		return false, nil, false
	}
	wasRunning := task.Status == tasks.TaskRunning
	task.Result = out.result
	task.ErrorMessage = out.err
	if err := tasks.SetStatus(o.tasks, task, out.status, out.err); err != nil {
		slog.Warn("record task outcome", "task_id", task.ID, "status", out.status, "error", err)
	}
	waiters := o.waiters[task.ID]
	delete(o.waiters, task.ID)
	return wasRunning, waiters, true
}

// settle notifies waiters and updates the session tree of a recorded outcome.
// session is the tree the task belonged to; nil means it had none.
func (o *Orchestrator) settle(task *tasks.Task, out outcome, wasRunning bool, waiters []chan outcome, session *sessions.Session) {
	for _, ch := range waiters {
		ch <- out
	}

	o.metrics.taskFinished(string(out.status), task.StartTime, wasRunning)
	o.publishTask(finishedEventType(out.status), task, 0, out.err)
	slog.Info("task finished", "task_id", task.ID, "agent_id", task.AgentID, "status", out.status)

	if session == nil {
		return
	}
	var closed bool
	if task.IsRoot() {
		if out.status == tasks.TaskFailed {
			session.Fail(out.err)
			closed = session.TryCloseStream()
		} else {
			closed = session.RootFinished()
		}
	} else {
		closed = session.CompleteSubTask(task.ID)
		if current, ok := o.registry.Lookup(task.ID); ok && current == session {
			o.registry.Unregister(task.ID)
		}
	}
	if closed {
		o.publishSessionClosed(session)
	}
}

func finishedEventType(status tasks.TaskStatus) events.EventType {
	switch status {
	case tasks.TaskCompleted:
		return events.EventTaskCompleted
	case tasks.TaskCancelled:
		return events.EventTaskCancelled
	}
	return events.EventTaskFailed
}

// notifyFree is the advance hook of every finished execution.
func (o *Orchestrator) notifyFree(agentID string) {
	o.scheduler.NotifyAgentFree(agentID, o.dispatcherFor(agentID))
}

func (o *Orchestrator) dispatcherFor(agentID string) scheduler.DispatchFunc {
	return func(taskID string) { o.executeQueued(agentID, taskID) }
}

// executeQueued starts a backlog entry. The scheduler already acquired the
// lock for it.
func (o *Orchestrator) executeQueued(agentID, taskID string) {
	task, err := o.tasks.Get(taskID)
	if err != nil || task.Status.Terminal() {
		if err != nil {
			slog.Warn("queued task vanished", "task_id", taskID, "agent_id", agentID, "error", err)
		}
		o.releaseAndAdvance(agentID, taskID)
		return
	}
	o.start(task)
}

func (o *Orchestrator) releaseAndAdvance(agentID, taskID string) {
	if _, err := o.locks.ReleaseTask(context.Background(), agentID, taskID); err != nil {
		slog.Warn("release agent lock", "agent_id", agentID, "task_id", taskID, "error", err)
	}
	o.notifyFree(agentID)
}

// =============================================================================
// TOOL OPERATIONS
// =============================================================================

// parentFor is the task the caller is currently running, or the main task.
func (o *Orchestrator) parentFor(ctx context.Context, caller events.Caller) string {
	if caller.AgentID != "" {
		if holder, ok, err := o.locks.Holder(ctx, caller.AgentID); err == nil && ok {
			return holder
		}
	}
	return tasks.MainTaskID(caller.ConversationID)
}

func (o *Orchestrator) resolveTarget(caller events.Caller, targetName string) (*agents.Agent, error) {
	if caller.ConversationID == "" {
		return nil, fmt.Errorf("caller conversation is required: %w", ErrInvalidArgument)
	}
	if strings.TrimSpace(targetName) == "" {
		return nil, fmt.Errorf("target agent name is required: %w", ErrInvalidArgument)
	}
	return o.agents.FindByName(caller.ConversationID, targetName)
}

// CallAgent delegates and waits for the result, bounded by the call timeout
// and ctx.
func (o *Orchestrator) CallAgent(ctx context.Context, caller events.Caller, targetName, task, contextText string) (string, error) {
	target, err := o.resolveTarget(caller, targetName)
	if err != nil {
		return "", err
	}
	message := task
	if strings.TrimSpace(contextText) != "" {
		message = task + "\n\n[Context]\n" + contextText
	}

	taskID := tasks.GenerateTaskID()
	ch := make(chan outcome, 1)
	o.mu.Lock()
	o.waiters[taskID] = append(o.waiters[taskID], ch)
	o.mu.Unlock()
	defer o.dropWaiter(taskID, ch)

	if _, err := o.SubmitSubTask(ctx, SubTaskRequest{
		TaskID:         taskID,
		ConversationID: caller.ConversationID,
		ParentTaskID:   o.parentFor(ctx, caller),
		CallerAgentID:  caller.AgentID,
		TargetAgentID:  target.ID,
		Description:    message,
		Priority:       tasks.PriorityNormal,
	}); err != nil {
		return "", err
	}

	timer := time.NewTimer(time.Duration(o.callTimeout.Load()))
	defer timer.Stop()

	select {
	case out := <-ch:
		switch out.status {
		case tasks.TaskCompleted:
			return out.result, nil
		case tasks.TaskCancelled:
			return "", fmt.Errorf("agent %s: task %s cancelled: %s", target.Name, taskID, out.err)
		default:
			return "", fmt.Errorf("agent %s: task %s failed: %s", target.Name, taskID, out.err)
		}
	case <-timer.C:
		return "", fmt.Errorf("agent %s: task %s: %w", target.Name, taskID, ErrCallTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) dropWaiter(taskID string, ch chan outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.waiters[taskID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(o.waiters, taskID)
	} else {
		o.waiters[taskID] = list
	}
}

// AsyncCallAgent delegates and returns immediately with the task status.
func (o *Orchestrator) AsyncCallAgent(ctx context.Context, caller events.Caller, targetName, task, priority string) (tasks.StatusView, error) {
	prio, ok := tasks.ParsePriority(priority)
	if !ok {
		return tasks.StatusView{}, fmt.Errorf("priority %q: %w", priority, ErrInvalidArgument)
	}
	target, err := o.resolveTarget(caller, targetName)
	if err != nil {
		return tasks.StatusView{}, err
	}
	t, err := o.SubmitSubTask(ctx, SubTaskRequest{
		ConversationID: caller.ConversationID,
		ParentTaskID:   o.parentFor(ctx, caller),
		CallerAgentID:  caller.AgentID,
		TargetAgentID:  target.ID,
		Description:    task,
		Priority:       prio,
	})
	if err != nil {
		return tasks.StatusView{}, err
	}
	return o.TaskStatus(ctx, t.ID)
}

// Sleep ends the caller's hold on its lock now and schedules a wake task for
// the same agent after the given number of seconds.
func (o *Orchestrator) Sleep(ctx context.Context, caller events.Caller, seconds int) (string, error) {
	if seconds <= 0 {
		return "", fmt.Errorf("seconds must be positive: %w", ErrInvalidArgument)
	}
	if caller.AgentID == "" || caller.ConversationID == "" {
		return "", fmt.Errorf("caller identity is required: %w", ErrInvalidArgument)
	}
	agent, err := o.agents.Get(caller.AgentID)
	if err != nil {
		return "", err
	}

	current, held, err := o.locks.Holder(ctx, agent.ID)
	if err != nil {
		return "", err
	}
	if held {
		if _, err := o.locks.ReleaseTask(ctx, agent.ID, current); err != nil {
			return "", err
		}
	}

	wakeAt := time.Now().Add(time.Duration(seconds) * time.Second)
	mainID := tasks.MainTaskID(caller.ConversationID)
	a2a := tasks.RootContext(agent.ID, "").Next(mainID)
	if held {
		if cur, err := o.tasks.Get(current); err == nil {
			a2a = cur.A2A.Next(cur.ID)
		}
	}

	wake := &tasks.Task{
		ID:             tasks.GenerateTaskID(),
		AgentID:        agent.ID,
		AgentName:      agent.Name,
		ConversationID: caller.ConversationID,
		CallerAgentID:  agent.ID,
		ParentTaskID:   mainID,
		Description:    fmt.Sprintf(wakePromptFormat, wakeAt.Format(tasks.WakeTimeLayout)),
		Priority:       tasks.PriorityHigh,
		A2A:            a2a,
		WakeAt:         &wakeAt,
	}
	if err := o.tasks.Create(wake); err != nil {
		return "", fmt.Errorf("create wake task: %w", err)
	}
	o.attachChild(wake)

	o.mu.Lock()
	if err := tasks.SetStatus(o.tasks, wake, tasks.TaskQueued, "sleep"); err != nil {
		slog.Warn("mark wake task queued", "task_id", wake.ID, "error", err)
	}
	o.mu.Unlock()

	o.delayed.ScheduleAt(wake.ID, wakeAt)
	o.metrics.wakeScheduled()
	o.publish(events.NewTypedConversationEvent(events.SourceOrchestrator, events.AgentSleepPayload{
		AgentID: agent.ID, TaskID: wake.ID, WakeAt: wakeAt.Format(tasks.WakeTimeLayout),
	}, caller.ConversationID))
	slog.Info("agent sleeping", "agent_id", agent.ID, "wake_task_id", wake.ID, "seconds", seconds)

	return fmt.Sprintf("Sleeping for %d seconds. You will be woken at %s.", seconds, wakeAt.Format(tasks.WakeTimeLayout)), nil
}

// releaseWake is the delayed queue release: the wake task enters the normal
// admission path.
func (o *Orchestrator) releaseWake(taskID string) {
	task, err := o.tasks.Get(taskID)
	if err != nil {
		slog.Warn("wake task vanished", "task_id", taskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		return
	}
	o.publish(events.NewTypedConversationEvent(events.SourceScheduler, events.AgentSleepPayload{
		AgentID: task.AgentID, TaskID: task.ID, WakeAt: task.WakeAt.Format(tasks.WakeTimeLayout), Woken: true,
	}, task.ConversationID))
	if err := o.admit(o.ctx, task); err != nil {
		slog.Error("admit wake task", "task_id", taskID, "error", err)
	}
}

// TaskStatus returns the status snapshot of a task.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID string) (tasks.StatusView, error) {
	task, err := o.tasks.Get(taskID)
	if err != nil {
		return tasks.StatusView{}, err
	}
	pos := 0
	if task.Status == tasks.TaskQueued {
		if p, err := o.backlog.Position(ctx, task.AgentID, task.ID); err == nil && p > 0 {
			pos = p
		}
	}
	return task.View(pos), nil
}

// CancelTask cancels a queued task outright. A running task is marked; its
// outcome becomes CANCELLED once the backend stream drains.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, reason string) (tasks.StatusView, error) {
	if reason == "" {
		reason = cancelNotice
	}
	task, err := o.tasks.Get(taskID)
	if err != nil {
		return tasks.StatusView{}, err
	}

	switch {
	case task.Status.Terminal():
		return task.View(0), nil

	case task.Status == tasks.TaskRunning:
		o.mu.Lock()
		o.cancelled[task.ID] = reason
		o.mu.Unlock()
		slog.Info("running task marked cancelled", "task_id", task.ID)
		return task.View(0), nil
	}

	if _, err := o.backlog.Remove(ctx, task.AgentID, task.ID); err != nil {
		return tasks.StatusView{}, err
	}
	o.delayed.Cancel(task.ID)

	// A dispatch may have raced the removal; the stored status decides.
	o.mu.Lock()
	if current, err := o.tasks.Get(task.ID); err == nil {
		task = current
	}
	switch {
	case task.Status.Terminal():
		o.mu.Unlock()
		return task.View(0), nil
	case task.Status == tasks.TaskRunning:
		o.cancelled[task.ID] = reason
		o.mu.Unlock()
		return task.View(0), nil
	}
	out := outcome{status: tasks.TaskCancelled, err: reason}
	wasRunning, waiters, _ := o.recordLocked(task, out)
	o.mu.Unlock()

	session, _ := o.registry.Lookup(task.ID)
	o.settle(task, out, wasRunning, waiters, session)
	return task.View(0), nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// CancelSession stops event delivery for a conversation, cancels its queued
// tasks and closes the stream. Running backend calls are drained, not aborted.
func (o *Orchestrator) CancelSession(ctx context.Context, conversationID, reason string) (sessions.Info, error) {
	session, err := o.sessions.Get(conversationID)
	if err != nil {
		return sessions.Info{}, err
	}
	if reason == "" {
		reason = cancelNotice
	}

	session.SendEvent(ctx, stream.Notice("cancel", cancelNotice).
		WithTask(session.MainTaskID(), conversationID).
		WithSender(session.CurrentAgentID(), ""))
	session.Cancel(reason)

	for _, status := range []tasks.TaskStatus{tasks.TaskQueued, tasks.TaskSubmitted, tasks.TaskRunning} {
		list, err := o.tasks.List(tasks.ListFilter{Status: status, ConversationID: conversationID})
		if err != nil {
			slog.Warn("list tasks to cancel", "conversation_id", conversationID, "error", err)
			continue
		}
		for _, t := range list {
			if _, err := o.CancelTask(ctx, t.ID, reason); err != nil {
				slog.Warn("cancel task", "task_id", t.ID, "error", err)
			}
		}
	}

	if session.TryCloseStream() {
		o.publishSessionClosed(session)
	}
	slog.Info("session cancelled", "conversation_id", conversationID, "reason", reason)
	return session.Info(), nil
}

// Subscribe attaches a consumer to a conversation. Sessions that are already
// over complete the consumer immediately.
func (o *Orchestrator) Subscribe(ctx context.Context, conversationID string, c sessions.Consumer) error {
	session, err := o.sessions.Get(conversationID)
	if err != nil {
		return err
	}
	info := session.Info()
	switch {
	case info.Status == sessions.StatusCancelled, info.Status == sessions.StatusFailed,
		info.Status == sessions.StatusIdle && info.ActiveTaskCount == 0:
		c.Close()
		return nil
	}
	session.Subscribe(c)
	return nil
}

// Unsubscribe detaches a consumer.
func (o *Orchestrator) Unsubscribe(conversationID string, c sessions.Consumer) {
	if session, err := o.sessions.Get(conversationID); err == nil {
		session.Unsubscribe(c)
	}
}

// SessionInfo returns the snapshot of a live session.
func (o *Orchestrator) SessionInfo(conversationID string) (sessions.Info, error) {
	session, err := o.sessions.Get(conversationID)
	if err != nil {
		return sessions.Info{}, err
	}
	return session.Info(), nil
}

// EndSession closes and forgets a session.
func (o *Orchestrator) EndSession(conversationID string) error {
	session, err := o.sessions.Get(conversationID)
	if err != nil {
		return err
	}
	o.sessions.Remove(conversationID)
	o.registry.Unregister(session.MainTaskID())
	o.publishSessionClosed(session)
	return nil
}

// ForgetSessions drops the routing of sessions removed by a cleanup sweep.
func (o *Orchestrator) ForgetSessions(conversationIDs []string) {
	for _, id := range conversationIDs {
		mainID := tasks.MainTaskID(id)
		if s, ok := o.registry.Lookup(mainID); ok && s.ID() == id {
			if _, err := o.sessions.Get(id); err != nil {
				o.registry.Unregister(mainID)
			}
		}
	}
}

// ActiveAgents lists the agents of a conversation with their live state.
func (o *Orchestrator) ActiveAgents(ctx context.Context, conversationID string) ([]AgentView, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation is required: %w", ErrInvalidArgument)
	}
	list, err := o.agents.List(conversationID)
	if err != nil {
		return nil, err
	}
	views := make([]AgentView, 0, len(list))
	for _, a := range list {
		state := a.State
		if state == "" {
			state = "idle"
		}
		if busy, err := o.locks.IsBusy(ctx, a.ID); err == nil && busy {
			state = "busy"
		}
		views = append(views, AgentView{Name: a.Name, ID: a.ID, Description: a.Description, State: state})
	}
	return views, nil
}

// Recover restores queues after a restart and nudges every affected agent.
// Call it before Start.
func (o *Orchestrator) Recover(ctx context.Context) error {
	agentIDs, err := tasks.RecoverTasks(ctx, o.tasks, tasks.RecoveryDeps{
		Backlog: o.backlog,
		Locks:   o.locks,
		Wake:    o.delayed,
	})
	if err != nil {
		return err
	}
	for _, id := range agentIDs {
		o.notifyFree(id)
	}
	return nil
}

// =============================================================================
// LIFECYCLE EVENTS
// =============================================================================

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

func (o *Orchestrator) publishTask(typ events.EventType, t *tasks.Task, pos int, errMsg string) {
	o.publish(events.NewTypedConversationEvent(events.SourceOrchestrator, events.TaskPayload{
		Type:          typ,
		TaskID:        t.ID,
		AgentID:       t.AgentID,
		CallerAgentID: t.CallerAgentID,
		ParentTaskID:  t.ParentTaskID,
		Priority:      string(t.Priority),
		QueuePosition: pos,
		Error:         errMsg,
	}, t.ConversationID))
}

func (o *Orchestrator) publishSessionClosed(s *sessions.Session) {
	info := s.Info()
	o.publish(events.NewTypedConversationEvent(events.SourceOrchestrator, events.SessionPayload{
		ConversationID: info.ConversationID,
		RootTaskID:     info.MainTaskID,
		AgentID:        info.CurrentAgentID,
		Status:         string(info.Status),
		Closed:         true,
	}, info.ConversationID))
}
