// Package executor runs one task against the compute backend: it opens the
// stream, relays events, persists the new rollout and always runs the
// release-then-advance cleanup, whatever the outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/backend"
	"github.com/dohr-michael/agentoz/internal/stream"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

// CallbackServerName is the MCP server entry injected into every backend call.
const CallbackServerName = "agentoz"

// Header names carrying the caller identity to the tool-callback surface.
const (
	HeaderAgentID        = "X-Agent-ID"
	HeaderConversationID = "X-Conversation-ID"
)

// BackendError is a task failure reported by (or caused while talking to)
// the compute backend.
type BackendError struct {
	TaskID  string
	AgentID string
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error on task %s (agent %s): %s", e.TaskID, e.AgentID, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Err }

// HistoryWriter records forwarded events.
type HistoryWriter interface {
	Append(conversationID string, e stream.Event) error
}

// Execution is one task run and its continuations.
type Execution struct {
	Task *tasks.Task
	// Cancelled reports whether the owning session was cancelled. Once it
	// returns true, events are swallowed and nothing more is persisted.
	Cancelled  func() bool
	OnEvent    func(stream.Event)
	OnComplete func(text string)
	OnError    func(err error)
}

// Config holds the driver dependencies.
type Config struct {
	Backend backend.Backend
	Agents  agents.Store
	Locks   *agents.Lock
	History HistoryWriter
	// PublicURL is the gateway base URL agents call back into. Empty disables
	// the callback server injection.
	PublicURL string
	// Advance signals that the agent is free again. Called last.
	Advance func(agentID string)
	// PersistFailed is told about every swallowed persistence failure.
	PersistFailed func(what string)
}

// Driver executes tasks.
type Driver struct {
	cfg Config
}

// NewDriver creates a Driver.
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Execute runs the task to its terminal outcome on the calling goroutine.
// The lock held by the task is released, then exactly one of OnComplete or
// OnError runs, then Advance, on every path including a panic.
func (d *Driver) Execute(ctx context.Context, ex Execution) {
	task := ex.Task
	cancelled := ex.Cancelled
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	var (
		acc     stream.TextAccumulator
		outcome error
		emitted bool
	)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor panic", "task_id", task.ID, "agent_id", task.AgentID, "panic", r)
			outcome = &BackendError{TaskID: task.ID, AgentID: task.AgentID, Message: fmt.Sprint("panic: ", r)}
		}
		if outcome != nil && !emitted && !cancelled() {
			d.emit(task, ex, stream.Failed(outcome.Error()).WithTask(task.ID, task.ConversationID).WithSender(task.AgentID, task.AgentName))
		}

		cleanupCtx := context.WithoutCancel(ctx)
		if d.cfg.Locks != nil {
			if _, err := d.cfg.Locks.ReleaseTask(cleanupCtx, task.AgentID, task.ID); err != nil {
				slog.Warn("release agent lock", "agent_id", task.AgentID, "task_id", task.ID, "error", err)
			}
		}

		if outcome != nil {
			if ex.OnError != nil {
				ex.OnError(outcome)
			}
		} else if ex.OnComplete != nil {
			ex.OnComplete(acc.String())
		}

		if d.cfg.Advance != nil {
			d.cfg.Advance(task.AgentID)
		}
	}()

	outcome = d.run(ctx, ex, cancelled, &acc, &emitted)
}

func (d *Driver) run(ctx context.Context, ex Execution, cancelled func() bool, acc *stream.TextAccumulator, emitted *bool) error {
	task := ex.Task

	agent, err := d.cfg.Agents.Get(task.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	rollout, err := d.cfg.Agents.LoadRollout(agent.ID)
	if err != nil {
		return fmt.Errorf("load rollout: %w", err)
	}

	req := backend.Request{
		RequestID:    uuid.NewString(),
		SessionID:    task.ConversationID,
		Prompt:       task.Description,
		Config:       d.sessionConfig(agent),
		PriorRollout: rollout,
	}

	st, err := d.cfg.Backend.Open(ctx, req)
	if err != nil {
		return &BackendError{TaskID: task.ID, AgentID: agent.ID, Message: "open stream: " + err.Error(), Err: err}
	}
	defer st.Close()

	slog.Debug("backend stream opened", "task_id", task.ID, "agent_id", agent.ID, "request_id", req.RequestID)

	for {
		resp, err := st.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return &BackendError{TaskID: task.ID, AgentID: agent.ID, Message: "stream ended without a terminal message", Err: backend.ErrStreamTruncated}
		}
		if err != nil {
			return &BackendError{TaskID: task.ID, AgentID: agent.ID, Message: err.Error(), Err: err}
		}

		switch {
		case resp.Error != "":
			if !cancelled() {
				d.emit(task, ex, d.stamp(stream.Failed(resp.Error), task, agent))
				*emitted = true
			}
			return &BackendError{TaskID: task.ID, AgentID: agent.ID, Message: resp.Error}

		case resp.UpdatedRollout != nil:
			if cancelled() {
				slog.Debug("rollout discarded for cancelled session", "task_id", task.ID)
				return nil
			}
			d.persistRollout(agent, resp.UpdatedRollout)
			d.emit(task, ex, d.stamp(stream.Finished(resp.UpdatedRollout), task, agent))
			*emitted = true
			return nil

		case resp.AdapterLog != "":
			slog.Debug("backend adapter log", "task_id", task.ID, "log", resp.AdapterLog)

		case resp.EventJSON != "":
			if cancelled() {
				continue
			}
			raw := json.RawMessage(resp.EventJSON)
			ev := d.stamp(stream.Processing(stream.TypeOf(raw), raw), task, agent)
			acc.Add(ev)
			d.emit(task, ex, ev)
		}
	}
}

func (d *Driver) sessionConfig(agent *agents.Agent) backend.SessionConfig {
	cfg := agent.Config
	if d.cfg.PublicURL == "" {
		return cfg
	}
	return cfg.WithMCPServer(CallbackServerName, backend.MCPServer{
		URL: strings.TrimRight(d.cfg.PublicURL, "/") + "/mcp",
		Headers: map[string]string{
			HeaderAgentID:        agent.ID,
			HeaderConversationID: agent.ConversationID,
		},
	})
}

func (d *Driver) stamp(e stream.Event, task *tasks.Task, agent *agents.Agent) stream.Event {
	return e.WithSender(agent.ID, agent.Name).WithTask(task.ID, task.ConversationID)
}

// emit writes history best-effort, then forwards.
func (d *Driver) emit(task *tasks.Task, ex Execution, e stream.Event) {
	if d.cfg.History != nil {
		if err := d.cfg.History.Append(task.ConversationID, e); err != nil {
			slog.Warn("persist history", "task_id", task.ID, "error", err)
			d.persistFailed("history")
		}
	}
	if ex.OnEvent != nil {
		ex.OnEvent(e)
	}
}

func (d *Driver) persistRollout(agent *agents.Agent, rollout []byte) {
	if err := d.cfg.Agents.SaveRollout(agent.ID, rollout); err != nil {
		slog.Warn("persist rollout", "agent_id", agent.ID, "error", err)
		d.persistFailed("rollout")
		return
	}
	now := time.Now()
	agent.LastInteractionAt = &now
	agent.State = "idle"
	if err := d.cfg.Agents.Update(agent); err != nil {
		slog.Warn("persist agent state", "agent_id", agent.ID, "error", err)
		d.persistFailed("agent")
	}
}

func (d *Driver) persistFailed(what string) {
	if d.cfg.PersistFailed != nil {
		d.cfg.PersistFailed(what)
	}
}
