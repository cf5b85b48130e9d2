package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dohr-michael/agentoz/internal/events"
)

var errIdentity = errors.New("missing caller identity: X-Agent-ID and X-Conversation-ID are required")

type toolset struct {
	orch Orchestrator
}

func requireCaller(c events.Caller) error {
	if c.AgentID == "" || c.ConversationID == "" {
		return errIdentity
	}
	return nil
}

func (t *toolset) callAgent(ctx context.Context, caller events.Caller, raw json.RawMessage) (string, error) {
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	var args struct {
		TargetName string `json:"target_name"`
		Message    string `json:"message"`
		Context    string `json:"context"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.TargetName) == "" || strings.TrimSpace(args.Message) == "" {
		return "", errors.New("target_name and message are required")
	}
	return t.orch.CallAgent(ctx, caller, args.TargetName, args.Message, args.Context)
}

func (t *toolset) activeAgents(ctx context.Context, caller events.Caller, _ json.RawMessage) (string, error) {
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	views, err := t.orch.ActiveAgents(ctx, caller.ConversationID)
	if err != nil {
		return "", err
	}
	return toJSON(views)
}

func (t *toolset) sleep(ctx context.Context, caller events.Caller, raw json.RawMessage) (string, error) {
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	var args struct {
		Seconds int `json:"seconds"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	return t.orch.Sleep(ctx, caller, args.Seconds)
}

func (t *toolset) asyncCallAgent(ctx context.Context, caller events.Caller, raw json.RawMessage) (string, error) {
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	var args struct {
		Target   string `json:"target"`
		Task     string `json:"task"`
		Priority string `json:"priority"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Target) == "" || strings.TrimSpace(args.Task) == "" {
		return "", errors.New("target and task are required")
	}
	view, err := t.orch.AsyncCallAgent(ctx, caller, args.Target, args.Task, args.Priority)
	if err != nil {
		return "", err
	}
	return toJSON(view)
}

func (t *toolset) taskStatus(ctx context.Context, _ events.Caller, raw json.RawMessage) (string, error) {
	var args struct {
		TaskID    string `json:"task_id"`
		TaskIDAlt string `json:"taskId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	id := args.TaskID
	if id == "" {
		id = args.TaskIDAlt
	}
	if id == "" {
		return "", errors.New("task_id is required")
	}
	view, err := t.orch.TaskStatus(ctx, id)
	if err != nil {
		return "", err
	}
	return toJSON(view)
}
