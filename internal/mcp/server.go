package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/executor"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

// Orchestrator is the slice of the orchestrator the tools call into.
type Orchestrator interface {
	CallAgent(ctx context.Context, caller events.Caller, targetName, task, contextText string) (string, error)
	ActiveAgents(ctx context.Context, conversationID string) ([]orchestrator.AgentView, error)
	Sleep(ctx context.Context, caller events.Caller, seconds int) (string, error)
	AsyncCallAgent(ctx context.Context, caller events.Caller, targetName, task, priority string) (tasks.StatusView, error)
	TaskStatus(ctx context.Context, taskID string) (tasks.StatusView, error)
}

const (
	serverName    = "agentoz"
	serverVersion = "0.1.0"
)

type toolFunc func(ctx context.Context, caller events.Caller, args json.RawMessage) (string, error)

// NewServer creates an MCP server whose tools act on behalf of caller.
func NewServer(orch Orchestrator, caller events.Caller) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	t := &toolset{orch: orch}
	register(server, caller, callAgentSpec, t.callAgent)
	register(server, caller, activeAgentsSpec, t.activeAgents)
	register(server, caller, sleepSpec, t.sleep)
	register(server, caller, asyncCallAgentSpec, t.asyncCallAgent)
	register(server, caller, taskStatusSpec, t.taskStatus)
	return server
}

func register(server *mcpsdk.Server, caller events.Caller, spec toolSpec, fn toolFunc) {
	name := spec.Name
	server.AddTool(spec.mcpTool(), func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		ctx = events.ContextWithCaller(ctx, caller)
		result, err := fn(ctx, caller, req.Params.Arguments)
		if err != nil {
			slog.Debug("mcp tool error", "tool", name, "agent_id", caller.AgentID, "error", err)
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
			}, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: result}},
		}, nil
	})
}

// Handler serves the tools over streamable HTTP. The caller identity comes
// from the X-Agent-ID and X-Conversation-ID headers of each request.
func Handler(orch Orchestrator) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(r *http.Request) *mcpsdk.Server {
		return NewServer(orch, CallerFromRequest(r))
	}, &mcpsdk.StreamableHTTPOptions{Stateless: true})
}

// CallerFromRequest reads the calling agent from the callback headers.
func CallerFromRequest(r *http.Request) events.Caller {
	return events.Caller{
		AgentID:        r.Header.Get(executor.HeaderAgentID),
		ConversationID: r.Header.Get(executor.HeaderConversationID),
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
