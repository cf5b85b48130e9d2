// Package mcp exposes the agent callback tools as an MCP server. Backend
// sessions reach it over streamable HTTP while they reason.
package mcp

import (
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// param describes one tool argument.
type param struct {
	Type        string
	Description string
	Required    bool
	Enum        []string
}

// toolSpec is the declarative form of a callback tool.
type toolSpec struct {
	Name        string
	Description string
	Params      map[string]param
}

// mcpTool converts a toolSpec to an mcp.Tool with a JSON Schema input.
func (s toolSpec) mcpTool() *mcpsdk.Tool {
	props := make(map[string]any, len(s.Params))
	var required []string

	for name, p := range s.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return &mcpsdk.Tool{
		Name:        s.Name,
		Description: s.Description,
		InputSchema: schema,
	}
}

var (
	callAgentSpec = toolSpec{
		Name:        "call_agent",
		Description: "Delegate a task to another agent of this conversation and wait for its answer.",
		Params: map[string]param{
			"target_name": {Type: "string", Description: "Name of the agent to call", Required: true},
			"message":     {Type: "string", Description: "What the agent should do", Required: true},
			"context":     {Type: "string", Description: "Optional background appended to the message"},
		},
	}
	activeAgentsSpec = toolSpec{
		Name:        "get_active_agents",
		Description: "List the agents of this conversation with their current state.",
		Params:      map[string]param{},
	}
	sleepSpec = toolSpec{
		Name:        "sleep",
		Description: "Pause for a number of seconds. You are woken with a system notice afterwards.",
		Params: map[string]param{
			"seconds": {Type: "integer", Description: "How long to sleep, in seconds", Required: true},
		},
	}
	asyncCallAgentSpec = toolSpec{
		Name:        "async_call_agent",
		Description: "Delegate a task to another agent without waiting. Returns the task ID to poll.",
		Params: map[string]param{
			"target":   {Type: "string", Description: "Name of the agent to call", Required: true},
			"task":     {Type: "string", Description: "What the agent should do", Required: true},
			"priority": {Type: "string", Description: "Task priority", Enum: []string{"low", "normal", "high"}},
		},
	}
	taskStatusSpec = toolSpec{
		Name:        "check_async_task_status",
		Description: "Get the status, and the result once finished, of a task started with async_call_agent.",
		Params: map[string]param{
			"task_id": {Type: "string", Description: "Task ID returned by async_call_agent", Required: true},
		},
	}
)
