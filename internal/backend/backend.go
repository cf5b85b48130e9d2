// Package backend defines the boundary to the external streaming compute backend
// (the LLM engine) and ships development and test implementations of it.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrStreamTruncated means the stream ended without a rollout or error message.
	ErrStreamTruncated = errors.New("backend stream ended without a terminal message")
	// ErrBackendClosed is returned when opening a stream on a closed backend.
	ErrBackendClosed = errors.New("backend is closed")
)

// MCPServer is a tool server the backend connects to while reasoning.
type MCPServer struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// SessionConfig is the per-agent configuration handed to the backend.
type SessionConfig struct {
	Model          string               `json:"model,omitempty" yaml:"model,omitempty"`
	Provider       string               `json:"provider,omitempty" yaml:"provider,omitempty"`
	Instructions   string               `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	SandboxPolicy  string               `json:"sandbox_policy,omitempty" yaml:"sandbox_policy,omitempty"`
	ApprovalPolicy string               `json:"approval_policy,omitempty" yaml:"approval_policy,omitempty"`
	MCPServers     map[string]MCPServer `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
}

// WithMCPServer returns a copy of c with the named server added or replaced.
func (c SessionConfig) WithMCPServer(name string, srv MCPServer) SessionConfig {
	servers := make(map[string]MCPServer, len(c.MCPServers)+1)
	for k, v := range c.MCPServers {
		servers[k] = v
	}
	servers[name] = srv
	c.MCPServers = servers
	return c
}

// Request opens one streaming call.
type Request struct {
	RequestID    string        `json:"request_id"`
	SessionID    string        `json:"session_id"`
	Prompt       string        `json:"prompt"`
	Config       SessionConfig `json:"session_config"`
	PriorRollout []byte        `json:"prior_rollout,omitempty"`
}

// Response is one stream message. Exactly one field is set.
type Response struct {
	EventJSON      string `json:"event_json,omitempty"`
	AdapterLog     string `json:"adapter_log,omitempty"`
	UpdatedRollout []byte `json:"updated_rollout,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Terminal reports whether r ends the stream.
func (r Response) Terminal() bool {
	return r.UpdatedRollout != nil || r.Error != ""
}

// Stream yields responses until io.EOF.
type Stream interface {
	Recv(ctx context.Context) (Response, error)
	Close() error
}

// Backend opens streaming calls. It has no mid-stream cancellation: callers
// drain a stream to its end even when they are no longer interested in it.
type Backend interface {
	Open(ctx context.Context, req Request) (Stream, error)
}
