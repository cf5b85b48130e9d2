// Package agents holds agent records and the per-agent admission primitives:
// the busy lock and the FIFO backlog.
package agents

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/agentoz/internal/backend"
)

var ErrAgentNotFound = errors.New("agent not found")

// Agent is an addressable worker inside one conversation. Its conversation
// state (the rollout) is stored next to it and treated as an opaque blob.
type Agent struct {
	ID                string                `json:"id"`
	ConversationID    string                `json:"conversation_id"`
	Name              string                `json:"name"`
	Description       string                `json:"description,omitempty"`
	State             string                `json:"state,omitempty"`
	Priority          int                   `json:"priority,omitempty"`
	Config            backend.SessionConfig `json:"config"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	LastInteractionAt *time.Time            `json:"last_interaction_at,omitempty"`
}

// GenerateAgentID returns a new agent ID: "agent_" + 8 hex chars.
func GenerateAgentID() string {
	return "agent_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Store persists agents and their rollouts.
type Store interface {
	Create(a *Agent) error
	Get(id string) (*Agent, error)
	FindByName(conversationID, name string) (*Agent, error)
	List(conversationID string) ([]*Agent, error)
	Update(a *Agent) error
	LoadRollout(id string) ([]byte, error)
	SaveRollout(id string, rollout []byte) error
}
