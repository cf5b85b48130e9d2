package agents

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/agentoz/internal/backend"
)

// Definition is an agent template, instantiated once per conversation.
type Definition struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Priority    int                   `yaml:"priority"`
	Config      backend.SessionConfig `yaml:"config"`
}

type definitionsFile struct {
	Agents []Definition `yaml:"agents"`
}

// LoadDefinitions reads agent templates from a YAML file:
//
//	agents:
//	  - name: Planner
//	    description: breaks work down
//	    config: {model: gpt-5, instructions: "..."}
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definitions: %w", err)
	}

	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent definitions: %w", err)
	}

	seen := make(map[string]bool, len(f.Agents))
	for i, d := range f.Agents {
		if d.Name == "" {
			return nil, fmt.Errorf("agent definition %d: missing name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("agent definition %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
	}
	return f.Agents, nil
}

// Seed creates the defined agents in a conversation, skipping names that
// already exist there. It returns every agent of the definitions, new or not.
func Seed(store Store, conversationID string, defs []Definition) ([]*Agent, error) {
	out := make([]*Agent, 0, len(defs))
	for _, d := range defs {
		existing, err := store.FindByName(conversationID, d.Name)
		if err == nil {
			out = append(out, existing)
			continue
		}
		if !errors.Is(err, ErrAgentNotFound) {
			return out, err
		}

		a := &Agent{
			ConversationID: conversationID,
			Name:           d.Name,
			Description:    d.Description,
			Priority:       d.Priority,
			State:          "idle",
			Config:         d.Config,
		}
		if err := store.Create(a); err != nil {
			return out, fmt.Errorf("seed agent %q: %w", d.Name, err)
		}
		out = append(out, a)
	}
	return out, nil
}
