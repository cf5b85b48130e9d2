package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// EchoBackend answers every prompt with the prompt itself. The rollout it
// returns is the prior rollout with the exchange appended as JSON lines.
type EchoBackend struct{}

// NewEcho creates an EchoBackend.
func NewEcho() *EchoBackend { return &EchoBackend{} }

type echoTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (EchoBackend) Open(_ context.Context, req Request) (Stream, error) {
	reply := fmt.Sprintf("echo: %s", req.Prompt)

	rollout := append([]byte(nil), req.PriorRollout...)
	for _, turn := range []echoTurn{{Role: "user", Text: req.Prompt}, {Role: "assistant", Text: reply}} {
		line, err := json.Marshal(turn)
		if err != nil {
			return nil, fmt.Errorf("encode echo rollout: %w", err)
		}
		rollout = append(rollout, line...)
		rollout = append(rollout, '\n')
	}

	script := []Response{
		{AdapterLog: "echo backend: turn started"},
	}
	script = append(script, MessageScript(reply, rollout)...)
	return &scriptedStream{owner: &Scripted{}, req: req, script: script}, nil
}
