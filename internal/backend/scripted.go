package backend

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Scripted replays a fixed response list per request. It is meant for tests
// and for wiring checks without a real engine.
type Scripted struct {
	// Script builds the responses for a request.
	Script func(req Request) []Response
	// Step, if set, runs before each response is delivered. It may block.
	Step func(ctx context.Context, req Request, index int, resp Response)
	// Delay is slept before each response.
	Delay time.Duration
	// OpenErr makes Open fail.
	OpenErr error

	mu       sync.Mutex
	requests []Request
}

// Open records the request and returns a stream over its script.
func (s *Scripted) Open(_ context.Context, req Request) (Stream, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	var script []Response
	if s.Script != nil {
		script = s.Script(req)
	}
	return &scriptedStream{owner: s, req: req, script: script}, nil
}

// Requests returns every request opened so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

type scriptedStream struct {
	owner  *Scripted
	req    Request
	script []Response
	pos    int
}

func (st *scriptedStream) Recv(ctx context.Context) (Response, error) {
	if st.pos >= len(st.script) {
		return Response{}, io.EOF
	}
	resp := st.script[st.pos]
	if st.owner.Delay > 0 {
		select {
		case <-time.After(st.owner.Delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if st.owner.Step != nil {
		st.owner.Step(ctx, st.req, st.pos, resp)
	}
	st.pos++
	return resp, nil
}

func (st *scriptedStream) Close() error { return nil }

// EventJSON marshals v into an EventJSON response.
func EventJSON(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{EventJSON: string(data)}
}

// MessageScript is a typical successful turn: one text delta, the final
// message item, then the new rollout.
func MessageScript(text string, rollout []byte) []Response {
	return []Response{
		EventJSON(map[string]any{"type": "agent_message_delta", "delta": map[string]any{"text": text}}),
		EventJSON(map[string]any{"type": "item_completed", "item": map[string]any{"type": "agent_message", "text": text}}),
		{UpdatedRollout: rollout},
	}
}
