package events

import (
	"context"
	"testing"
)

func TestCallerContext(t *testing.T) {
	ctx := context.Background()
	if got := CallerFromContext(ctx); got != (Caller{}) {
		t.Errorf("expected zero caller, got %+v", got)
	}

	ctx = ContextWithCaller(ctx, Caller{AgentID: "agent_1", ConversationID: "C1"})
	got := CallerFromContext(ctx)
	if got.AgentID != "agent_1" || got.ConversationID != "C1" {
		t.Errorf("unexpected caller: %+v", got)
	}
}
