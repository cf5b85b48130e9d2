package events

import "context"

type callerKey struct{}

// Caller is the identity of the agent on whose behalf a request runs.
type Caller struct {
	AgentID        string
	ConversationID string
}

// ContextWithCaller returns a new context carrying the caller identity.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext extracts the caller identity, or the zero Caller if absent.
func CallerFromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{}
}
