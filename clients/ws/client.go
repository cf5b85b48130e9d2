// Package ws provides a WebSocket client for the agentoz gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	wsprotocol "github.com/dohr-michael/agentoz/internal/gateway/ws"
	"github.com/dohr-michael/agentoz/internal/sessions"
	"github.com/dohr-michael/agentoz/internal/stream"
)

// Client is a WebSocket client for the agentoz gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	// Rollouts may be large.
	conn.SetReadLimit(16 << 20)

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

func (c *Client) request(method wsprotocol.Method, params any) (string, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	frame, err := wsprotocol.NewRequestFrame(fmt.Sprintf("req-%d", seq), method, params)
	if err != nil {
		return "", err
	}
	if err := wsjson.Write(c.ctx, c.conn, frame); err != nil {
		return "", err
	}
	return frame.ID, nil
}

// StartSession submits the root task of a conversation and subscribes to it.
// It returns the request ID of the frame sent.
func (c *Client) StartSession(conversationID, agentID, message string) (string, error) {
	return c.request(wsprotocol.MethodStartSession, wsprotocol.StartSessionParams{
		ConversationID: conversationID,
		AgentID:        agentID,
		Message:        message,
	})
}

// Subscribe attaches to a live conversation.
func (c *Client) Subscribe(conversationID string) (string, error) {
	return c.request(wsprotocol.MethodSubscribe, wsprotocol.SubscribeParams{ConversationID: conversationID})
}

// SubmitTask delegates a task inside a conversation.
func (c *Client) SubmitTask(p wsprotocol.SubmitTaskParams) (string, error) {
	return c.request(wsprotocol.MethodSubmitTask, p)
}

// CancelSession cancels a conversation.
func (c *Client) CancelSession(conversationID, reason string) (string, error) {
	return c.request(wsprotocol.MethodCancelSession, wsprotocol.CancelSessionParams{
		ConversationID: conversationID,
		Reason:         reason,
	})
}

// SessionInfo asks for the session snapshot.
func (c *Client) SessionInfo(conversationID string) (string, error) {
	return c.request(wsprotocol.MethodSessionInfo, wsprotocol.SubscribeParams{ConversationID: conversationID})
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	var f wsprotocol.Frame
	err := wsjson.Read(c.ctx, c.conn, &f)
	return f, err
}

// StreamEvent decodes the payload of a stream event frame (event name
// PROCESSING, FINISHED or ERROR).
func StreamEvent(f wsprotocol.Frame) (stream.Event, bool) {
	switch stream.Status(f.Event) {
	case stream.StatusProcessing, stream.StatusFinished, stream.StatusError:
	default:
		return stream.Event{}, false
	}
	var e stream.Event
	if err := json.Unmarshal(f.Payload, &e); err != nil {
		return stream.Event{}, false
	}
	return e, true
}

// SessionInfoOf decodes the payload of a session response frame.
func SessionInfoOf(f wsprotocol.Frame) (sessions.Info, error) {
	var info sessions.Info
	err := json.Unmarshal(f.Payload, &info)
	return info, err
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
