// Package ws serves live conversation streams to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
	"github.com/dohr-michael/agentoz/internal/sessions"
	"github.com/dohr-michael/agentoz/internal/stream"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

// Service is what the hub needs from the orchestrator.
type Service interface {
	SubmitRoot(ctx context.Context, conversationID, agentID, message string, subscribers ...sessions.Consumer) (*sessions.Session, error)
	SubmitSubTask(ctx context.Context, req orchestrator.SubTaskRequest) (*tasks.Task, error)
	TaskStatus(ctx context.Context, taskID string) (tasks.StatusView, error)
	Subscribe(ctx context.Context, conversationID string, c sessions.Consumer) error
	Unsubscribe(conversationID string, c sessions.Consumer)
	CancelSession(ctx context.Context, conversationID, reason string) (sessions.Info, error)
	SessionInfo(conversationID string) (sessions.Info, error)
}

// DefaultSendBuffer is the per-client outbound frame queue length.
const DefaultSendBuffer = 256

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	mu     sync.RWMutex
	send   chan []byte
	closed bool
	subs   map[string]sessions.Consumer // conversation -> consumer
}

// Hub manages WebSocket clients. Stream events reach a client through the
// session consumers it registers; lifecycle events from the bus are forwarded
// to clients subscribed to the event's conversation.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	service     Service
	sendBuffer  int
	unsubscribe func()
}

// NewHub creates a hub bridged to the lifecycle bus. bus may be nil.
func NewHub(service Service, bus *events.Bus) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		service:    service,
		sendBuffer: DefaultSendBuffer,
	}
	if bus != nil {
		h.unsubscribe = bus.Subscribe(h.forwardLifecycle)
	}
	return h
}

// SetSendBuffer sets the queue length for clients connected afterwards.
func (h *Hub) SetSendBuffer(n int) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	h.sendBuffer = n
	h.mu.Unlock()
}

// forwardLifecycle runs on the bus dispatch goroutine and never blocks.
func (h *Hub) forwardLifecycle(e events.Event) {
	if e.ConversationID == "" {
		return
	}
	frame, err := NewEventFrame(string(e.Type), e.ConversationID, e)
	if err != nil {
		slog.Error("marshal event frame", "error", err)
		return
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		slog.Error("marshal frame", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribed(e.ConversationID) {
			c.enqueue(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	for conv, consumer := range c.detachAll() {
		h.service.Unsubscribe(conv, consumer)
	}
	c.shutdown()
	slog.Info("ws client disconnected", "clients", n)
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	h.mu.RLock()
	buffer := h.sendBuffer
	h.mu.RUnlock()

	client := &Client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, buffer),
		subs: make(map[string]sessions.Consumer),
	}
	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		h.unregister(c)
	}
}

// enqueue drops the frame when the client is gone or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) subscribed(conv string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[conv]
	return ok
}

func (c *Client) detachAll() map[string]sessions.Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs
	c.subs = make(map[string]sessions.Consumer)
	return subs
}

// consumerFor builds the session consumer that turns stream events into
// event frames for this client.
func (c *Client) consumerFor(conv string) sessions.Consumer {
	var consumer *sessions.FuncConsumer
	consumer = sessions.NewFuncConsumer(func(e stream.Event) error {
		data, err := eventFrame(string(e.Status), conv, e)
		if err != nil {
			return err
		}
		if !c.enqueue(data) {
			return sessions.ErrSubscriberSlow
		}
		return nil
	}, func() {
		c.mu.Lock()
		if current, ok := c.subs[conv]; ok && current == sessions.Consumer(consumer) {
			delete(c.subs, conv)
		}
		c.mu.Unlock()
		if data, err := eventFrame(EventStreamClosed, conv, map[string]string{"conversation_id": conv}); err == nil {
			c.enqueue(data)
		}
	})
	return consumer
}

// track records a new consumer for conv, replacing and detaching an older
// subscription of the same client.
func (c *Client) track(conv string) sessions.Consumer {
	consumer := c.consumerFor(conv)
	c.mu.Lock()
	old := c.subs[conv]
	c.subs[conv] = consumer
	c.mu.Unlock()
	if old != nil {
		c.hub.service.Unsubscribe(conv, old)
	}
	return consumer
}

func (c *Client) untrack(conv string, consumer sessions.Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[conv] == consumer {
		delete(c.subs, conv)
	}
}

// attach subscribes the client to a live conversation.
func (c *Client) attach(ctx context.Context, conv string) error {
	consumer := c.track(conv)
	if err := c.hub.service.Subscribe(ctx, conv, consumer); err != nil {
		c.untrack(conv, consumer)
		return err
	}
	return nil
}

func eventFrame(event, conv string, payload any) ([]byte, error) {
	f, err := NewEventFrame(event, conv, payload)
	if err != nil {
		return nil, err
	}
	return MarshalFrame(f)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		if frame.Type != FrameTypeRequest {
			slog.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	svc := c.hub.service

	switch Method(frame.Method) {
	case MethodStartSession:
		var p StartSessionParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		consumer := c.track(p.ConversationID)
		s, err := svc.SubmitRoot(ctx, p.ConversationID, p.AgentID, p.Message, consumer)
		if err != nil {
			c.untrack(p.ConversationID, consumer)
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, s.Info())

	case MethodSubscribe:
		var p SubscribeParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		if err := c.attach(ctx, p.ConversationID); err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		info, err := svc.SessionInfo(p.ConversationID)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, info)

	case MethodSubmitTask:
		var p SubmitTaskParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		prio, ok := tasks.ParsePriority(p.Priority)
		if !ok {
			c.sendError(frame.ID, "invalid priority: "+p.Priority)
			return
		}
		t, err := svc.SubmitSubTask(ctx, orchestrator.SubTaskRequest{
			ConversationID: p.ConversationID,
			ParentTaskID:   p.ParentTaskID,
			CallerAgentID:  p.CallerAgentID,
			TargetAgentID:  p.TargetAgentID,
			Description:    p.Description,
			Priority:       prio,
		})
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		view, err := svc.TaskStatus(ctx, t.ID)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, view)

	case MethodCancelSession:
		var p CancelSessionParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		info, err := svc.CancelSession(ctx, p.ConversationID, p.Reason)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, info)

	case MethodSessionInfo:
		var p SubscribeParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		info, err := svc.SessionInfo(p.ConversationID)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, info)

	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}
