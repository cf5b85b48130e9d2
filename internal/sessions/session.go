// Package sessions holds the live orchestration state of conversations: the
// task tree, the active-task counter, the cancellation flag and the
// subscribers that receive the conversation's stream events.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/agentoz/internal/stream"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionActive is returned when a root task is submitted for a
	// conversation whose session cannot close yet.
	ErrSessionActive = errors.New("session is still active")
	ErrSessionClosed = errors.New("session stream is closed")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusIdle      Status = "IDLE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DefaultSendTimeout bounds a single delivery to one subscriber.
const DefaultSendTimeout = 200 * time.Millisecond

// Info is a point-in-time snapshot of a session.
type Info struct {
	ConversationID  string    `json:"conversationId"`
	Status          Status    `json:"status"`
	SubscriberCount int       `json:"subscriberCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	MainTaskID      string    `json:"mainTaskId"`
	CurrentAgentID  string    `json:"currentAgentId"`
	ActiveTaskCount int       `json:"activeTaskCount"`
	Cancelled       bool      `json:"cancelled"`
	CancelReason    string    `json:"cancelReason,omitempty"`
}

// Session is the event hub of one conversation.
type Session struct {
	id         string
	mainTaskID string

	mu             sync.Mutex
	currentAgentID string
	status         Status
	tree           map[string][]string
	active         int
	rootFinished   bool
	cancelReason   string
	subscribers    []Consumer
	streamClosed   bool
	createdAt      time.Time
	updatedAt      time.Time

	cancelled   atomic.Bool
	sendTimeout atomic.Int64
}

// NewSession creates an ACTIVE session whose root task is mainTaskID.
func NewSession(conversationID, mainTaskID, agentID string) *Session {
	now := time.Now()
	s := &Session{
		id:             conversationID,
		mainTaskID:     mainTaskID,
		currentAgentID: agentID,
		status:         StatusActive,
		tree:           make(map[string][]string),
		createdAt:      now,
		updatedAt:      now,
	}
	s.sendTimeout.Store(int64(DefaultSendTimeout))
	return s
}

func (s *Session) ID() string         { return s.id }
func (s *Session) MainTaskID() string { return s.mainTaskID }

// SetSendTimeout changes the per-subscriber delivery bound.
func (s *Session) SetSendTimeout(d time.Duration) {
	if d > 0 {
		s.sendTimeout.Store(int64(d))
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) CurrentAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAgentID
}

// Cancelled is lock-free; the execution driver polls it for every event.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// AddChildTask records parent -> child and counts the child as active.
func (s *Session) AddChildTask(parentTaskID, childTaskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree[parentTaskID] = append(s.tree[parentTaskID], childTaskID)
	s.active++
	s.touch()
}

// CompleteSubTask decrements the active count. When it reaches zero after the
// root task has finished, the session completes and its stream closes.
// It reports whether the session completed.
func (s *Session) CompleteSubTask(taskID string) bool {
	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	completed := false
	if s.active == 0 && s.rootFinished && !s.status.Terminal() {
		s.status = StatusCompleted
		completed = true
	}
	s.touch()
	s.mu.Unlock()

	slog.Debug("sub-task completed", "conversation_id", s.id, "task_id", taskID, "session_completed", completed)
	if completed {
		s.TryCloseStream()
	}
	return completed
}

// RootFinished marks the root task drained. The session becomes IDLE; if no
// child is active the stream closes. It reports whether this call closed it.
func (s *Session) RootFinished() bool {
	s.mu.Lock()
	s.rootFinished = true
	if s.status == StatusActive {
		s.status = StatusIdle
	}
	closeNow := s.active == 0
	s.touch()
	s.mu.Unlock()

	if closeNow {
		return s.TryCloseStream()
	}
	return false
}

// Fail moves a non-cancelled session to FAILED.
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusCancelled {
		return
	}
	s.status = StatusFailed
	s.cancelReason = reason
	s.touch()
}

// Cancel is advisory: it stops event forwarding, not in-flight backend calls.
func (s *Session) Cancel(reason string) {
	s.cancelled.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusCancelled
	s.cancelReason = reason
	s.touch()
}

// CanClose is true once the status is terminal, or IDLE with no active task.
func (s *Session) CanClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Terminal() || (s.status == StatusIdle && s.active == 0)
}

// Children returns the direct children of a task.
func (s *Session) Children(parentTaskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tree[parentTaskID]...)
}

// Subscribe adds a live listener. On a closed stream the consumer is closed
// immediately.
func (s *Session) Subscribe(c Consumer) {
	s.mu.Lock()
	if s.streamClosed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.subscribers = append(s.subscribers, c)
	s.mu.Unlock()
}

// Unsubscribe removes a listener without closing it.
func (s *Session) Unsubscribe(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c)
}

func (s *Session) removeLocked(c Consumer) bool {
	for i, sub := range s.subscribers {
		if sub == c {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// SendEvent fans e out to every subscriber, each bounded by the send
// timeout. A subscriber that fails is dropped and closed. Events of a
// cancelled session are swallowed, except the cancellation notice which is
// sent before the flag is set.
func (s *Session) SendEvent(ctx context.Context, e stream.Event) {
	if s.Cancelled() {
		return
	}
	s.mu.Lock()
	subs := append([]Consumer(nil), s.subscribers...)
	s.mu.Unlock()

	timeout := time.Duration(s.sendTimeout.Load())
	for _, c := range subs {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.Send(sendCtx, e)
		cancel()
		if err == nil {
			continue
		}
		slog.Debug("subscriber dropped", "conversation_id", s.id, "error", err)
		s.mu.Lock()
		removed := s.removeLocked(c)
		s.mu.Unlock()
		if removed {
			c.Close()
		}
	}
}

// TryCloseStream closes every subscriber once. It reports whether this call
// closed the stream.
func (s *Session) TryCloseStream() bool {
	s.mu.Lock()
	if s.streamClosed {
		s.mu.Unlock()
		return false
	}
	s.streamClosed = true
	subs := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()

	for _, c := range subs {
		c.Close()
	}
	slog.Debug("session stream closed", "conversation_id", s.id, "subscribers", len(subs))
	return true
}

// StreamClosed reports whether TryCloseStream has run.
func (s *Session) StreamClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamClosed
}

// Info returns a snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ConversationID:  s.id,
		Status:          s.status,
		SubscriberCount: len(s.subscribers),
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
		MainTaskID:      s.mainTaskID,
		CurrentAgentID:  s.currentAgentID,
		ActiveTaskCount: s.active,
		Cancelled:       s.cancelled.Load(),
		CancelReason:    s.cancelReason,
	}
}

func (s *Session) touch() { s.updatedAt = time.Now() }
