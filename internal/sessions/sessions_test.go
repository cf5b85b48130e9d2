package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/agentoz/internal/stream"
)

type recordingConsumer struct {
	mu     sync.Mutex
	events []stream.Event
	closed int
	fail   error
}

func (r *recordingConsumer) Send(_ context.Context, e stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingConsumer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recordingConsumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func delta(text string) stream.Event {
	raw, _ := json.Marshal(map[string]any{"type": "agent_message_delta", "delta": map[string]any{"text": text}})
	return stream.Processing("agent_message_delta", raw)
}

func TestSessionFanOut(t *testing.T) {
	s := NewSession("C1", "main-C1", "A1")
	a, b := &recordingConsumer{}, &recordingConsumer{}
	s.Subscribe(a)
	s.Subscribe(b)

	s.SendEvent(context.Background(), delta("hi"))

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("fan-out: got %d and %d", a.count(), b.count())
	}
	if s.Info().SubscriberCount != 2 {
		t.Errorf("subscribers: got %d", s.Info().SubscriberCount)
	}
}

func TestSessionDropsFailingSubscriber(t *testing.T) {
	s := NewSession("C1", "main-C1", "A1")
	dead := &recordingConsumer{fail: errors.New("broken pipe")}
	alive := &recordingConsumer{}
	s.Subscribe(dead)
	s.Subscribe(alive)

	s.SendEvent(context.Background(), delta("one"))
	s.SendEvent(context.Background(), delta("two"))

	if alive.count() != 2 {
		t.Errorf("alive subscriber: got %d events, want 2", alive.count())
	}
	if dead.closed != 1 {
		t.Errorf("dead subscriber should be closed once, got %d", dead.closed)
	}
	if s.Info().SubscriberCount != 1 {
		t.Errorf("subscribers: got %d, want 1", s.Info().SubscriberCount)
	}
}

func TestSessionSlowSubscriberIsBounded(t *testing.T) {
	s := NewSession("C1", "main-C1", "A1")
	s.SetSendTimeout(20 * time.Millisecond)

	slow := NewChanConsumer(0) // nobody reads
	fast := &recordingConsumer{}
	s.Subscribe(slow)
	s.Subscribe(fast)

	start := time.Now()
	s.SendEvent(context.Background(), delta("x"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("SendEvent blocked for %s", elapsed)
	}
	if fast.count() != 1 {
		t.Errorf("fast subscriber: got %d", fast.count())
	}
	if s.Info().SubscriberCount != 1 {
		t.Errorf("slow subscriber should be removed")
	}
	if _, ok := <-slow.Events(); ok {
		t.Error("slow consumer should be closed")
	}
}

func TestSessionCancelSwallowsEvents(t *testing.T) {
	s := NewSession("C1", "main-C1", "A1")
	c := &recordingConsumer{}
	s.Subscribe(c)

	s.SendEvent(context.Background(), delta("before"))
	s.Cancel("user request")
	s.SendEvent(context.Background(), delta("after"))

	if c.count() != 1 {
		t.Errorf("events after cancel must be swallowed, got %d", c.count())
	}
	info := s.Info()
	if info.Status != StatusCancelled || !info.Cancelled || info.CancelReason != "user request" {
		t.Errorf("info: got %+v", info)
	}
	if !s.CanClose() {
		t.Error("cancelled session should be closable")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession("C1", "main-C1", "A1")
	c := &recordingConsumer{}
	s.Subscribe(c)

	s.AddChildTask("main-C1", "t1")
	s.AddChildTask("main-C1", "t2")
	if got := s.Children("main-C1"); len(got) != 2 || got[0] != "t1" {
		t.Errorf("children: got %v", got)
	}

	if s.CompleteSubTask("t1") {
		t.Error("session must not complete while the root is running")
	}
	s.RootFinished()
	if s.Status() != StatusIdle {
		t.Errorf("status: got %s, want IDLE", s.Status())
	}
	if s.CanClose() || s.StreamClosed() {
		t.Error("IDLE with an active child must stay open")
	}

	if !s.CompleteSubTask("t2") {
		t.Error("last child should complete the session")
	}
	if s.Status() != StatusCompleted {
		t.Errorf("status: got %s, want COMPLETED", s.Status())
	}
	if !s.StreamClosed() || c.closed != 1 {
		t.Errorf("stream should be closed once, closed=%d", c.closed)
	}
	if s.TryCloseStream() {
		t.Error("TryCloseStream must run only once")
	}
}

func TestSessionRootFinishedWithoutChildren(t *testing.T) {
	s := NewSession("C1", "main-C1", "A1")
	c := &recordingConsumer{}
	s.Subscribe(c)
	s.RootFinished()

	if s.Status() != StatusIdle || !s.CanClose() || c.closed != 1 {
		t.Errorf("status=%s canClose=%v closed=%d", s.Status(), s.CanClose(), c.closed)
	}

	late := &recordingConsumer{}
	s.Subscribe(late)
	if late.closed != 1 {
		t.Error("subscribing to a closed stream should complete immediately")
	}
}

func TestSessionFail(t *testing.T) {
	s := NewSession("C1", "main-C1", "A1")
	s.Fail("backend down")
	if s.Status() != StatusFailed || !s.CanClose() {
		t.Errorf("status=%s", s.Status())
	}

	c := NewSession("C2", "main-C2", "A1")
	c.Cancel("stop")
	c.Fail("late error")
	if c.Status() != StatusCancelled {
		t.Errorf("fail must not override cancel, got %s", c.Status())
	}
}

func TestChanConsumer(t *testing.T) {
	c := NewChanConsumer(1)
	if err := c.Send(context.Background(), delta("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Send(ctx, delta("b")); !errors.Is(err, ErrSubscriberSlow) {
		t.Errorf("full buffer: got %v, want ErrSubscriberSlow", err)
	}
	c.Close()
	c.Close()
	if err := c.Send(context.Background(), delta("c")); !errors.Is(err, ErrSubscriberClosed) {
		t.Errorf("after close: got %v, want ErrSubscriberClosed", err)
	}
	if e, ok := <-c.Events(); !ok || stream.ExtractText(e.RawPayload) != "a" {
		t.Error("buffered event should still be readable")
	}
}

func TestManager(t *testing.T) {
	archive := NewFileArchive(t.TempDir())
	m := NewManager(archive)

	s, err := m.Create("C1", "main-C1", "A1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !m.HasActive("C1") {
		t.Error("C1 should be active")
	}
	if _, err := m.Create("C1", "main-C1", "A1"); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Create: got %v, want ErrSessionActive", err)
	}

	s.RootFinished()
	s2, err := m.Create("C1", "main-C1", "A2")
	if err != nil {
		t.Fatalf("replace closable session: %v", err)
	}
	if s2 == s || s2.CurrentAgentID() != "A2" {
		t.Error("closable session should be replaced")
	}

	if _, err := m.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get unknown: got %v", err)
	}

	if _, err := m.Create("C2", "main-C2", "A1"); err != nil {
		t.Fatal(err)
	}
	c3, _ := m.Create("C3", "main-C3", "A1")
	c3.Cancel("stop")

	st := m.Statistics()
	if st.Total != 3 || st.Active != 2 || st.Cancelled != 1 {
		t.Errorf("statistics: got %+v", st)
	}

	removed := m.CleanupCompleted()
	if len(removed) != 1 || removed[0] != "C3" {
		t.Errorf("cleanup: got %v", removed)
	}
	if len(m.List()) != 2 {
		t.Errorf("list: got %d", len(m.List()))
	}

	if !m.Remove("C2") || m.Remove("C2") {
		t.Error("Remove should report existence")
	}

	archived, err := archive.List()
	if err != nil {
		t.Fatal(err)
	}
	// C1 (replaced), C3 (cleaned up), C2 (removed).
	if len(archived) != 3 {
		t.Errorf("archive: got %d snapshots", len(archived))
	}
	info, err := archive.Get("C3")
	if err != nil || info.Status != StatusCancelled {
		t.Errorf("archived C3: %+v %v", info, err)
	}
}

func TestRegistryNestedRouting(t *testing.T) {
	r := NewRegistry()
	s := NewSession("C1", "R", "A1")
	sub := &recordingConsumer{}
	s.Subscribe(sub)

	r.RegisterRoot("R", s)
	if err := r.RegisterChild("R", "C"); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterChild("C", "G"); err != nil {
		t.Fatal(err)
	}

	e := delta("from grandchild").WithSender("A3", "Worker")
	if err := r.SendEvent(context.Background(), "G", e); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if sub.count() != 1 || sub.events[0].SenderAgentID != "A3" {
		t.Errorf("grandchild event not routed: %+v", sub.events)
	}
	if r.RootOf("G") != "R" {
		t.Errorf("RootOf(G): got %q", r.RootOf("G"))
	}

	// Unregistering the intermediate task keeps the grandchild routable.
	r.Unregister("C")
	if _, ok := r.Lookup("G"); !ok {
		t.Error("G should still resolve after C is unregistered")
	}
	r.Unregister("G")
	r.Unregister("R")
	if r.Size() != 0 {
		t.Errorf("size: got %d", r.Size())
	}
	if err := r.SendEvent(context.Background(), "G", e); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown task: got %v", err)
	}
	if err := r.RegisterChild("missing", "X"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown parent: got %v", err)
	}
}
