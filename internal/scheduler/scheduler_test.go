package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/storage/kv"
)

type dispatchLog struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newDispatchLog() *dispatchLog {
	return &dispatchLog{ch: make(chan string, 64)}
}

func (d *dispatchLog) fn(taskID string) {
	d.mu.Lock()
	d.ids = append(d.ids, taskID)
	d.mu.Unlock()
	d.ch <- taskID
}

func (d *dispatchLog) next(t *testing.T) string {
	t.Helper()
	select {
	case id := <-d.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatch")
		return ""
	}
}

func (d *dispatchLog) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case id := <-d.ch:
		t.Fatalf("unexpected dispatch of %s", id)
	case <-time.After(wait):
	}
}

func newBacklogFixture(t *testing.T, poll time.Duration) (*BacklogScheduler, *agents.Backlog, *agents.Lock) {
	t.Helper()
	store := kv.NewMemoryStore()
	backlog := agents.NewBacklog(store)
	locks := agents.NewLock(store, time.Minute)
	s := NewBacklogScheduler(backlog, locks, poll)
	s.Start()
	t.Cleanup(s.Stop)
	return s, backlog, locks
}

func TestBacklogFIFO(t *testing.T) {
	ctx := context.Background()
	s, backlog, locks := newBacklogFixture(t, time.Hour)
	d := newDispatchLog()

	for _, id := range []string{"T1", "T2", "T3"} {
		if err := backlog.Push(ctx, "A2", id); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"T1", "T2", "T3"} {
		s.NotifyAgentFree("A2", d.fn)
		got := d.next(t)
		if got != want {
			t.Fatalf("dispatch order: got %s, want %s", got, want)
		}
		holder, ok, _ := locks.Holder(ctx, "A2")
		if !ok || holder != want {
			t.Fatalf("lock must be held by %s at dispatch, got %q", want, holder)
		}
		if _, err := locks.ReleaseTask(ctx, "A2", want); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBacklogNotDrainedWhileLocked(t *testing.T) {
	ctx := context.Background()
	s, backlog, locks := newBacklogFixture(t, time.Hour)
	d := newDispatchLog()

	if ok, _ := locks.TryAcquire(ctx, "A1", "running", 0); !ok {
		t.Fatal("TryAcquire")
	}
	if err := backlog.Push(ctx, "A1", "queued"); err != nil {
		t.Fatal(err)
	}

	s.NotifyAgentFree("A1", d.fn)
	d.none(t, 50*time.Millisecond)

	if n, _ := backlog.Size(ctx, "A1"); n != 1 {
		t.Errorf("backlog size: got %d, want 1", n)
	}

	if err := locks.Release(ctx, "A1"); err != nil {
		t.Fatal(err)
	}
	s.NotifyAgentFree("A1", d.fn)
	if got := d.next(t); got != "queued" {
		t.Errorf("dispatch: got %s", got)
	}
}

func TestBacklogConcurrentNotificationsDispatchOnce(t *testing.T) {
	ctx := context.Background()
	s, backlog, _ := newBacklogFixture(t, time.Hour)
	d := newDispatchLog()

	for _, id := range []string{"T1", "T2"} {
		if err := backlog.Push(ctx, "A1", id); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NotifyAgentFree("A1", d.fn)
		}()
	}
	wg.Wait()

	if got := d.next(t); got != "T1" {
		t.Fatalf("first dispatch: got %s", got)
	}
	// T1 still holds the lock, so T2 must wait however many signals arrived.
	d.none(t, 100*time.Millisecond)
	if n, _ := backlog.Size(ctx, "A1"); n != 1 {
		t.Errorf("backlog size: got %d, want 1", n)
	}
}

func TestBacklogPollRecoversExpiredLock(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	backlog := agents.NewBacklog(store)
	locks := agents.NewLock(store, time.Minute)
	s := NewBacklogScheduler(backlog, locks, 20*time.Millisecond)
	s.Start()
	t.Cleanup(s.Stop)
	d := newDispatchLog()

	// A crashed driver left a short-lived lock behind.
	if ok, _ := locks.TryAcquire(ctx, "A1", "crashed", 50*time.Millisecond); !ok {
		t.Fatal("TryAcquire")
	}
	if err := backlog.Push(ctx, "A1", "next"); err != nil {
		t.Fatal(err)
	}
	s.NotifyAgentFree("A1", d.fn)

	if got := d.next(t); got != "next" {
		t.Errorf("dispatch after TTL: got %s", got)
	}
}

func TestDelayedQueue(t *testing.T) {
	released := make(chan string, 8)
	q := NewDelayedQueue(func(id string) { released <- id })
	q.Start()
	t.Cleanup(q.Stop)

	start := time.Now()
	q.ScheduleAfter("late", 150*time.Millisecond)
	q.ScheduleAfter("early", 50*time.Millisecond)
	q.ScheduleAfter("cancelled", 60*time.Millisecond)
	if !q.Cancel("cancelled") {
		t.Fatal("Cancel should find the pending task")
	}
	if q.Pending() != 2 {
		t.Errorf("pending: got %d, want 2", q.Pending())
	}

	for _, want := range []struct {
		id  string
		min time.Duration
	}{{"early", 50 * time.Millisecond}, {"late", 150 * time.Millisecond}} {
		select {
		case got := <-released:
			if got != want.id {
				t.Fatalf("release order: got %s, want %s", got, want.id)
			}
			if elapsed := time.Since(start); elapsed < want.min {
				t.Errorf("%s released after %s, before its delay %s", got, elapsed, want.min)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want.id)
		}
	}

	select {
	case got := <-released:
		t.Errorf("unexpected release of %s", got)
	case <-time.After(100 * time.Millisecond):
	}
	if q.Pending() != 0 {
		t.Errorf("pending after release: got %d", q.Pending())
	}
}

func TestDelayedQueueReschedule(t *testing.T) {
	released := make(chan string, 2)
	q := NewDelayedQueue(func(id string) { released <- id })
	q.Start()
	t.Cleanup(q.Stop)

	q.ScheduleAfter("t1", time.Hour)
	due, ok := q.Due("t1")
	if !ok || time.Until(due) < 59*time.Minute {
		t.Fatalf("due: got %v %v", due, ok)
	}
	q.ScheduleAt("t1", time.Now().Add(-time.Second))

	select {
	case got := <-released:
		if got != "t1" {
			t.Errorf("got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled task was not released")
	}
}

type fakeCleaner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCleaner) CleanupCompleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []string{"C1"}
}

func TestSweeper(t *testing.T) {
	cleaner := &fakeCleaner{}
	var got []string
	sw, err := NewSweeper(cleaner, "", func(removed []string) { got = removed })
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sw.Sweep()
	if cleaner.calls != 1 || len(got) != 1 || got[0] != "C1" {
		t.Errorf("sweep: calls=%d removed=%v", cleaner.calls, got)
	}

	if err := sw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sw.Stop()
	sw.Stop()

	if _, err := NewSweeper(cleaner, "every tuesday", nil); err == nil {
		t.Error("invalid schedule should be rejected")
	}
}
