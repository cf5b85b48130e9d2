package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// DelayedQueue holds task IDs until their due time, then hands them to the
// release function. A task is invisible to the lock and the backlog until
// then. Delivery happens at least at the due time, never before.
type DelayedQueue struct {
	release func(taskID string)

	mu    sync.Mutex
	items delayHeap
	byID  map[string]*delayItem

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	started bool
}

// NewDelayedQueue creates a stopped queue.
func NewDelayedQueue(release func(taskID string)) *DelayedQueue {
	return &DelayedQueue{
		release: release,
		byID:    make(map[string]*delayItem),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// ScheduleAfter makes taskID due after delay.
func (q *DelayedQueue) ScheduleAfter(taskID string, delay time.Duration) {
	q.ScheduleAt(taskID, time.Now().Add(delay))
}

// ScheduleAt makes taskID due at the given time. Scheduling a pending task
// again moves its due time.
func (q *DelayedQueue) ScheduleAt(taskID string, at time.Time) {
	q.mu.Lock()
	if it, ok := q.byID[taskID]; ok {
		it.due = at
		heap.Fix(&q.items, it.index)
	} else {
		it := &delayItem{taskID: taskID, due: at}
		heap.Push(&q.items, it)
		q.byID[taskID] = it
	}
	q.mu.Unlock()
	q.signal()
}

// Cancel removes a pending task. It reports whether the task was pending.
func (q *DelayedQueue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, taskID)
	return true
}

// Pending is the number of tasks not yet released.
func (q *DelayedQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Due returns the due time of a pending task.
func (q *DelayedQueue) Due(taskID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[taskID]
	if !ok {
		return time.Time{}, false
	}
	return it.due, true
}

// Start launches the timer goroutine.
func (q *DelayedQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.loop()
}

// Stop halts the timer goroutine. Pending tasks stay pending.
func (q *DelayedQueue) Stop() {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	select {
	case <-q.done:
		return
	default:
		close(q.done)
	}
	if started {
		<-q.stopped
	}
}

func (q *DelayedQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *DelayedQueue) loop() {
	defer close(q.stopped)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, taskID := range q.popDue(time.Now()) {
			slog.Debug("delayed task released", "task_id", taskID)
			q.release(taskID)
		}

		wait := time.Hour
		q.mu.Lock()
		if len(q.items) > 0 {
			wait = time.Until(q.items[0].due)
		}
		q.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *DelayedQueue) popDue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for len(q.items) > 0 && !q.items[0].due.After(now) {
		it := heap.Pop(&q.items).(*delayItem)
		delete(q.byID, it.taskID)
		due = append(due, it.taskID)
	}
	return due
}

type delayItem struct {
	taskID string
	due    time.Time
	index  int
}

type delayHeap []*delayItem

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].taskID < h[j].taskID
	}
	return h[i].due.Before(h[j].due)
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	it := x.(*delayItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
