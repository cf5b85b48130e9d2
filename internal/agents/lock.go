package agents

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/agentoz/internal/storage/kv"
)

const (
	lockKeyPrefix = "agent:busy:"

	// DefaultLockTTL bounds how long a crashed driver can keep an agent busy.
	DefaultLockTTL = 30 * time.Minute
)

// Lock is the per-agent admission lock: agentID -> taskID of the running task.
//
// The TTL only self-heals agents left busy by a crashed process. It is not a
// correctness mechanism; every completion and error path must release.
type Lock struct {
	store kv.Store
	ttl   atomic.Int64
}

// NewLock creates a Lock over store. A ttl <= 0 selects DefaultLockTTL.
func NewLock(store kv.Store, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	l := &Lock{store: store}
	l.ttl.Store(int64(ttl))
	return l
}

func lockKey(agentID string) string { return lockKeyPrefix + agentID }

// TTL returns the default lock lifetime.
func (l *Lock) TTL() time.Duration { return time.Duration(l.ttl.Load()) }

// SetTTL changes the default lifetime of future locks.
func (l *Lock) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		l.ttl.Store(int64(ttl))
	}
}

// TryAcquire marks the agent busy with taskID if it is free. A false result
// means the agent is busy; it is not an error. ttl <= 0 uses the default.
func (l *Lock) TryAcquire(ctx context.Context, agentID, taskID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.TTL()
	}
	ok, err := l.store.SetNX(ctx, lockKey(agentID), taskID, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire agent lock %s: %w", agentID, err)
	}
	return ok, nil
}

// Release frees the agent whoever holds it. Releasing a free agent is a no-op.
func (l *Lock) Release(ctx context.Context, agentID string) error {
	if err := l.store.Delete(ctx, lockKey(agentID)); err != nil {
		return fmt.Errorf("release agent lock %s: %w", agentID, err)
	}
	return nil
}

// ReleaseTask frees the agent only if taskID still holds it.
func (l *Lock) ReleaseTask(ctx context.Context, agentID, taskID string) (bool, error) {
	ok, err := l.store.DeleteIf(ctx, lockKey(agentID), taskID)
	if err != nil {
		return false, fmt.Errorf("release agent lock %s: %w", agentID, err)
	}
	return ok, nil
}

// IsBusy reports whether the agent holds a live lock.
func (l *Lock) IsBusy(ctx context.Context, agentID string) (bool, error) {
	_, ok, err := l.Holder(ctx, agentID)
	return ok, err
}

// Holder returns the task currently holding the agent.
func (l *Lock) Holder(ctx context.Context, agentID string) (string, bool, error) {
	taskID, ok, err := l.store.Get(ctx, lockKey(agentID))
	if err != nil {
		return "", false, fmt.Errorf("read agent lock %s: %w", agentID, err)
	}
	return taskID, ok, nil
}
