package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/dohr-michael/agentoz/internal/stream"
)

var (
	// ErrSubscriberSlow is returned when a bounded send times out.
	ErrSubscriberSlow   = errors.New("subscriber too slow")
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Consumer receives a session's events.
type Consumer interface {
	// Send delivers one event. It must return once ctx is done.
	Send(ctx context.Context, e stream.Event) error
	// Close signals the end of the stream. It must be idempotent.
	Close()
}

// ChanConsumer buffers events in a channel. Events() is closed by Close.
type ChanConsumer struct {
	mu     sync.RWMutex
	ch     chan stream.Event
	closed bool
}

// NewChanConsumer creates a ChanConsumer with the given buffer.
func NewChanConsumer(buffer int) *ChanConsumer {
	if buffer < 0 {
		buffer = 0
	}
	return &ChanConsumer{ch: make(chan stream.Event, buffer)}
}

func (c *ChanConsumer) Send(ctx context.Context, e stream.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.ch <- e:
		return nil
	case <-ctx.Done():
		return ErrSubscriberSlow
	}
}

func (c *ChanConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Events returns the receive side.
func (c *ChanConsumer) Events() <-chan stream.Event { return c.ch }

// FuncConsumer adapts a function. Close runs onClose at most once.
type FuncConsumer struct {
	fn      func(stream.Event) error
	onClose func()
	once    sync.Once
}

// NewFuncConsumer creates a FuncConsumer; onClose may be nil.
func NewFuncConsumer(fn func(stream.Event) error, onClose func()) *FuncConsumer {
	return &FuncConsumer{fn: fn, onClose: onClose}
}

func (f *FuncConsumer) Send(ctx context.Context, e stream.Event) error {
	if err := ctx.Err(); err != nil {
		return ErrSubscriberSlow
	}
	return f.fn(e)
}

func (f *FuncConsumer) Close() {
	f.once.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
	})
}
