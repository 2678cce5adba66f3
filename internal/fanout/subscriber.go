package fanout

import (
	"context"
	"sync"
)

// ChanSubscriber is a Subscriber that hands events to a reader through a
// channel. Streaming handlers read Events until Done is closed.
type ChanSubscriber struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewChanSubscriber creates a subscriber whose channel holds size events.
func NewChanSubscriber(size int) *ChanSubscriber {
	if size < 0 {
		size = 0
	}
	return &ChanSubscriber{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Push blocks until the reader accepts the event, the subscriber is
// disposed, or ctx expires. An expired ctx is a transient failure the
// hub retries.
func (c *ChanSubscriber) Push(ctx context.Context, event Event) error {
	select {
	case <-c.done:
		return ErrSubscriberGone
	default:
	}
	select {
	case c.events <- event:
		return nil
	case <-c.done:
		return ErrSubscriberGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose marks the subscriber closed. The events channel is left open
// so a concurrent Push can never panic.
func (c *ChanSubscriber) Dispose() {
	c.once.Do(func() { close(c.done) })
}

// Events is the stream of delivered events.
func (c *ChanSubscriber) Events() <-chan Event { return c.events }

// Done is closed once the subscriber has been disposed.
func (c *ChanSubscriber) Done() <-chan struct{} { return c.done }
