package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"volunteer/internal/metrics"
	"volunteer/internal/retry"
)

// Subscriber is one connected observer of an opportunity topic.
//
// Push delivers a single event. A returned error is treated as transient
// and the push is retried with backoff, unless it wraps ErrSubscriberGone,
// which unregisters the subscriber at once. Dispose is called exactly once,
// after the last Push, when the subscriber leaves the registry.
type Subscriber interface {
	Push(ctx context.Context, event Event) error
	Dispose()
}

var (
	// ErrSubscriberGone is returned by Push when the observer has disconnected.
	ErrSubscriberGone = errors.New("subscriber gone")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("fanout hub closed")
)

// Options tune delivery. Zero values take the defaults below.
type Options struct {
	// Buffer is the per-subscriber queue length. When it is full the
	// event is dropped and the subscriber is told to resync.
	Buffer int
	// Retry bounds the attempts made to push one event.
	Retry retry.Policy
	// PushTimeout bounds a single Push attempt.
	PushTimeout time.Duration
	Metrics     *metrics.Metrics
}

const (
	defaultBuffer      = 256
	defaultPushTimeout = 5 * time.Second
)

// Hub is the registry of subscribers per topic and the dispatcher that
// pushes events to them. Events for one entity are dispatched in version
// order; an event whose version is not newer than the last one
// dispatched for that entity is dropped.
type Hub struct {
	opts Options

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool

	wg sync.WaitGroup
}

type topicState struct {
	subscribers map[*registration]struct{}
	versions    map[string]int64
}

type registration struct {
	topic  string
	sub    Subscriber
	events chan Event
	wake   chan struct{}
	resync atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// Handle identifies a registration for Unsubscribe.
type Handle struct {
	reg *registration
}

// Topic returns the topic the handle is registered on.
func (h *Handle) Topic() string { return h.reg.topic }

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.Default
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	return &Hub{opts: opts, topics: make(map[string]*topicState)}
}

// Subscribe registers sub on topic and starts its delivery goroutine.
// Events published after Subscribe returns are delivered to sub.
func (h *Hub) Subscribe(topic string, sub Subscriber) (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{
		topic:  topic,
		sub:    sub,
		events: make(chan Event, h.opts.Buffer),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	state := h.topics[topic]
	if state == nil {
		state = &topicState{
			subscribers: make(map[*registration]struct{}),
			versions:    make(map[string]int64),
		}
		h.topics[topic] = state
	}
	state.subscribers[reg] = struct{}{}
	h.opts.Metrics.SubscriberAdded()

	h.wg.Add(1)
	go h.run(reg)

	log.Debug().Str("topic", topic).Int("subscribers", len(state.subscribers)).Msg("subscriber registered")
	return &Handle{reg: reg}, nil
}

// Unsubscribe removes a registration made by Subscribe. Pending events
// are discarded and the subscriber is disposed once its delivery
// goroutine stops. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}
	if h.remove(handle.reg) {
		h.opts.Metrics.SubscriberRemoved()
		log.Debug().Str("topic", handle.reg.topic).Msg("subscriber removed")
	}
	handle.reg.cancel()
}

func (h *Hub) remove(reg *registration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.topics[reg.topic]
	if state == nil {
		return false
	}
	if _, ok := state.subscribers[reg]; !ok {
		return false
	}
	delete(state.subscribers, reg)
	if len(state.subscribers) == 0 {
		delete(h.topics, reg.topic)
	}
	return true
}

// Subscribers returns the number of registrations on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state := h.topics[topic]; state != nil {
		return len(state.subscribers)
	}
	return 0
}

// Publish queues event for every subscriber of its topic. It never
// blocks on a subscriber: a full queue drops the event for that
// subscriber and marks it for resync.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	state := h.topics[event.Topic]
	if state == nil {
		return nil
	}
	if event.Kind == KindChange {
		key := event.EntityKey()
		if last, ok := state.versions[key]; ok && event.Version <= last {
			h.opts.Metrics.Stale()
			return nil
		}
		state.versions[key] = event.Version
	}

	for reg := range state.subscribers {
		select {
		case reg.events <- event:
		default:
			reg.resync.Store(true)
			select {
			case reg.wake <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

// Close unregisters every subscriber and waits for their delivery
// goroutines to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var regs []*registration
	for _, state := range h.topics {
		for reg := range state.subscribers {
			regs = append(regs, reg)
			h.opts.Metrics.SubscriberRemoved()
		}
	}
	h.topics = make(map[string]*topicState)
	h.mu.Unlock()

	for _, reg := range regs {
		reg.cancel()
	}
	h.wg.Wait()
}

// run is the per-subscriber delivery loop. One goroutine per
// registration keeps the events of each subscriber in publish order.
func (h *Hub) run(reg *registration) {
	defer h.wg.Done()
	defer reg.sub.Dispose()

	for {
		select {
		case <-reg.ctx.Done():
			return
		case <-reg.wake:
		case event := <-reg.events:
			if !h.flushResync(reg) {
				return
			}
			if !h.deliver(reg, event) {
				return
			}
			continue
		}
		if !h.flushResync(reg) {
			return
		}
	}
}

// flushResync sends the pending resync notice, if any. It returns false
// when the subscriber is gone.
func (h *Hub) flushResync(reg *registration) bool {
	if !reg.resync.Swap(false) {
		return true
	}
	h.opts.Metrics.Resync()
	return h.deliver(reg, resyncEvent(reg.topic))
}

// deliver pushes one event with bounded retries. Exhausted retries mark
// the subscriber for resync; it returns false only when the subscriber
// is gone or unsubscribed.
func (h *Hub) deliver(reg *registration, event Event) bool {
	err := retry.Do(reg.ctx, h.opts.Retry, func(ctx context.Context) error {
		pushCtx, cancel := context.WithTimeout(ctx, h.opts.PushTimeout)
		defer cancel()
		err := reg.sub.Push(pushCtx, event)
		if errors.Is(err, ErrSubscriberGone) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		h.opts.Metrics.Retried()
		log.Debug().Err(err).Str("topic", reg.topic).Int("attempt", attempt+1).Msg("retrying push")
	})

	switch {
	case err == nil:
		h.opts.Metrics.Delivered()
		return true
	case errors.Is(err, ErrSubscriberGone):
		h.Unsubscribe(&Handle{reg: reg})
		return false
	case reg.ctx.Err() != nil:
		return false
	default:
		log.Warn().Err(err).
			Str("topic", reg.topic).
			Str("entity", event.EntityKey()).
			Int64("version", event.Version).
			Msg("push failed, subscriber marked for resync")
		reg.resync.Store(true)
		if event.Kind == KindChange {
			select {
			case reg.wake <- struct{}{}:
			default:
			}
		}
		return true
	}
}
