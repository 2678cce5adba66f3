package fanout

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"volunteer/internal/queue"
)

// Bus relays committed events through a queue to the local Hub. Backed
// by queue.RedisBroadcast it lets every API replica's hub see every
// mutation, whichever replica committed it.
type Bus struct {
	q   queue.Queue
	hub *Hub
}

// NewBus connects q to hub. Call Run to start relaying.
func NewBus(q queue.Queue, hub *Hub) *Bus {
	return &Bus{q: q, hub: hub}
}

// Publish hands event to the queue.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode fanout event")
	}
	return b.q.Publish(ctx, queue.Message{Type: queue.TypeFanout, Body: body})
}

// Run consumes the queue and publishes each event on the hub until ctx
// is done.
func (b *Bus) Run(ctx context.Context) error {
	messages, err := b.q.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "consume fanout queue")
	}
	for msg := range messages {
		if msg.Type != queue.TypeFanout {
			continue
		}
		var event Event
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			log.Warn().Err(err).Msg("dropping undecodable fanout message")
			continue
		}
		if err := b.hub.Publish(ctx, event); err != nil {
			return err
		}
	}
	return ctx.Err()
}
