package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volunteer/internal/queue"
)

func TestMergerIsIdempotent(t *testing.T) {
	var applied []int64
	m := NewMerger(func(e Event) { applied = append(applied, e.Version) })

	stream := []Event{
		change(EntitySignup, "s1", 1),
		change(EntitySignup, "s1", 1),
		change(EntitySignup, "s1", 3),
		change(EntitySignup, "s1", 2),
		change(EntityCheckIn, "s1", 1),
	}
	var results []MergeResult
	for _, e := range stream {
		results = append(results, m.Apply(e))
	}

	assert.Equal(t, []MergeResult{Applied, Stale, Applied, Stale, Applied}, results)
	assert.Equal(t, []int64{1, 3, 1}, applied)
	assert.Equal(t, int64(3), m.Version(EntitySignup, "s1"))
	assert.Equal(t, int64(1), m.Version(EntityCheckIn, "s1"))
	assert.Zero(t, m.Version(EntityOpportunity, "o1"))
}

func TestMergerResync(t *testing.T) {
	m := NewMerger(nil)
	assert.Equal(t, ResyncRequired, m.Apply(Event{Topic: topic, Kind: KindResync}))

	m.Reset(map[string]int64{"Signup/s1": 5})
	assert.Equal(t, Stale, m.Apply(change(EntitySignup, "s1", 5)))
	assert.Equal(t, Applied, m.Apply(change(EntitySignup, "s1", 6)))
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "resync_required", ResyncRequired.String())
}

func TestNewChange(t *testing.T) {
	at := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	e, err := NewChange("o1", EntityOpportunity, "o1", 4, at, map[string]int{"capacity_available": 2})
	require.NoError(t, err)
	assert.Equal(t, "opportunity:o1", e.Topic)
	assert.Equal(t, KindChange, e.Kind)
	assert.Equal(t, "Opportunity/o1", e.EntityKey())
	assert.JSONEq(t, `{"capacity_available":2}`, string(e.Payload))

	_, err = NewChange("o1", EntityOpportunity, "o1", 4, at, func() {})
	require.Error(t, err)
}

func TestBusRelaysThroughQueue(t *testing.T) {
	hub := NewHub(Options{Buffer: 8})
	defer hub.Close()
	sub := NewChanSubscriber(8)
	_, err := hub.Subscribe(topic, sub)
	require.NoError(t, err)

	q := queue.NewInMemory(8)
	bus := NewBus(q, hub)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	// Foreign message types on the queue are ignored.
	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeNotify, Body: []byte(`{}`)}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeFanout, Body: []byte(`not json`)}))
	require.NoError(t, bus.Publish(ctx, change(EntitySignup, "s1", 7)))

	got := receive(t, sub)
	assert.Equal(t, "s1", got.EntityID)
	assert.Equal(t, int64(7), got.Version)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop")
	}
}
