// Package fanout broadcasts committed opportunity mutations to connected
// observers. Delivery is at-least-once; observers merge events by entity
// id and version and fall back to a full reload on a resync event.
package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EntityType names the kind of record an event describes.
type EntityType string

const (
	EntitySignup      EntityType = "Signup"
	EntityCheckIn     EntityType = "CheckIn"
	EntityOpportunity EntityType = "Opportunity"
)

// Kind discriminates change events from control events.
type Kind string

const (
	// KindChange carries a snapshot of one entity at one version.
	KindChange Kind = "change"
	// KindResync tells the observer it may have missed events and must
	// reload the full opportunity state.
	KindResync Kind = "resync"
)

// Event is one committed mutation, scoped to an opportunity topic.
type Event struct {
	Topic      string          `json:"topic"`
	Kind       Kind            `json:"kind"`
	EntityType EntityType      `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Version    int64           `json:"version,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Topic returns the topic name for an opportunity.
func Topic(opportunityID string) string {
	return "opportunity:" + opportunityID
}

// NewChange builds a change event whose payload is the JSON form of snapshot.
func NewChange(opportunityID string, entityType EntityType, entityID string, version int64, at time.Time, snapshot any) (Event, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return Event{}, errors.Wrapf(err, "encode %s %s", entityType, entityID)
	}
	return Event{
		Topic:      Topic(opportunityID),
		Kind:       KindChange,
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		OccurredAt: at,
		Payload:    payload,
	}, nil
}

func resyncEvent(topic string) Event {
	return Event{Topic: topic, Kind: KindResync, OccurredAt: time.Now().UTC()}
}

// EntityKey identifies the entity an event is about.
func (e Event) EntityKey() string {
	return string(e.EntityType) + "/" + e.EntityID
}

// Publisher accepts committed events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
