// Package opportunity is the capacity and check-in coordination engine:
// the signup ledger, the check-in state machine, admin approval with
// exactly-once hour crediting, and the events they hand to fan-out.
package opportunity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"volunteer/internal/fanout"
	"volunteer/internal/metrics"
)

// AuthZ answers role questions about users.
type AuthZ interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// HoursLedger holds users' aggregate service hours. Credit must apply a
// given idempotency key at most once.
type HoursLedger interface {
	Credit(ctx context.Context, credit HourCredit) error
}

// Notifier sends user-facing notifications. It never blocks the caller
// on delivery and reports no errors.
type Notifier interface {
	Notify(ctx context.Context, userID, eventKind, refID string)
}

// Notification kinds.
const (
	NotifySignupConfirmed = "signup_confirmed"
	NotifySignupCancelled = "signup_cancelled"
	NotifyCheckInApproved = "checkin_approved"
	NotifyCheckInRejected = "checkin_rejected"
)

// Deps are the collaborators shared by the coordination services.
type Deps struct {
	Store    Store
	Events   fanout.Publisher
	Credits  *CreditRelay
	Notifier Notifier
	Metrics  *metrics.Metrics
	// Location interprets opportunity calendar dates. Defaults to time.Local.
	Location *time.Location
	// PublishTimeout bounds handing one event to fan-out.
	PublishTimeout time.Duration
}

const defaultPublishTimeout = 2 * time.Second

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = fanout.Discard
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.PublishTimeout <= 0 {
		d.PublishTimeout = defaultPublishTimeout
	}
	return d
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string) {}

// emit hands committed events to fan-out. The mutation has already
// committed, so failures are logged and counted, never returned.
func (d Deps) emit(ctx context.Context, events ...fanout.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.PublishTimeout)
	defer cancel()
	for _, event := range events {
		if err := d.Events.Publish(ctx, event); err != nil {
			d.Metrics.PublishFailed()
			log.Warn().Err(err).
				Str("topic", event.Topic).
				Str("entity", event.EntityKey()).
				Int64("version", event.Version).
				Msg("fanout publish failed")
		}
	}
}

// logOutcome picks the log level for a failed operation: expected
// business outcomes are debug noise, anything else is an error.
func logOutcome(err error) *zerolog.Event {
	if IsBusiness(err) {
		return log.Debug().Str("code", CodeOf(err))
	}
	return log.Error().Err(err)
}
