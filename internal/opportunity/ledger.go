package opportunity

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SignupLedger owns the opportunity → signups mapping and the capacity
// counter. It is the only writer of CapacityAvailable.
type SignupLedger struct {
	deps Deps
}

// NewSignupLedger creates a ledger over deps.Store.
func NewSignupLedger(deps Deps) *SignupLedger {
	return &SignupLedger{deps: deps.withDefaults()}
}

// CreateOpportunity validates and stores a new opportunity with every
// slot available. An empty ID or CheckInCode is generated.
func (l *SignupLedger) CreateOpportunity(ctx context.Context, o Opportunity, now time.Time) (Opportunity, error) {
	o.Title = strings.TrimSpace(o.Title)
	if o.CapacityTotal < 0 {
		return Opportunity{}, errors.WithMessage(ErrInvalidInput, "capacity must not be negative")
	}
	if o.HoursPerCompletion < 0 || math.IsNaN(o.HoursPerCompletion) || math.IsInf(o.HoursPerCompletion, 0) {
		return Opportunity{}, errors.WithMessage(ErrInvalidInput, "hours per completion must be a non-negative number")
	}
	if o.WindowStart != nil && o.WindowEnd != nil && dayStart(*o.WindowEnd, time.UTC).Before(dayStart(*o.WindowStart, time.UTC)) {
		return Opportunity{}, errors.WithMessage(ErrInvalidInput, "window end is before window start")
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CheckInCode == "" {
		o.CheckInCode = uuid.NewString()
	}
	o.CreatedAt = now

	created, err := l.deps.Store.CreateOpportunity(ctx, o)
	if err != nil {
		return Opportunity{}, err
	}
	l.deps.Metrics.Capacity(created.ID, created.CapacityAvailable)
	l.deps.emit(ctx, newBatch(now).opportunity(created).events...)
	log.Info().Str("opportunity_id", created.ID).Int("capacity", created.CapacityTotal).Msg("opportunity created")
	return created, nil
}

// Get returns an opportunity.
func (l *SignupLedger) Get(ctx context.Context, opportunityID string) (Opportunity, error) {
	return l.deps.Store.GetOpportunity(ctx, opportunityID)
}

// SignUp reserves one slot of opportunityID for userID. The signup, its
// check-in record and the capacity decrement commit together or not at
// all.
func (l *SignupLedger) SignUp(ctx context.Context, opportunityID, userID string, now time.Time) (SignupResult, error) {
	if opportunityID == "" || userID == "" {
		return SignupResult{}, errors.WithMessage(ErrInvalidInput, "opportunity and user are required")
	}

	res, err := l.deps.Store.SignUp(ctx, SignupRequest{
		SignupID:      uuid.NewString(),
		OpportunityID: opportunityID,
		UserID:        userID,
		Now:           now,
		Accept: func(o Opportunity) error {
			if !o.AcceptsSignups(now, l.deps.Location) {
				return ErrWindowClosed
			}
			return nil
		},
	})
	l.deps.Metrics.Operation("sign_up", outcome(err))
	if err != nil {
		logOutcome(err).Str("opportunity_id", opportunityID).Str("user_id", userID).Msg("sign up refused")
		return SignupResult{}, err
	}

	l.deps.Metrics.Capacity(res.Opportunity.ID, res.Opportunity.CapacityAvailable)
	l.deps.emit(ctx, newBatch(now).
		signup(res.Signup).
		checkIn(res.CheckIn).
		opportunity(res.Opportunity).events...)
	l.deps.Notifier.Notify(ctx, userID, NotifySignupConfirmed, res.Signup.ID)

	log.Info().
		Str("opportunity_id", opportunityID).
		Str("user_id", userID).
		Str("signup_id", res.Signup.ID).
		Int("capacity_available", res.Opportunity.CapacityAvailable).
		Msg("signed up")
	return res, nil
}

// Cancel releases userID's slot. It is allowed whatever the check-in
// state of the signup.
func (l *SignupLedger) Cancel(ctx context.Context, opportunityID, userID string, now time.Time) (CancelResult, error) {
	if opportunityID == "" || userID == "" {
		return CancelResult{}, errors.WithMessage(ErrInvalidInput, "opportunity and user are required")
	}

	res, err := l.deps.Store.Cancel(ctx, opportunityID, userID, now)
	l.deps.Metrics.Operation("cancel", outcome(err))
	if err != nil {
		logOutcome(err).Str("opportunity_id", opportunityID).Str("user_id", userID).Msg("cancel refused")
		return CancelResult{}, err
	}

	l.deps.Metrics.Capacity(res.Opportunity.ID, res.Opportunity.CapacityAvailable)
	l.deps.emit(ctx, newBatch(now).
		signup(res.Signup).
		opportunity(res.Opportunity).events...)
	l.deps.Notifier.Notify(ctx, userID, NotifySignupCancelled, res.Signup.ID)

	log.Info().
		Str("opportunity_id", opportunityID).
		Str("user_id", userID).
		Str("signup_id", res.Signup.ID).
		Int("capacity_available", res.Opportunity.CapacityAvailable).
		Msg("signup cancelled")
	return res, nil
}

// Snapshot is the full resynchronization read for an opportunity.
func (l *SignupLedger) Snapshot(ctx context.Context, opportunityID string) (Snapshot, error) {
	o, err := l.deps.Store.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return Snapshot{}, err
	}
	roster, err := l.deps.Store.Roster(ctx, opportunityID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Opportunity: o, Roster: roster}, nil
}
