package opportunity

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ApprovalService is the admin side of the check-in state machine:
// PENDING_APPROVAL → APPROVED (with a one-time hour credit) or REJECTED.
// REJECTED is terminal.
type ApprovalService struct {
	deps  Deps
	authz AuthZ
}

// NewApprovalService creates the service. authz decides who is an admin.
func NewApprovalService(deps Deps, authz AuthZ) *ApprovalService {
	return &ApprovalService{deps: deps.withDefaults(), authz: authz}
}

// Approve credits hoursEarned to the volunteer and approves the
// check-in. Zero hoursEarned means the opportunity's hoursPerCompletion.
// Of several concurrent approvals of one signup exactly one succeeds;
// the rest get ErrStateConflict and credit nothing.
func (a *ApprovalService) Approve(ctx context.Context, signupID, adminID string, hoursEarned float64, now time.Time) (CheckIn, error) {
	ci, credit, err := a.approve(ctx, signupID, adminID, hoursEarned, now)
	a.deps.Metrics.Operation("approve", outcome(err))
	if err != nil {
		logOutcome(err).Str("signup_id", signupID).Str("admin_id", adminID).Msg("approval refused")
		return CheckIn{}, err
	}

	a.deps.emit(ctx, newBatch(now).checkIn(ci).events...)
	if a.deps.Credits != nil {
		a.deps.Credits.Deliver(ctx, credit)
	}
	a.deps.Notifier.Notify(ctx, ci.UserID, NotifyCheckInApproved, ci.SignupID)
	log.Info().
		Str("signup_id", signupID).
		Str("admin_id", adminID).
		Str("user_id", ci.UserID).
		Float64("hours", credit.Hours).
		Msg("check-in approved")
	return ci, nil
}

func (a *ApprovalService) approve(ctx context.Context, signupID, adminID string, hoursEarned float64, now time.Time) (CheckIn, HourCredit, error) {
	if hoursEarned < 0 || math.IsNaN(hoursEarned) || math.IsInf(hoursEarned, 0) {
		return CheckIn{}, HourCredit{}, errors.WithMessage(ErrInvalidInput, "hours earned must be a non-negative number")
	}
	entry, err := a.pending(ctx, signupID, adminID)
	if err != nil {
		return CheckIn{}, HourCredit{}, err
	}
	if hoursEarned == 0 {
		o, err := a.deps.Store.GetOpportunity(ctx, entry.Signup.OpportunityID)
		if err != nil {
			return CheckIn{}, HourCredit{}, err
		}
		hoursEarned = o.HoursPerCompletion
	}

	decidedAt := now
	next := entry.CheckIn
	next.State = StateApproved
	next.DecidedBy = adminID
	next.DecidedAt = &decidedAt
	next.HoursCredited = true
	next.HoursEarned = hoursEarned
	credit := HourCredit{
		SignupID:      entry.Signup.ID,
		UserID:        entry.Signup.UserID,
		OpportunityID: entry.Signup.OpportunityID,
		Hours:         hoursEarned,
		CreatedAt:     now,
	}

	ci, err := a.deps.Store.TransitionCheckIn(ctx, Transition{From: StatePendingApproval, Next: next, Credit: &credit})
	if err != nil {
		return CheckIn{}, HourCredit{}, err
	}
	return ci, credit, nil
}

// Reject closes a pending check-in without credit.
func (a *ApprovalService) Reject(ctx context.Context, signupID, adminID, reason string, now time.Time) (CheckIn, error) {
	ci, err := a.reject(ctx, signupID, adminID, strings.TrimSpace(reason), now)
	a.deps.Metrics.Operation("reject", outcome(err))
	if err != nil {
		logOutcome(err).Str("signup_id", signupID).Str("admin_id", adminID).Msg("rejection refused")
		return CheckIn{}, err
	}

	a.deps.emit(ctx, newBatch(now).checkIn(ci).events...)
	a.deps.Notifier.Notify(ctx, ci.UserID, NotifyCheckInRejected, ci.SignupID)
	log.Info().Str("signup_id", signupID).Str("admin_id", adminID).Str("user_id", ci.UserID).Msg("check-in rejected")
	return ci, nil
}

func (a *ApprovalService) reject(ctx context.Context, signupID, adminID, reason string, now time.Time) (CheckIn, error) {
	entry, err := a.pending(ctx, signupID, adminID)
	if err != nil {
		return CheckIn{}, err
	}
	decidedAt := now
	next := entry.CheckIn
	next.State = StateRejected
	next.DecidedBy = adminID
	next.DecidedAt = &decidedAt
	next.RejectReason = reason
	return a.deps.Store.TransitionCheckIn(ctx, Transition{From: StatePendingApproval, Next: next})
}

// pending authorizes adminID and loads a check-in that is still waiting
// for a decision. The state check here only fails fast; the store's
// compare-and-set is what settles races.
func (a *ApprovalService) pending(ctx context.Context, signupID, adminID string) (RosterEntry, error) {
	if signupID == "" || adminID == "" {
		return RosterEntry{}, errors.WithMessage(ErrInvalidInput, "signup and admin are required")
	}
	ok, err := a.authz.IsAdmin(ctx, adminID)
	if err != nil {
		return RosterEntry{}, errors.Wrap(err, "authorize admin")
	}
	if !ok {
		return RosterEntry{}, ErrUnauthorized
	}
	entry, err := a.deps.Store.GetSignup(ctx, signupID)
	if err != nil {
		return RosterEntry{}, err
	}
	if entry.CheckIn.State != StatePendingApproval {
		return RosterEntry{}, ErrStateConflict
	}
	return entry, nil
}
