package opportunity

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CheckInStateMachine owns the check-in transitions a volunteer drives:
//
//	NOT_CHECKED_IN --manual--> PENDING_APPROVAL
//	NOT_CHECKED_IN --QR------> APPROVED (system-approved, hours credited)
//
// Admin decisions on PENDING_APPROVAL live in ApprovalService.
type CheckInStateMachine struct {
	deps Deps
}

// NewCheckInStateMachine creates a state machine over deps.Store.
func NewCheckInStateMachine(deps Deps) *CheckInStateMachine {
	return &CheckInStateMachine{deps: deps.withDefaults()}
}

// manualCheckIn is the pure manual transition of ci at now.
func manualCheckIn(ci CheckIn, o Opportunity, now time.Time, loc *time.Location) (CheckIn, error) {
	if ci.State != StateNotCheckedIn {
		return CheckIn{}, ErrStateConflict
	}
	if !o.CheckInWindow(loc).Contains(now) {
		return CheckIn{}, ErrWindowClosed
	}
	next := ci
	checkedInAt := now
	next.State = StatePendingApproval
	next.Method = MethodManual
	next.CheckedInAt = &checkedInAt
	return next, nil
}

// qrCheckIn is the pure QR transition. The scanned code must equal the
// opportunity's code byte for byte; it is checked before anything else
// so a wrong code never reveals state.
func qrCheckIn(ci CheckIn, o Opportunity, scannedCode string, now time.Time, loc *time.Location) (CheckIn, *HourCredit, error) {
	if subtle.ConstantTimeCompare([]byte(scannedCode), []byte(o.CheckInCode)) != 1 {
		return CheckIn{}, nil, ErrInvalidCheckInCode
	}
	if ci.State != StateNotCheckedIn {
		return CheckIn{}, nil, ErrStateConflict
	}
	if !o.CheckInWindow(loc).Contains(now) {
		return CheckIn{}, nil, ErrWindowClosed
	}
	next := ci
	at := now
	next.State = StateApproved
	next.Method = MethodQR
	next.CheckedInAt = &at
	next.DecidedAt = &at
	next.DecidedBy = ""
	next.HoursCredited = true
	next.HoursEarned = o.HoursPerCompletion
	credit := &HourCredit{
		SignupID:      ci.SignupID,
		UserID:        ci.UserID,
		OpportunityID: ci.OpportunityID,
		Hours:         o.HoursPerCompletion,
		CreatedAt:     now,
	}
	return next, credit, nil
}

// CheckInManual records a self-declared check-in, which then waits for
// an admin decision.
func (m *CheckInStateMachine) CheckInManual(ctx context.Context, signupID string, now time.Time) (CheckIn, error) {
	ci, err := m.checkIn(ctx, "check_in_manual", signupID, now, func(ci CheckIn, o Opportunity) (CheckIn, *HourCredit, error) {
		next, err := manualCheckIn(ci, o, now, m.deps.Location)
		return next, nil, err
	})
	if err != nil {
		return CheckIn{}, err
	}
	log.Info().Str("signup_id", signupID).Str("user_id", ci.UserID).Msg("manual check-in pending approval")
	return ci, nil
}

// CheckInQR checks in with the opportunity's QR code and approves the
// check-in on the spot, crediting the opportunity's hours.
func (m *CheckInStateMachine) CheckInQR(ctx context.Context, signupID, scannedCode string, now time.Time) (CheckIn, error) {
	var credit *HourCredit
	ci, err := m.checkIn(ctx, "check_in_qr", signupID, now, func(ci CheckIn, o Opportunity) (CheckIn, *HourCredit, error) {
		next, c, err := qrCheckIn(ci, o, scannedCode, now, m.deps.Location)
		credit = c
		return next, c, err
	})
	if err != nil {
		return CheckIn{}, err
	}

	if m.deps.Credits != nil && credit != nil {
		m.deps.Credits.Deliver(ctx, *credit)
	}
	m.deps.Notifier.Notify(ctx, ci.UserID, NotifyCheckInApproved, ci.SignupID)
	log.Info().Str("signup_id", signupID).Str("user_id", ci.UserID).Float64("hours", ci.HoursEarned).Msg("QR check-in approved")
	return ci, nil
}

type transitionFunc func(ci CheckIn, o Opportunity) (CheckIn, *HourCredit, error)

// checkIn loads the check-in, computes the next state and writes it
// with a compare-and-set on the state it was computed from. A
// concurrent transition in between makes the write fail with
// ErrStateConflict.
func (m *CheckInStateMachine) checkIn(ctx context.Context, op, signupID string, now time.Time, transition transitionFunc) (CheckIn, error) {
	ci, err := m.apply(ctx, signupID, transition)
	m.deps.Metrics.Operation(op, outcome(err))
	if err != nil {
		logOutcome(err).Str("signup_id", signupID).Str("operation", op).Msg("check-in refused")
		return CheckIn{}, err
	}
	m.deps.emit(ctx, newBatch(now).checkIn(ci).events...)
	return ci, nil
}

func (m *CheckInStateMachine) apply(ctx context.Context, signupID string, transition transitionFunc) (CheckIn, error) {
	if signupID == "" {
		return CheckIn{}, errors.WithMessage(ErrInvalidInput, "signup is required")
	}
	entry, err := m.deps.Store.GetSignup(ctx, signupID)
	if err != nil {
		return CheckIn{}, err
	}
	o, err := m.deps.Store.GetOpportunity(ctx, entry.Signup.OpportunityID)
	if err != nil {
		return CheckIn{}, err
	}

	current := entry.CheckIn
	next, credit, err := transition(current, o)
	if err != nil {
		return CheckIn{}, err
	}
	if entry.Signup.Status != SignupConfirmed {
		return CheckIn{}, ErrStateConflict
	}
	return m.deps.Store.TransitionCheckIn(ctx, Transition{From: current.State, Next: next, Credit: credit})
}

// Get returns a signup and its check-in.
func (m *CheckInStateMachine) Get(ctx context.Context, signupID string) (RosterEntry, error) {
	return m.deps.Store.GetSignup(ctx, signupID)
}
