package opportunity

import (
	"context"
	"time"
)

// Store is the single point of serialization. Every mutating method is
// one atomic transaction built from conditional writes, so concurrent
// callers can never push capacity out of bounds or apply a check-in
// transition twice.
type Store interface {
	CreateOpportunity(ctx context.Context, o Opportunity) (Opportunity, error)
	GetOpportunity(ctx context.Context, id string) (Opportunity, error)

	// SignUp inserts the signup and its NOT_CHECKED_IN check-in and takes
	// one slot, or does nothing. accept is evaluated against the
	// opportunity as seen inside the transaction; a non-nil result aborts.
	SignUp(ctx context.Context, req SignupRequest) (SignupResult, error)
	// Cancel marks the active signup CANCELLED and returns its slot.
	Cancel(ctx context.Context, opportunityID, userID string, now time.Time) (CancelResult, error)

	GetSignup(ctx context.Context, signupID string) (RosterEntry, error)
	Roster(ctx context.Context, opportunityID string) ([]RosterEntry, error)

	// TransitionCheckIn writes t.Next only if the stored state still
	// equals t.From and the signup is CONFIRMED, returning
	// ErrStateConflict otherwise. A non-nil t.Credit is recorded in the
	// same transaction.
	TransitionCheckIn(ctx context.Context, t Transition) (CheckIn, error)

	PendingCredits(ctx context.Context, limit int) ([]HourCredit, error)
	MarkCreditDelivered(ctx context.Context, signupID string, at time.Time) error

	Ping(ctx context.Context) error
}

// SignupRequest is the input of Store.SignUp.
type SignupRequest struct {
	SignupID      string
	OpportunityID string
	UserID        string
	Now           time.Time
	Accept        func(Opportunity) error
}

// SignupResult is the committed outcome of a sign-up.
type SignupResult struct {
	Signup      Signup
	CheckIn     CheckIn
	Opportunity Opportunity
}

// CancelResult is the committed outcome of a cancellation.
type CancelResult struct {
	Signup      Signup
	Opportunity Opportunity
}

// Transition is a compare-and-set on a check-in's state.
type Transition struct {
	From   CheckInState
	Next   CheckIn
	Credit *HourCredit
}
