package opportunity

import "time"

// SignupStatus is the lifecycle of a slot reservation.
type SignupStatus string

const (
	SignupConfirmed SignupStatus = "CONFIRMED"
	SignupCancelled SignupStatus = "CANCELLED"
)

// CheckInState is the state of a volunteer's check-in for one signup.
type CheckInState string

const (
	StateNotCheckedIn    CheckInState = "NOT_CHECKED_IN"
	StatePendingApproval CheckInState = "PENDING_APPROVAL"
	StateApproved        CheckInState = "APPROVED"
	StateRejected        CheckInState = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s CheckInState) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

// CheckInMethod records how a volunteer checked in.
type CheckInMethod string

const (
	MethodNone   CheckInMethod = "NONE"
	MethodManual CheckInMethod = "MANUAL"
	MethodQR     CheckInMethod = "QR"
)

// Opportunity is a volunteer activity with a bounded number of slots.
// WindowStart, WindowEnd and SingleDate are calendar dates: only their
// year, month and day are meaningful.
type Opportunity struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	CapacityTotal      int        `json:"capacity_total"`
	CapacityAvailable  int        `json:"capacity_available"`
	WindowStart        *time.Time `json:"window_start,omitempty"`
	WindowEnd          *time.Time `json:"window_end,omitempty"`
	SingleDate         *time.Time `json:"single_date,omitempty"`
	HoursPerCompletion float64    `json:"hours_per_completion"`
	CheckInCode        string     `json:"-"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Full reports whether no slots remain.
func (o Opportunity) Full() bool {
	return o.CapacityAvailable <= 0
}

// Signup is a volunteer's reservation of one slot.
type Signup struct {
	ID            string       `json:"id"`
	OpportunityID string       `json:"opportunity_id"`
	UserID        string       `json:"user_id"`
	Status        SignupStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
	Version       int64        `json:"version"`
}

// CheckIn is the check-in and approval record of one signup.
type CheckIn struct {
	SignupID      string        `json:"signup_id"`
	OpportunityID string        `json:"opportunity_id"`
	UserID        string        `json:"user_id"`
	State         CheckInState  `json:"state"`
	Method        CheckInMethod `json:"method"`
	CheckedInAt   *time.Time    `json:"checked_in_at,omitempty"`
	DecidedBy     string        `json:"decided_by,omitempty"`
	DecidedAt     *time.Time    `json:"decided_at,omitempty"`
	HoursCredited bool          `json:"hours_credited"`
	HoursEarned   float64       `json:"hours_earned,omitempty"`
	RejectReason  string        `json:"reject_reason,omitempty"`
	Version       int64         `json:"version"`
}

// HourCredit is the durable record of the one-time hour transfer for a
// signup. SignupID doubles as the idempotency key sent to the hours
// ledger.
type HourCredit struct {
	SignupID      string     `json:"signup_id"`
	UserID        string     `json:"user_id"`
	OpportunityID string     `json:"opportunity_id"`
	Hours         float64    `json:"hours"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// IdempotencyKey is the key under which the credit is applied at most once.
func (c HourCredit) IdempotencyKey() string {
	return "signup:" + c.SignupID
}

// RosterEntry pairs a signup with its check-in for admin screens and
// full resynchronization reads.
type RosterEntry struct {
	Signup  Signup  `json:"signup"`
	CheckIn CheckIn `json:"check_in"`
}

// Snapshot is the complete observable state of one opportunity.
type Snapshot struct {
	Opportunity Opportunity   `json:"opportunity"`
	Roster      []RosterEntry `json:"roster"`
}
