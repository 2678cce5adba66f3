package opportunity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"volunteer/internal/fanout"
	"volunteer/internal/retry"
)

// eventDay is the calendar day most fixtures run on.
var eventDay = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return eventDay.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

type MockHoursLedger struct {
	mock.Mock
}

func (m *MockHoursLedger) Credit(ctx context.Context, credit HourCredit) error {
	args := m.Called(ctx, credit)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, userID, eventKind, refID string) {
	m.Called(ctx, userID, eventKind, refID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event fanout.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) all() []fanout.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fanout.Event(nil), p.events...)
}

type staticAuthZ map[string]bool

func (a staticAuthZ) IsAdmin(_ context.Context, userID string) (bool, error) {
	return a[userID], nil
}

const admin = "admin-1"

type engine struct {
	store     *MemoryStore
	ledger    *SignupLedger
	checkIns  *CheckInStateMachine
	approvals *ApprovalService
	hours     *MockHoursLedger
	events    *recordingPublisher
}

// newEngine wires the three services over one MemoryStore. The hours
// ledger accepts every credit unless the test sets its own expectations
// first.
func newEngine(t *testing.T) *engine {
	t.Helper()
	st := NewMemoryStore()
	hours := new(MockHoursLedger)
	events := &recordingPublisher{}
	deps := Deps{
		Store:    st,
		Events:   events,
		Credits:  NewCreditRelay(st, hours, retry.Policy{Attempts: 1}, nil),
		Location: time.UTC,
	}
	return &engine{
		store:     st,
		ledger:    NewSignupLedger(deps),
		checkIns:  NewCheckInStateMachine(deps),
		approvals: NewApprovalService(deps, staticAuthZ{admin: true}),
		hours:     hours,
		events:    events,
	}
}

func (e *engine) acceptCredits() {
	e.hours.On("Credit", mock.Anything, mock.Anything).Return(nil)
}

func (e *engine) opportunity(t *testing.T, capacity int, hours float64) Opportunity {
	t.Helper()
	o, err := e.ledger.CreateOpportunity(context.Background(), Opportunity{
		Title:              "Beach cleanup",
		CapacityTotal:      capacity,
		SingleDate:         &eventDay,
		HoursPerCompletion: hours,
		CheckInCode:        "SAND-2026",
	}, at(8, 0))
	require.NoError(t, err)
	return o
}

func (e *engine) signUp(t *testing.T, opportunityID, userID string) SignupResult {
	t.Helper()
	res, err := e.ledger.SignUp(context.Background(), opportunityID, userID, at(9, 0))
	require.NoError(t, err)
	return res
}

// requireCapacityInvariant checks available + confirmed == total.
func requireCapacityInvariant(t *testing.T, st Store, opportunityID string) {
	t.Helper()
	ctx := context.Background()
	o, err := st.GetOpportunity(ctx, opportunityID)
	require.NoError(t, err)
	roster, err := st.Roster(ctx, opportunityID)
	require.NoError(t, err)
	confirmed := 0
	for _, entry := range roster {
		if entry.Signup.Status == SignupConfirmed {
			confirmed++
		}
	}
	require.Equal(t, o.CapacityTotal, o.CapacityAvailable+confirmed)
	require.GreaterOrEqual(t, o.CapacityAvailable, 0)
	require.LessOrEqual(t, o.CapacityAvailable, o.CapacityTotal)
}
