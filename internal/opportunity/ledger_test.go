package opportunity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"volunteer/internal/fanout"
)

func TestCreateOpportunity(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	o, err := e.ledger.CreateOpportunity(ctx, Opportunity{Title: "  Food bank  ", CapacityTotal: 3}, at(8, 0))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.NotEmpty(t, o.CheckInCode)
	assert.Equal(t, "Food bank", o.Title)
	assert.Equal(t, 3, o.CapacityAvailable)
	assert.Equal(t, int64(1), o.Version)

	_, err = e.ledger.CreateOpportunity(ctx, Opportunity{CapacityTotal: -1}, at(8, 0))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.ledger.CreateOpportunity(ctx, Opportunity{
		CapacityTotal: 1,
		WindowStart:   date(2026, 10, 22),
		WindowEnd:     date(2026, 10, 20),
	}, at(8, 0))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSignUpTakesOneSlot(t *testing.T) {
	e := newEngine(t)
	o := e.opportunity(t, 2, 3)

	res := e.signUp(t, o.ID, "u1")
	assert.Equal(t, SignupConfirmed, res.Signup.Status)
	assert.Equal(t, StateNotCheckedIn, res.CheckIn.State)
	assert.Equal(t, MethodNone, res.CheckIn.Method)
	assert.Equal(t, 1, res.Opportunity.CapacityAvailable)
	assert.Equal(t, o.Version+1, res.Opportunity.Version)
	requireCapacityInvariant(t, e.store, o.ID)
}

func TestSignUpErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown opportunity", func(t *testing.T) {
		e := newEngine(t)
		_, err := e.ledger.SignUp(ctx, "missing", "u1", at(9, 0))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("already signed up", func(t *testing.T) {
		e := newEngine(t)
		o := e.opportunity(t, 5, 1)
		e.signUp(t, o.ID, "u1")
		_, err := e.ledger.SignUp(ctx, o.ID, "u1", at(9, 5))
		require.ErrorIs(t, err, ErrAlreadySignedUp)
		got, _ := e.ledger.Get(ctx, o.ID)
		assert.Equal(t, 4, got.CapacityAvailable)
	})

	t.Run("capacity exhausted", func(t *testing.T) {
		e := newEngine(t)
		o := e.opportunity(t, 1, 1)
		e.signUp(t, o.ID, "u1")
		_, err := e.ledger.SignUp(ctx, o.ID, "u2", at(9, 5))
		require.ErrorIs(t, err, ErrCapacityExhausted)
		requireCapacityInvariant(t, e.store, o.ID)

		roster, err := e.ledger.Snapshot(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, roster.Roster, 1)
	})

	t.Run("zero capacity", func(t *testing.T) {
		e := newEngine(t)
		o := e.opportunity(t, 0, 1)
		_, err := e.ledger.SignUp(ctx, o.ID, "u1", at(9, 0))
		require.ErrorIs(t, err, ErrCapacityExhausted)
	})

	t.Run("window closed", func(t *testing.T) {
		e := newEngine(t)
		o := e.opportunity(t, 5, 1)
		_, err := e.ledger.SignUp(ctx, o.ID, "u1", eventDay.Add(24*time.Hour))
		require.ErrorIs(t, err, ErrWindowClosed)
		got, _ := e.ledger.Get(ctx, o.ID)
		assert.Equal(t, 5, got.CapacityAvailable)
	})

	t.Run("missing user", func(t *testing.T) {
		e := newEngine(t)
		o := e.opportunity(t, 5, 1)
		_, err := e.ledger.SignUp(ctx, o.ID, "", at(9, 0))
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestCancelReturnsSlot(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o := e.opportunity(t, 2, 1)
	e.signUp(t, o.ID, "u1")

	res, err := e.ledger.Cancel(ctx, o.ID, "u1", at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, SignupCancelled, res.Signup.Status)
	require.NotNil(t, res.Signup.CancelledAt)
	assert.Equal(t, 2, res.Opportunity.CapacityAvailable)
	requireCapacityInvariant(t, e.store, o.ID)

	_, err = e.ledger.Cancel(ctx, o.ID, "u1", at(9, 31))
	require.ErrorIs(t, err, ErrNotSignedUp)

	_, err = e.ledger.Cancel(ctx, "missing", "u1", at(9, 31))
	require.ErrorIs(t, err, ErrNotFound)

	// A cancelled user may sign up again.
	again := e.signUp(t, o.ID, "u1")
	assert.NotEqual(t, res.Signup.ID, again.Signup.ID)
	requireCapacityInvariant(t, e.store, o.ID)
}

func TestCancelAllowedAfterCheckIn(t *testing.T) {
	e := newEngine(t)
	e.acceptCredits()
	ctx := context.Background()
	o := e.opportunity(t, 2, 1)
	res := e.signUp(t, o.ID, "u1")
	_, err := e.checkIns.CheckInQR(ctx, res.Signup.ID, o.CheckInCode, at(10, 0))
	require.NoError(t, err)

	_, err = e.ledger.Cancel(ctx, o.ID, "u1", at(11, 0))
	require.NoError(t, err)
	requireCapacityInvariant(t, e.store, o.ID)
}

func TestConcurrentSignUpsForLastSlot(t *testing.T) {
	e := newEngine(t)
	o := e.opportunity(t, 1, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.ledger.SignUp(context.Background(), o.ID, fmt.Sprintf("u%d", i), at(9, 0))
		}(i)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrCapacityExhausted):
			full++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, full)
	requireCapacityInvariant(t, e.store, o.ID)
}

func TestCapacityInvariantUnderChurn(t *testing.T) {
	e := newEngine(t)
	o := e.opportunity(t, 5, 1)

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			user := fmt.Sprintf("u%d", i%10)
			if _, err := e.ledger.SignUp(ctx, o.ID, user, at(9, 0)); err == nil {
				successes.Add(1)
			}
			if i%3 == 0 {
				_, _ = e.ledger.Cancel(ctx, o.ID, user, at(9, 1))
			}
		}(i)
	}
	wg.Wait()

	assert.Positive(t, successes.Load())
	requireCapacityInvariant(t, e.store, o.ID)
}

func TestSignUpEmitsVersionedEvents(t *testing.T) {
	e := newEngine(t)
	o := e.opportunity(t, 3, 1)
	res := e.signUp(t, o.ID, "u1")

	var kinds []fanout.EntityType
	for _, event := range e.events.all() {
		assert.Equal(t, fanout.Topic(o.ID), event.Topic)
		kinds = append(kinds, event.EntityType)
		if event.EntityType == fanout.EntityOpportunity && event.Version == res.Opportunity.Version {
			assert.Contains(t, string(event.Payload), `"capacity_available":2`)
			assert.NotContains(t, string(event.Payload), o.CheckInCode)
		}
	}
	assert.Equal(t, []fanout.EntityType{
		fanout.EntityOpportunity, // create
		fanout.EntitySignup,
		fanout.EntityCheckIn,
		fanout.EntityOpportunity,
	}, kinds)
}

func TestSignUpNotifiesUser(t *testing.T) {
	st := NewMemoryStore()
	notifier := new(MockNotifier)
	ledger := NewSignupLedger(Deps{Store: st, Notifier: notifier, Location: time.UTC})
	o, err := ledger.CreateOpportunity(context.Background(), Opportunity{CapacityTotal: 1}, at(8, 0))
	require.NoError(t, err)

	notifier.On("Notify", mock.Anything, "u1", NotifySignupConfirmed, mock.AnythingOfType("string")).Once()
	_, err = ledger.SignUp(context.Background(), o.ID, "u1", at(9, 0))
	require.NoError(t, err)
	notifier.AssertExpectations(t)
}
