package opportunity

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"volunteer/internal/metrics"
	"volunteer/internal/retry"
)

// CreditRelay delivers recorded hour credits to the HoursLedger. The
// credit row is written in the approving transaction; delivery happens
// after commit and is retried until the ledger acknowledges it. The
// signup id is sent as idempotency key, so a redelivery after a lost
// acknowledgement cannot credit twice.
type CreditRelay struct {
	store   Store
	ledger  HoursLedger
	policy  retry.Policy
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCreditRelay creates a relay. A zero policy uses retry.Default.
func NewCreditRelay(store Store, ledger HoursLedger, policy retry.Policy, m *metrics.Metrics) *CreditRelay {
	if policy.Attempts <= 0 {
		policy = retry.Default
	}
	return &CreditRelay{store: store, ledger: ledger, policy: policy, metrics: m, now: time.Now}
}

// Deliver sends one credit right after it was recorded. A failure is
// logged and left for Sweep.
func (r *CreditRelay) Deliver(ctx context.Context, credit HourCredit) {
	if err := r.deliver(context.WithoutCancel(ctx), credit); err != nil {
		log.Warn().Err(err).
			Str("signup_id", credit.SignupID).
			Str("user_id", credit.UserID).
			Float64("hours", credit.Hours).
			Msg("hour credit not delivered, left for sweep")
	}
}

// Sweep redelivers up to limit credits that were recorded but never
// acknowledged. It returns how many were delivered.
func (r *CreditRelay) Sweep(ctx context.Context, limit int) (int, error) {
	pending, err := r.store.PendingCredits(ctx, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list pending credits")
	}
	delivered := 0
	for _, credit := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := r.deliver(ctx, credit); err != nil {
			log.Warn().Err(err).Str("signup_id", credit.SignupID).Msg("hour credit redelivery failed")
			continue
		}
		delivered++
	}
	if len(pending) > 0 {
		log.Info().Int("pending", len(pending)).Int("delivered", delivered).Msg("hour credit sweep finished")
	}
	return delivered, nil
}

func (r *CreditRelay) deliver(ctx context.Context, credit HourCredit) error {
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.ledger.Credit(ctx, credit)
	}, func(attempt int, err error) {
		r.metrics.CreditDelivery("retry")
		log.Debug().Err(err).Str("signup_id", credit.SignupID).Int("attempt", attempt+1).Msg("retrying hour credit")
	})
	if err != nil {
		r.metrics.CreditDelivery("failed")
		return errors.Wrapf(err, "credit %s", credit.IdempotencyKey())
	}
	r.metrics.CreditDelivery("delivered")
	if err := r.store.MarkCreditDelivered(ctx, credit.SignupID, r.now().UTC()); err != nil {
		return errors.Wrap(err, "mark credit delivered")
	}
	return nil
}
