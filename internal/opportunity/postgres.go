package opportunity

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"volunteer/internal/retry"
)

// schema is applied by Migrate. The partial unique index is what makes
// "at most one CONFIRMED signup per (opportunity, user)" hold across
// replicas; hour_credits keyed by signup_id makes a second credit for
// the same signup impossible.
const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id                   TEXT PRIMARY KEY,
	title                TEXT NOT NULL DEFAULT '',
	capacity_total       INTEGER NOT NULL CHECK (capacity_total >= 0),
	capacity_available   INTEGER NOT NULL,
	window_start         DATE,
	window_end           DATE,
	single_date          DATE,
	hours_per_completion DOUBLE PRECISION NOT NULL DEFAULT 0,
	check_in_code        TEXT NOT NULL,
	version              BIGINT NOT NULL DEFAULT 1,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (capacity_available >= 0 AND capacity_available <= capacity_total)
);

CREATE TABLE IF NOT EXISTS signups (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL REFERENCES opportunities(id),
	user_id        TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	cancelled_at   TIMESTAMPTZ,
	version        BIGINT NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS signups_one_confirmed
	ON signups (opportunity_id, user_id) WHERE status = 'CONFIRMED';

CREATE INDEX IF NOT EXISTS signups_by_opportunity ON signups (opportunity_id, created_at);

CREATE TABLE IF NOT EXISTS check_ins (
	signup_id      TEXT PRIMARY KEY REFERENCES signups(id),
	opportunity_id TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	state          TEXT NOT NULL,
	method         TEXT NOT NULL,
	checked_in_at  TIMESTAMPTZ,
	decided_by     TEXT NOT NULL DEFAULT '',
	decided_at     TIMESTAMPTZ,
	hours_credited BOOLEAN NOT NULL DEFAULT FALSE,
	hours_earned   DOUBLE PRECISION NOT NULL DEFAULT 0,
	reject_reason  TEXT NOT NULL DEFAULT '',
	version        BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS hour_credits (
	signup_id      TEXT PRIMARY KEY REFERENCES signups(id),
	user_id        TEXT NOT NULL,
	opportunity_id TEXT NOT NULL,
	hours          DOUBLE PRECISION NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	delivered_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS hour_credits_pending ON hour_credits (created_at) WHERE delivered_at IS NULL;
`

const (
	opportunityColumns = `id, title, capacity_total, capacity_available, window_start, window_end, single_date,
		hours_per_completion, check_in_code, version, created_at`
	signupColumns = `s.id, s.opportunity_id, s.user_id, s.status, s.created_at, s.cancelled_at, s.version`
	checkInColumns = `c.signup_id, c.opportunity_id, c.user_id, c.state, c.method, c.checked_in_at,
		c.decided_by, c.decided_at, c.hours_credited, c.hours_earned, c.reject_reason, c.version`

	defaultPendingLimit = 100
)

// PostgresStore is the Store used in production. Every mutation runs in
// one transaction; contended rows are locked with SELECT ... FOR UPDATE
// and check-in transitions are conditional UPDATEs on the expected state.
type PostgresStore struct {
	db    *sql.DB
	retry retry.Policy
}

// NewPostgresStore wraps an open pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, retry: retry.Default}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the tables and indexes if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// inTx runs fn in a transaction, rerunning it on serialization failures
// and deadlocks. Any other error, business outcomes included, is final.
func (p *PostgresStore) inTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, p.retry, func(ctx context.Context) error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "%s: begin", name)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if retryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if retryable(err) {
				return err
			}
			return retry.Permanent(errors.Wrapf(err, "%s: commit", name))
		}
		return nil
	}, func(attempt int, err error) {
		log.Debug().Err(err).Str("tx", name).Int("attempt", attempt+1).Msg("retrying transaction")
	})
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func (p *PostgresStore) CreateOpportunity(ctx context.Context, o Opportunity) (Opportunity, error) {
	o.CapacityAvailable = o.CapacityTotal
	o.Version = 1
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO opportunities (id, title, capacity_total, capacity_available, window_start, window_end,
			single_date, hours_per_completion, check_in_code, version, created_at)
		VALUES ($1,$2,$3,$3,$4,$5,$6,$7,$8,1,$9)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`, o.ID, o.Title, o.CapacityTotal, o.WindowStart, o.WindowEnd, o.SingleDate, o.HoursPerCompletion, o.CheckInCode, o.CreatedAt)
	if err := row.Scan(&o.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Opportunity{}, errors.WithMessage(ErrInvalidInput, "opportunity already exists")
		}
		return Opportunity{}, errors.Wrap(err, "insert opportunity")
	}
	return o, nil
}

func (p *PostgresStore) GetOpportunity(ctx context.Context, id string) (Opportunity, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
	o, err := scanOpportunity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Opportunity{}, ErrNotFound
		}
		return Opportunity{}, errors.Wrap(err, "get opportunity")
	}
	return o, nil
}

func (p *PostgresStore) SignUp(ctx context.Context, req SignupRequest) (SignupResult, error) {
	var res SignupResult
	err := p.inTx(ctx, "sign up", func(tx *sql.Tx) error {
		// The opportunity row lock serializes sign-ups and cancels of one
		// opportunity, so accept sees the state the write will apply to.
		o, err := scanOpportunity(tx.QueryRowContext(ctx,
			`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`, req.OpportunityID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return errors.Wrap(err, "lock opportunity")
		}
		if req.Accept != nil {
			if err := req.Accept(o); err != nil {
				return err
			}
		}

		s := Signup{
			ID:            req.SignupID,
			OpportunityID: req.OpportunityID,
			UserID:        req.UserID,
			Status:        SignupConfirmed,
			CreatedAt:     req.Now,
			Version:       1,
		}
		inserted, err := insertSignupIfAbsent(ctx, tx, s)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrAlreadySignedUp
		}

		err = tx.QueryRowContext(ctx, `
			UPDATE opportunities
			SET capacity_available = capacity_available - 1, version = version + 1
			WHERE id = $1 AND capacity_available > 0
			RETURNING capacity_available, version
		`, o.ID).Scan(&o.CapacityAvailable, &o.Version)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCapacityExhausted
			}
			return errors.Wrap(err, "take slot")
		}

		ci := CheckIn{
			SignupID:      s.ID,
			OpportunityID: s.OpportunityID,
			UserID:        s.UserID,
			State:         StateNotCheckedIn,
			Method:        MethodNone,
			Version:       1,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO check_ins (signup_id, opportunity_id, user_id, state, method, version)
			VALUES ($1,$2,$3,$4,$5,1)
		`, ci.SignupID, ci.OpportunityID, ci.UserID, ci.State, ci.Method); err != nil {
			return errors.Wrap(err, "insert check-in")
		}

		res = SignupResult{Signup: s, CheckIn: ci, Opportunity: o}
		return nil
	})
	if err != nil {
		return SignupResult{}, err
	}
	return res, nil
}

// insertSignupIfAbsent relies on the signups_one_confirmed index: a
// second CONFIRMED row for the pair inserts nothing.
func insertSignupIfAbsent(ctx context.Context, tx *sql.Tx, s Signup) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO signups (id, opportunity_id, user_id, status, created_at, version)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (opportunity_id, user_id) WHERE status = 'CONFIRMED' DO NOTHING
	`, s.ID, s.OpportunityID, s.UserID, s.Status, s.CreatedAt, s.Version)
	if err != nil {
		return false, errors.Wrap(err, "insert signup")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert signup")
	}
	return n == 1, nil
}

func (p *PostgresStore) Cancel(ctx context.Context, opportunityID, userID string, now time.Time) (CancelResult, error) {
	var res CancelResult
	err := p.inTx(ctx, "cancel", func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM opportunities WHERE id = $1 FOR UPDATE`, opportunityID).Scan(&locked)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return errors.Wrap(err, "lock opportunity")
		}

		s, err := scanSignup(tx.QueryRowContext(ctx, `
			UPDATE signups s
			SET status = $3, cancelled_at = $4, version = s.version + 1
			WHERE s.opportunity_id = $1 AND s.user_id = $2 AND s.status = 'CONFIRMED'
			RETURNING `+signupColumns,
			opportunityID, userID, SignupCancelled, now))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotSignedUp
			}
			return errors.Wrap(err, "cancel signup")
		}

		o, err := scanOpportunity(tx.QueryRowContext(ctx, `
			UPDATE opportunities
			SET capacity_available = LEAST(capacity_available + 1, capacity_total), version = version + 1
			WHERE id = $1
			RETURNING `+opportunityColumns, opportunityID))
		if err != nil {
			return errors.Wrap(err, "release slot")
		}

		res = CancelResult{Signup: s, Opportunity: o}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	return res, nil
}

func (p *PostgresStore) GetSignup(ctx context.Context, signupID string) (RosterEntry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+signupColumns+`, `+checkInColumns+`
		FROM signups s JOIN check_ins c ON c.signup_id = s.id
		WHERE s.id = $1
	`, signupID)
	entry, err := scanRosterEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RosterEntry{}, ErrNotFound
		}
		return RosterEntry{}, errors.Wrap(err, "get signup")
	}
	return entry, nil
}

func (p *PostgresStore) Roster(ctx context.Context, opportunityID string) ([]RosterEntry, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM opportunities WHERE id = $1)`, opportunityID).Scan(&exists); err != nil {
		return nil, errors.Wrap(err, "check opportunity")
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+signupColumns+`, `+checkInColumns+`
		FROM signups s JOIN check_ins c ON c.signup_id = s.id
		WHERE s.opportunity_id = $1
		ORDER BY s.created_at, s.id
	`, opportunityID)
	if err != nil {
		return nil, errors.Wrap(err, "list roster")
	}
	defer rows.Close()

	entries := []RosterEntry{}
	for rows.Next() {
		entry, err := scanRosterEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan roster entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) TransitionCheckIn(ctx context.Context, t Transition) (CheckIn, error) {
	var out CheckIn
	err := p.inTx(ctx, "transition check-in", func(tx *sql.Tx) error {
		// FOR SHARE conflicts with Cancel's UPDATE, so the signup cannot be
		// cancelled between this check and the commit.
		var status SignupStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM signups WHERE id = $1 FOR SHARE`, t.Next.SignupID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return errors.Wrap(err, "lock signup")
		}
		if status != SignupConfirmed {
			return ErrStateConflict
		}

		next := t.Next
		err = tx.QueryRowContext(ctx, `
			UPDATE check_ins c
			SET state = $2, method = $3, checked_in_at = $4, decided_by = $5, decided_at = $6,
				hours_credited = $7, hours_earned = $8, reject_reason = $9, version = c.version + 1
			WHERE c.signup_id = $1 AND c.state = $10 AND ($11::boolean = FALSE OR c.hours_credited = FALSE)
			RETURNING c.opportunity_id, c.user_id, c.version
		`, next.SignupID, next.State, next.Method, next.CheckedInAt, next.DecidedBy, next.DecidedAt,
			next.HoursCredited, next.HoursEarned, next.RejectReason, t.From, t.Credit != nil,
		).Scan(&next.OpportunityID, &next.UserID, &next.Version)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrStateConflict
			}
			return errors.Wrap(err, "update check-in")
		}

		if t.Credit != nil {
			c := t.Credit
			result, err := tx.ExecContext(ctx, `
				INSERT INTO hour_credits (signup_id, user_id, opportunity_id, hours, created_at)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (signup_id) DO NOTHING
			`, c.SignupID, c.UserID, c.OpportunityID, c.Hours, c.CreatedAt)
			if err != nil {
				return errors.Wrap(err, "record hour credit")
			}
			if n, err := result.RowsAffected(); err != nil {
				return errors.Wrap(err, "record hour credit")
			} else if n == 0 {
				return ErrStateConflict
			}
		}

		out = next
		return nil
	})
	if err != nil {
		return CheckIn{}, err
	}
	return out, nil
}

func (p *PostgresStore) PendingCredits(ctx context.Context, limit int) ([]HourCredit, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT signup_id, user_id, opportunity_id, hours, created_at, delivered_at
		FROM hour_credits
		WHERE delivered_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pending credits")
	}
	defer rows.Close()

	var credits []HourCredit
	for rows.Next() {
		var c HourCredit
		if err := rows.Scan(&c.SignupID, &c.UserID, &c.OpportunityID, &c.Hours, &c.CreatedAt, &c.DeliveredAt); err != nil {
			return nil, errors.Wrap(err, "scan credit")
		}
		credits = append(credits, c)
	}
	return credits, rows.Err()
}

func (p *PostgresStore) MarkCreditDelivered(ctx context.Context, signupID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE hour_credits SET delivered_at = COALESCE(delivered_at, $2) WHERE signup_id = $1
	`, signupID, at)
	if err != nil {
		return errors.Wrap(err, "mark credit delivered")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "mark credit delivered")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row rowScanner) (Opportunity, error) {
	var o Opportunity
	err := row.Scan(&o.ID, &o.Title, &o.CapacityTotal, &o.CapacityAvailable, &o.WindowStart, &o.WindowEnd,
		&o.SingleDate, &o.HoursPerCompletion, &o.CheckInCode, &o.Version, &o.CreatedAt)
	return o, err
}

func scanSignup(row rowScanner) (Signup, error) {
	var s Signup
	err := row.Scan(&s.ID, &s.OpportunityID, &s.UserID, &s.Status, &s.CreatedAt, &s.CancelledAt, &s.Version)
	return s, err
}

func scanRosterEntry(row rowScanner) (RosterEntry, error) {
	var e RosterEntry
	s, c := &e.Signup, &e.CheckIn
	err := row.Scan(
		&s.ID, &s.OpportunityID, &s.UserID, &s.Status, &s.CreatedAt, &s.CancelledAt, &s.Version,
		&c.SignupID, &c.OpportunityID, &c.UserID, &c.State, &c.Method, &c.CheckedInAt,
		&c.DecidedBy, &c.DecidedAt, &c.HoursCredited, &c.HoursEarned, &c.RejectReason, &c.Version,
	)
	return e, err
}
