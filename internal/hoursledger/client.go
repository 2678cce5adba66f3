package hoursledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"volunteer/internal/opportunity"
	"volunteer/internal/retry"
)

// IdempotencyHeader carries the per-signup key; the ledger applies a
// key at most once.
const IdempotencyHeader = "Idempotency-Key"

// Client calls the hours ledger service that keeps users' aggregate
// service hours.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout. With skip set every
// credit succeeds without a network call, for local development.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

var _ opportunity.HoursLedger = (*Client)(nil)

type creditRequest struct {
	UserID        string  `json:"user_id"`
	Hours         float64 `json:"hours"`
	OpportunityID string  `json:"opportunity_id"`
	SignupID      string  `json:"signup_id"`
}

// Credit adds credit.Hours to the user's total. A 409 means the key was
// already applied and counts as success. Other 4xx answers will not get
// better by retrying and are returned as permanent.
func (c *Client) Credit(ctx context.Context, credit opportunity.HourCredit) error {
	if c.Skip {
		log.Debug().Str("user_id", credit.UserID).Float64("hours", credit.Hours).Msg("hours ledger skipped")
		return nil
	}

	body, err := json.Marshal(creditRequest{
		UserID:        credit.UserID,
		Hours:         credit.Hours,
		OpportunityID: credit.OpportunityID,
		SignupID:      credit.SignupID,
	})
	if err != nil {
		return retry.Permanent(errors.Wrap(err, "encode credit"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/credits", bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(errors.Wrap(err, "build credit request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, credit.IdempotencyKey())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "hours ledger request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return errors.Errorf("hours ledger error %s: %s", resp.Status, string(bodyBytes))
	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return retry.Permanent(errors.Errorf("hours ledger rejected credit %s: %s", resp.Status, string(bodyBytes)))
	}
}

// Health checks if the hours ledger is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "hours ledger unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("hours ledger unhealthy: %s", resp.Status)
	}
	return nil
}
