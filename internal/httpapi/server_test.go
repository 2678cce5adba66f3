package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volunteer/internal/auth"
	"volunteer/internal/fanout"
	"volunteer/internal/metrics"
	"volunteer/internal/opportunity"
	"volunteer/internal/retry"
)

const (
	signingKey = "httpapi-test-key"
	issuer     = "volunteer-engine"
)

type acceptAll struct{}

func (acceptAll) Credit(context.Context, opportunity.HourCredit) error { return nil }

type fixture struct {
	server *Server
	router *gin.Engine
	hub    *fanout.Hub
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := opportunity.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	hub := fanout.NewHub(fanout.Options{Buffer: 16, Metrics: m})
	t.Cleanup(hub.Close)

	deps := opportunity.Deps{
		Store:    st,
		Events:   hub,
		Credits:  opportunity.NewCreditRelay(st, acceptAll{}, retry.Policy{Attempts: 1}, m),
		Metrics:  m,
		Location: time.UTC,
	}
	admins := auth.NewAdminSet([]string{"admin"})
	f := &fixture{hub: hub, now: time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)}
	f.server = &Server{
		Ledger:       opportunity.NewSignupLedger(deps),
		CheckIns:     opportunity.NewCheckInStateMachine(deps),
		Approvals:    opportunity.NewApprovalService(deps, admins),
		AuthZ:        admins,
		Hub:          hub,
		Metrics:      m,
		SigningKey:   signingKey,
		Issuer:       issuer,
		Heartbeat:    time.Hour,
		StreamBuffer: 8,
		Now:          func() time.Time { return f.now },
		Health: []HealthCheck{
			{Name: "store", Check: func(context.Context) error { return nil }},
		},
	}
	f.router = f.server.Router()
	return f
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.Issue(subject, auth.RoleVolunteer, issuer, signingKey, time.Minute)
	require.NoError(t, err)
	return tok.AccessToken
}

func (f *fixture) do(t *testing.T, method, path, subject string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (f *fixture) createOpportunity(t *testing.T, capacity int) string {
	t.Helper()
	w, body := f.do(t, http.MethodPost, "/v1/opportunities", "admin", gin.H{
		"title":                "River cleanup",
		"capacity_total":       capacity,
		"single_date":          "2026-10-20",
		"hours_per_completion": 2,
		"check_in_code":        "RIVER",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "RIVER", body["check_in_code"])
	assert.NotContains(t, body["opportunity"], "check_in_code")
	return body["opportunity"].(map[string]any)["id"].(string)
}

func (f *fixture) signUp(t *testing.T, opportunityID, user string) string {
	t.Helper()
	w, body := f.do(t, http.MethodPost, "/v1/opportunities/"+opportunityID+"/signups", user, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return body["signup"].(map[string]any)["id"].(string)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["store"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	f.server.Health = append(f.server.Health, HealthCheck{Name: "redis", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	w, body = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/v1/opportunities/x", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])
}

func TestCreateOpportunityValidation(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/v1/opportunities", "u1", gin.H{"title": "x", "capacity_total": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	cases := []gin.H{
		{"title": "no capacity"},
		{"title": "bad date", "capacity_total": 1, "single_date": "20/10/2026"},
		{"title": "negative", "capacity_total": -1},
	}
	for _, req := range cases {
		w, body := f.do(t, http.MethodPost, "/v1/opportunities", "admin", req)
		assert.Equal(t, http.StatusBadRequest, w.Code, req["title"])
		assert.Equal(t, "INVALID_INPUT", body["code"])
	}
}

func TestSignupFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	oppID := f.createOpportunity(t, 1)

	signupID := f.signUp(t, oppID, "u1")

	w, body := f.do(t, http.MethodPost, "/v1/opportunities/"+oppID+"/signups", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_SIGNED_UP", body["code"])

	w, body = f.do(t, http.MethodPost, "/v1/opportunities/"+oppID+"/signups", "u2", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CAPACITY_EXHAUSTED", body["code"])

	w, body = f.do(t, http.MethodGet, "/v1/signups/"+signupID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "another volunteer cannot read the signup")
	w, _ = f.do(t, http.MethodGet, "/v1/signups/"+signupID, "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/checkin/qr", "u1", gin.H{"code": "river"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "INVALID_CHECK_IN_CODE", body["code"])

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/checkin/qr", "u1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/checkin/qr", "u1", gin.H{"code": "RIVER"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ci := body["check_in"].(map[string]any)
	assert.Equal(t, "APPROVED", ci["state"])
	assert.Equal(t, true, ci["hours_credited"])

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/checkin", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STATE_CONFLICT", body["code"])

	w, body = f.do(t, http.MethodDelete, "/v1/opportunities/"+oppID+"/signups/me", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["opportunity"].(map[string]any)["capacity_available"])

	w, body = f.do(t, http.MethodDelete, "/v1/opportunities/"+oppID+"/signups/me", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_SIGNED_UP", body["code"])
}

func TestManualCheckInAndApproval(t *testing.T) {
	f := newFixture(t)
	oppID := f.createOpportunity(t, 3)
	signupID := f.signUp(t, oppID, "u1")

	w, body := f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/checkin", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "PENDING_APPROVAL", body["check_in"].(map[string]any)["state"])

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/approve", "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/approve", "admin", gin.H{"hours_earned": -2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["code"])

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/approve", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ci := body["check_in"].(map[string]any)
	assert.Equal(t, "APPROVED", ci["state"])
	assert.Equal(t, float64(2), ci["hours_earned"])
	assert.Equal(t, "admin", ci["decided_by"])

	w, body = f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/reject", "admin", gin.H{"reason": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STATE_CONFLICT", body["code"])

	w, body = f.do(t, http.MethodGet, "/v1/opportunities/"+oppID+"/roster", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["roster"], 1)
	w, _ = f.do(t, http.MethodGet, "/v1/opportunities/"+oppID+"/roster", "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWindowClosedOverHTTP(t *testing.T) {
	f := newFixture(t)
	oppID := f.createOpportunity(t, 3)
	signupID := f.signUp(t, oppID, "u1")

	f.now = f.now.Add(24 * time.Hour)
	w, body := f.do(t, http.MethodPost, "/v1/signups/"+signupID+"/checkin", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "WINDOW_CLOSED", body["code"])

	w, body = f.do(t, http.MethodGet, "/v1/opportunities/missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(opportunity.ErrNotFound.Code))
	assert.Equal(t, http.StatusConflict, statusOf(opportunity.ErrCapacityExhausted.Code))
	assert.Equal(t, http.StatusUnprocessableEntity, statusOf(opportunity.ErrInvalidCheckInCode.Code))
	assert.Equal(t, http.StatusForbidden, statusOf(opportunity.ErrUnauthorized.Code))
	assert.Equal(t, http.StatusInternalServerError, statusOf("SOMETHING_ELSE"))
}

// readEvent returns the next SSE event name and data line.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(line, "data:")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	oppID := f.createOpportunity(t, 2)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/opportunities/"+oppID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "u9"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	name, data := readEvent(t, reader)
	require.Equal(t, "snapshot", name)
	assert.Contains(t, data, `"capacity_available":2`)
	assert.NotContains(t, data, "RIVER")

	require.Eventually(t, func() bool {
		return f.hub.Subscribers(fanout.Topic(oppID)) == 1
	}, time.Second, 5*time.Millisecond)
	f.signUp(t, oppID, "u1")

	seen := map[fanout.EntityType]bool{}
	for len(seen) < 3 {
		name, data = readEvent(t, reader)
		require.Equal(t, "change", name)
		var event fanout.Event
		require.NoError(t, json.Unmarshal([]byte(data), &event))
		seen[event.EntityType] = true
	}
	assert.True(t, seen[fanout.EntityOpportunity])
	assert.True(t, seen[fanout.EntitySignup])
	assert.True(t, seen[fanout.EntityCheckIn])
}
