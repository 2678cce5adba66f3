// Package httpapi exposes the coordination engine over HTTP with gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"volunteer/internal/auth"
	"volunteer/internal/fanout"
	"volunteer/internal/metrics"
	"volunteer/internal/opportunity"
)

// HealthCheck is one dependency reported by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds what the handlers need.
type Server struct {
	Ledger    *opportunity.SignupLedger
	CheckIns  *opportunity.CheckInStateMachine
	Approvals *opportunity.ApprovalService
	AuthZ     opportunity.AuthZ
	Hub       *fanout.Hub
	Metrics   *metrics.Metrics

	SigningKey string
	Issuer     string
	// Limiter runs after authentication, so it can key on the subject.
	Limiter        gin.HandlerFunc
	MetricsHandler http.Handler
	Health         []HealthCheck

	// Heartbeat is the SSE keep-alive period.
	Heartbeat time.Duration
	// StreamBuffer is the channel length between the hub and an SSE stream.
	StreamBuffer int
	Now          func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Router builds the gin engine with every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(AccessLog(s.Metrics, "/healthz", "/metrics"))
	r.Use(CORS())
	r.Use(SecurityHeaders())

	if s.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.MetricsHandler))
	}
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", auth.Bearer(s.SigningKey, s.Issuer))
	if s.Limiter != nil {
		v1.Use(s.Limiter)
	}

	v1.POST("/opportunities", s.createOpportunity)
	v1.GET("/opportunities/:id", s.getOpportunity)
	v1.GET("/opportunities/:id/roster", s.roster)
	v1.GET("/opportunities/:id/events", s.events)
	v1.POST("/opportunities/:id/signups", s.signUp)
	v1.DELETE("/opportunities/:id/signups/me", s.cancelSignup)

	v1.GET("/signups/:id", s.getSignup)
	v1.POST("/signups/:id/checkin", s.checkInManual)
	v1.POST("/signups/:id/checkin/qr", s.checkInQR)
	v1.POST("/signups/:id/approve", s.approve)
	v1.POST("/signups/:id/reject", s.reject)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := gin.H{}
	for _, h := range s.Health {
		if err := h.Check(ctx); err != nil {
			report[h.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[h.Name] = "ok"
	}
	report["status"] = "ok"
	if status != http.StatusOK {
		report["status"] = "degraded"
	}
	c.JSON(status, report)
}

// subject returns the authenticated caller's user id.
func subject(c *gin.Context) string {
	claims, _ := auth.FromGin(c)
	return claims.Subject
}

// requireAdmin aborts with 403 unless the caller is an admin.
func (s *Server) requireAdmin(c *gin.Context) bool {
	ok, err := s.AuthZ.IsAdmin(c.Request.Context(), subject(c))
	if err != nil {
		writeError(c, errors.Wrap(err, "authorize admin"))
		return false
	}
	if !ok {
		writeError(c, opportunity.ErrUnauthorized)
		return false
	}
	return true
}

// requireOwnerOrAdmin loads a signup the caller may act on: their own,
// or any signup for an admin.
func (s *Server) requireOwnerOrAdmin(c *gin.Context, signupID string) (opportunity.RosterEntry, bool) {
	entry, err := s.CheckIns.Get(c.Request.Context(), signupID)
	if err != nil {
		writeError(c, err)
		return opportunity.RosterEntry{}, false
	}
	if entry.Signup.UserID == subject(c) {
		return entry, true
	}
	if !s.requireAdmin(c) {
		return opportunity.RosterEntry{}, false
	}
	return entry, true
}
