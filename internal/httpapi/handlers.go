package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"volunteer/internal/opportunity"
)

const dateLayout = "2006-01-02"

type createOpportunityRequest struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title" binding:"required"`
	CapacityTotal      *int    `json:"capacity_total" binding:"required"`
	WindowStart        string  `json:"window_start"`
	WindowEnd          string  `json:"window_end"`
	SingleDate         string  `json:"single_date"`
	HoursPerCompletion float64 `json:"hours_per_completion"`
	CheckInCode        string  `json:"check_in_code"`
}

func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, errors.Errorf("%s must be a date like 2006-01-02", field)
	}
	return &d, nil
}

func (s *Server) createOpportunity(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req createOpportunityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o := opportunity.Opportunity{
		ID:                 req.ID,
		Title:              req.Title,
		CapacityTotal:      *req.CapacityTotal,
		HoursPerCompletion: req.HoursPerCompletion,
		CheckInCode:        req.CheckInCode,
	}
	var err error
	if o.WindowStart, err = parseDate("window_start", req.WindowStart); err != nil {
		badRequest(c, err)
		return
	}
	if o.WindowEnd, err = parseDate("window_end", req.WindowEnd); err != nil {
		badRequest(c, err)
		return
	}
	if o.SingleDate, err = parseDate("single_date", req.SingleDate); err != nil {
		badRequest(c, err)
		return
	}

	created, err := s.Ledger.CreateOpportunity(c.Request.Context(), o, s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	// The code is only ever shown to the admin who prints the QR poster.
	c.JSON(http.StatusCreated, gin.H{"opportunity": created, "check_in_code": created.CheckInCode})
}

func (s *Server) getOpportunity(c *gin.Context) {
	o, err := s.Ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opportunity": o})
}

func (s *Server) roster(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	snap, err := s.Ledger.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) signUp(c *gin.Context) {
	res, err := s.Ledger.SignUp(c.Request.Context(), c.Param("id"), subject(c), s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"signup":      res.Signup,
		"check_in":    res.CheckIn,
		"opportunity": res.Opportunity,
	})
}

func (s *Server) cancelSignup(c *gin.Context) {
	res, err := s.Ledger.Cancel(c.Request.Context(), c.Param("id"), subject(c), s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signup": res.Signup, "opportunity": res.Opportunity})
}

func (s *Server) getSignup(c *gin.Context) {
	entry, ok := s.requireOwnerOrAdmin(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) checkInManual(c *gin.Context) {
	signupID := c.Param("id")
	if _, ok := s.requireOwnerOrAdmin(c, signupID); !ok {
		return
	}
	ci, err := s.CheckIns.CheckInManual(c.Request.Context(), signupID, s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"check_in": ci})
}

func (s *Server) checkInQR(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	signupID := c.Param("id")
	if _, ok := s.requireOwnerOrAdmin(c, signupID); !ok {
		return
	}
	ci, err := s.CheckIns.CheckInQR(c.Request.Context(), signupID, req.Code, s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"check_in": ci})
}

// bindOptionalJSON binds a body that may be absent.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) approve(c *gin.Context) {
	var req struct {
		HoursEarned float64 `json:"hours_earned"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	ci, err := s.Approvals.Approve(c.Request.Context(), c.Param("id"), subject(c), req.HoursEarned, s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"check_in": ci})
}

func (s *Server) reject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	ci, err := s.Approvals.Reject(c.Request.Context(), c.Param("id"), subject(c), req.Reason, s.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"check_in": ci})
}
