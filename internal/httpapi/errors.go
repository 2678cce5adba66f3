package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"volunteer/internal/opportunity"
)

// statusOf maps a business code to its HTTP status.
func statusOf(code string) int {
	switch code {
	case opportunity.ErrNotFound.Code:
		return http.StatusNotFound
	case opportunity.ErrWindowClosed.Code,
		opportunity.ErrAlreadySignedUp.Code,
		opportunity.ErrCapacityExhausted.Code,
		opportunity.ErrNotSignedUp.Code,
		opportunity.ErrStateConflict.Code:
		return http.StatusConflict
	case opportunity.ErrInvalidCheckInCode.Code:
		return http.StatusUnprocessableEntity
	case opportunity.ErrUnauthorized.Code:
		return http.StatusForbidden
	case opportunity.ErrInvalidInput.Code:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error","code"}. Business errors keep
// their message and code; anything else is logged and hidden behind a
// generic 500.
func writeError(c *gin.Context, err error) {
	code := opportunity.CodeOf(err)
	if code == "" {
		log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
		return
	}
	c.AbortWithStatusJSON(statusOf(code), gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": opportunity.ErrInvalidInput.Code})
}
