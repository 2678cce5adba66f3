package opportunity

import "github.com/pkg/errors"

// Error is an expected, caller-recoverable outcome of a coordination
// operation. Each value carries a stable code that the HTTP layer
// surfaces verbatim.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrNotFound           = &Error{Code: "NOT_FOUND", Message: "not found"}
	ErrWindowClosed       = &Error{Code: "WINDOW_CLOSED", Message: "opportunity window is closed"}
	ErrAlreadySignedUp    = &Error{Code: "ALREADY_SIGNED_UP", Message: "already signed up for this opportunity"}
	ErrCapacityExhausted  = &Error{Code: "CAPACITY_EXHAUSTED", Message: "no slots left"}
	ErrNotSignedUp        = &Error{Code: "NOT_SIGNED_UP", Message: "no active signup for this opportunity"}
	ErrInvalidCheckInCode = &Error{Code: "INVALID_CHECK_IN_CODE", Message: "check-in code does not match"}
	ErrStateConflict      = &Error{Code: "STATE_CONFLICT", Message: "check-in is not in the required state"}
	ErrUnauthorized       = &Error{Code: "UNAUTHORIZED", Message: "admin role required"}
	ErrInvalidInput       = &Error{Code: "INVALID_INPUT", Message: "invalid input"}
)

// CodeOf returns the business code carried by err, or "" when err is
// nil or not a business error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsBusiness reports whether err is one of the expected outcomes above
// rather than an infrastructure failure.
func IsBusiness(err error) bool {
	return CodeOf(err) != ""
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return code
	}
	return "error"
}
