package apperrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Error is a domain error with a stable code and an HTTP mapping
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidTransition     = &Error{Code: "INVALID_TRANSITION", Message: "invalid transition", StatusCode: http.StatusConflict}
	ErrNotFound              = &Error{Code: "NOT_FOUND", Message: "not found", StatusCode: http.StatusNotFound}
	ErrConflict              = &Error{Code: "CONFLICT", Message: "concurrent modification, refresh and retry", StatusCode: http.StatusConflict}
	ErrCheckoutFailed        = &Error{Code: "CHECKOUT_FAILED", Message: "checkout failed", StatusCode: http.StatusUnprocessableEntity}
	ErrOtpMismatch           = &Error{Code: "OTP_MISMATCH", Message: "otp proof does not match", StatusCode: http.StatusForbidden}
	ErrGroupFetchUnavailable = &Error{Code: "GROUP_FETCH_UNAVAILABLE", Message: "group membership service unavailable", StatusCode: http.StatusServiceUnavailable}
	ErrInvalidRequest        = &Error{Code: "INVALID_REQUEST", Message: "invalid request", StatusCode: http.StatusBadRequest}
)

// Newf returns a copy of base with a detailed message
func Newf(base *Error, format string, args ...interface{}) *Error {
	return &Error{
		Code:       base.Code,
		Message:    base.Message + ": " + fmt.Sprintf(format, args...),
		StatusCode: base.StatusCode,
	}
}

// From extracts the domain error in err's chain
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode maps err to an HTTP status, defaulting to 500
func StatusCode(err error) int {
	if e, ok := From(err); ok {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}
