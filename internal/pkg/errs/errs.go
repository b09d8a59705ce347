/*
Package errs provides custom error types and application-level error code constants.

This file defines the CustomError struct, which implements the standard Go error interface
and includes a business code, a user-friendly message, and an HTTP status code for unified error reporting.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"relaychat/internal/pkg/logx"
)

// CustomError is an application error with a business code, a client facing message and the
// HTTP status it renders with.
type CustomError struct {
	Code    int
	Message string
	Status  int
}

func (e CustomError) Error() string {
	return fmt.Sprintf("code %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Is matches any CustomError carrying the same business code.
func (e CustomError) Is(target error) bool {
	var t *CustomError
	return errors.As(target, &t) && t.Code == e.Code
}

// NewError builds the error registered under code. details are printf arguments for message
// templates containing verbs; for ErrUnknown a leading error detail is logged instead.
// Unregistered codes fall back to ErrUnknown.
func NewError(code int, details ...any) *CustomError {
	tmpl, ok := errorMap[code]
	if !ok {
		logx.Warn("Unknown error code requested", "requested_code", code)
		tmpl = errorMap[ErrUnknown]
		details = nil
	}

	out := tmpl
	if out.Status == 0 {
		out.Status = http.StatusOK
	}
	if len(details) == 0 {
		return &out
	}

	switch {
	case out.Code == ErrUnknown:
		if cause, isErr := details[0].(error); isErr {
			logx.Error(cause, "Handling ErrUnknown with underlying error")
		}
	case strings.Contains(out.Message, "%"):
		out.Message = fmt.Sprintf(out.Message, details...)
	default:
		logx.Warn("Error details ignored: message has no placeholders", "code", out.Code)
	}
	return &out
}
