package coordinator

import (
	"errors"
	"fmt"

	"disasterRelief/internal/location"
	"disasterRelief/repository"
)

// Code identifies a class of coordinator failure. Codes are stable and are
// used as-is in HTTP error bodies and notification events.
type Code string

const (
	CodeInvalidState        Code = "invalid_state"
	CodeAlreadyClaimed      Code = "already_claimed"
	CodeNotAssigned         Code = "not_assigned"
	CodeInvalidInput        Code = "invalid_input"
	CodeLocationDenied      Code = "location_denied"
	CodeLocationUnavailable Code = "location_unavailable"
	CodeLocationTimeout     Code = "location_timeout"
	CodeStoreUnavailable    Code = "store_unavailable"
	CodeNotFound            Code = "not_found"
)

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ErrAlreadyClaimed) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

var (
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrAlreadyClaimed      = &Error{Code: CodeAlreadyClaimed}
	ErrNotAssigned         = &Error{Code: CodeNotAssigned}
	ErrInvalidInput        = &Error{Code: CodeInvalidInput}
	ErrLocationDenied      = &Error{Code: CodeLocationDenied}
	ErrLocationUnavailable = &Error{Code: CodeLocationUnavailable}
	ErrLocationTimeout     = &Error{Code: CodeLocationTimeout}
	ErrStoreUnavailable    = &Error{Code: CodeStoreUnavailable}
	ErrNotFound            = &Error{Code: CodeNotFound}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, mapping store and location
// sentinels. Unknown errors are reported as store_unavailable.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return classify(err).Code
}

// classify wraps a store or location error into the taxonomy.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &Error{Code: CodeNotFound, Err: err}
	case errors.Is(err, location.ErrDenied):
		return &Error{Code: CodeLocationDenied, Err: err}
	case errors.Is(err, location.ErrTimeout):
		return &Error{Code: CodeLocationTimeout, Err: err}
	case errors.Is(err, location.ErrUnavailable):
		return &Error{Code: CodeLocationUnavailable, Err: err}
	}
	// ErrAborted, ErrUnavailable, ErrClosed and anything unexpected: nothing was
	// committed and the caller may retry.
	return &Error{Code: CodeStoreUnavailable, Err: err}
}
