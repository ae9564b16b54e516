package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to user-visible text).
var (
	ErrNotFound        = errors.New("not_found")
	ErrDuplicateEntry  = errors.New("duplicate_entry")
	ErrAuthExpired     = errors.New("auth_expired")
	ErrNetwork         = errors.New("network_error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidInput    = errors.New("invalid_input")
	ErrUnknown         = errors.New("unknown")
)

var kinds = []error{
	ErrNotFound,
	ErrDuplicateEntry,
	ErrAuthExpired,
	ErrNetwork,
	ErrUnauthenticated,
	ErrInvalidInput,
	ErrUnknown,
}

// Error is a typed operation error with a stable Op + Kind contract.
// Msg is human-readable context and never carries secrets. Err is the
// underlying cause when one exists.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// E builds an *Error without a cause.
func E(op string, kind error, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap builds an *Error around cause. Msg defaults to the cause text.
func Wrap(op string, kind error, cause error) *Error {
	e := &Error{Op: op, Kind: kind, Err: cause}
	if cause != nil {
		e.Msg = cause.Error()
	}
	return e
}

// KindOf returns the sentinel kind of err. Errors outside the taxonomy are ErrUnknown.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind != nil {
		return ce.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrUnknown
}

// IsRetryable reports whether repeating the same call could succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrNetwork, ErrUnknown:
		return true
	default:
		return false
	}
}

// Humanize maps err to the text shown in the chat banner.
func Humanize(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case ErrNotFound:
		return "No data found"
	case ErrDuplicateEntry:
		return "Duplicate entry"
	case ErrAuthExpired:
		return "Authentication expired. Please sign in again."
	case ErrNetwork:
		return "Network error. Please check your connection."
	case ErrUnauthenticated:
		return "User not authenticated"
	case ErrInvalidInput:
		var ce *Error
		if errors.As(err, &ce) && ce.Msg != "" {
			return "Invalid request: " + ce.Msg
		}
		return "Invalid request"
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Msg != "" {
		return ce.Msg
	}
	return "An unexpected database error occurred"
}
