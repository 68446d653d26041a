// Package syncerr defines the failure kinds surfaced by the sync engine.
// Every public engine operation returns either nil or an error carrying one
// of these kinds, so callers can branch on retry vs. abandon.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	// PermissionDenied: the caller lacks the required role or precondition.
	// Never retried automatically.
	PermissionDenied Kind = "permission_denied"
	// LocationUnavailable: positioning failed after exhausting retries.
	// Terminal until tracking is started again.
	LocationUnavailable Kind = "location_unavailable"
	// TransportError: the remote store was unreachable or rejected a request.
	TransportError Kind = "transport_error"
	// ParseError: a remote record could not be decoded. Dropped per item.
	ParseError Kind = "parse_error"
	// FetchFailed: a page fetch failed; list and cursor are untouched.
	FetchFailed Kind = "fetch_failed"
)

func (k Kind) String() string { return string(k) }

// Error is a failure of Kind raised by Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, syncerr.New(kind, "")) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap annotates err with kind. A nil err yields nil.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
