package gradius

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error returned across the package boundary.
// Callers branch on the kind, never on message text.
type ErrorKind int

const (
	// KindInternal covers failures nobody upstream can act on.
	KindInternal ErrorKind = iota
	// KindUnauthenticated means no credential, or an invalid or expired one.
	KindUnauthenticated
	// KindForbidden means the credential is valid but the principal may not proceed.
	KindForbidden
	// KindConflict means a unique key was already taken, including address allocation races.
	KindConflict
	// KindPoolExhausted means no VPN address remains in the configured range.
	KindPoolExhausted
	// KindNotFound means the entity does not exist or is not visible to the caller.
	KindNotFound
	// KindUnavailable means a dependency (entropy, identity provider, store) is unreachable.
	KindUnavailable
	// KindInvalid means the input was rejected before any side effect.
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Error is the tagged error type returned by the session, account and peer services.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Errors that carry no kind are internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage is the text that may be shown to an API client for err.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	switch e.Kind {
	case KindInternal:
		return "internal server error"
	case KindUnavailable:
		if errors.Is(err, ErrFederationUnavailable) {
			return ErrFederationUnavailable.Error()
		}
		return "service temporarily unavailable"
	case KindPoolExhausted:
		return "no available ip addresses in vpn subnet"
	default:
		return e.Err.Error()
	}
}

var (
	// ErrInvalidCredentials is returned for unknown emails and wrong secrets alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned for malformed, expired or revoked bearer tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrInactivePrincipal is returned when a principal's status is not active.
	ErrInactivePrincipal = errors.New("user account is not active")
	// ErrFederationUnavailable is returned when the identity provider exchange fails or times out.
	ErrFederationUnavailable = errors.New("identity provider unavailable")
	// ErrAllocationContention is returned when every allocation attempt lost a race.
	ErrAllocationContention = errors.New("ip address conflict, please try again")
)

// RecordNotFoundError reports a missing row from the store.
type RecordNotFoundError struct {
	err error
}

func (r *RecordNotFoundError) Error() string {
	return r.err.Error()
}

func (r *RecordNotFoundError) Unwrap() error {
	return r.err
}

// UniqueViolationError reports a write rejected by a unique index.
type UniqueViolationError struct {
	err error
}

func (u *UniqueViolationError) Error() string {
	return u.err.Error()
}

func (u *UniqueViolationError) Unwrap() error {
	return u.err
}

// DatabaseError wraps any other storage failure.
type DatabaseError struct {
	err error
}

func (d *DatabaseError) Error() string {
	return d.err.Error()
}

func (d *DatabaseError) Unwrap() error {
	return d.err
}
