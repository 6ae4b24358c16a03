// Package xerrors classifies the failures the optimizer pipeline reconciles.
package xerrors

import "errors"

// Kind classifies tinifyd errors.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConflict means a uniqueness constraint was violated. Always a race
	// some other worker won, never fatal.
	KindConflict
	KindNotFound
	KindInvalidType
	// KindUnexpectedValue means an internal invariant broke.
	KindUnexpectedValue
)

var (
	ErrConflict        = &Error{Kind: KindConflict}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidType     = &Error{Kind: KindInvalidType}
	ErrUnexpectedValue = &Error{Kind: KindUnexpectedValue}
)

// Error wraps an underlying error with a kind and the subject it concerns.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Subject != "" {
		base += " " + e.Subject
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, ErrConflict) matches every conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not found"
	case KindInvalidType:
		return "invalid type"
	case KindUnexpectedValue:
		return "unexpected value"
	default:
		return "unknown error"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, subject string) error {
	return &Error{Kind: kind, Op: op, Subject: subject}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
