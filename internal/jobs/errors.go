package jobs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid")
)

// Error is returned by Store mutations.
// errors.Is(err, ErrNotFound) / errors.Is(err, ErrInvalid) match on Kind.
type Error struct {
	Kind Kind
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalid:
		return e.Kind == KindInvalid
	}
	return false
}

func internalErr(op, name string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Name: name, Err: err}
}

func notFoundErr(op, name string) error {
	return &Error{Kind: KindNotFound, Op: op, Name: name, Err: fmt.Errorf("job %q not found", name)}
}

func invalidErr(op, name, reason string) error {
	return &Error{Kind: KindInvalid, Op: op, Name: name, Err: errors.New(reason)}
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
