// Package errs is the error taxonomy shared by all core components. Every
// caller-visible failure is one of the five kinds below; KindDeadlineExceeded
// marks actions arriving after their window closed but before the sweep has
// moved the record on.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindNotFound
	KindInvalidState
	KindDeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	}
	return "unknown"
}

type Error struct {
	Kind   Kind
	Entity string
	ID     string
	Reason string
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Kind, e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Entity, e.Reason)
}

func Validation(entity, id, reason string) *Error {
	return &Error{Kind: KindValidation, Entity: entity, ID: id, Reason: reason}
}

func Conflict(entity, id, reason string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Reason: reason}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Reason: "does not exist"}
}

func InvalidState(entity, id, reason string) *Error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, Reason: reason}
}

func DeadlineExceeded(entity, id, reason string) *Error {
	return &Error{Kind: KindDeadlineExceeded, Entity: entity, ID: id, Reason: reason}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsValidation(err error) bool       { return KindOf(err) == KindValidation }
func IsConflict(err error) bool         { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsInvalidState(err error) bool     { return KindOf(err) == KindInvalidState }
func IsDeadlineExceeded(err error) bool { return KindOf(err) == KindDeadlineExceeded }
