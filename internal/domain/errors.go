package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation error")
	ErrNoActiveSession   = errors.New("no active session")
	ErrPersistence       = errors.New("persistence error")
)

// TransitionError reports an action that is not a legal successor of the current derived state.
type TransitionError struct {
	Entity string
	From   string
	Action string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot apply %q from %q", e.Entity, e.Action, e.From)
}

func (e TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidationError reports a structurally invalid payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// NoActiveSessionError is a TransitionError surfaced distinctly so clients can resynchronize.
type NoActiveSessionError struct {
	WorkerID      int64
	DeliverableID int64
}

func (e NoActiveSessionError) Error() string {
	return fmt.Sprintf("no active session for worker %d on deliverable %d", e.WorkerID, e.DeliverableID)
}

func (e NoActiveSessionError) Is(target error) bool {
	return target == ErrNoActiveSession || target == ErrInvalidTransition
}

// PersistenceError wraps a failed store write; the command was not applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

func (e PersistenceError) Is(target error) bool { return target == ErrPersistence }

// ReasonCode maps an error to the wire reason code shared by HTTP and the gateway.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
