package workflow

import (
	"errors"
	"fmt"
)

// ErrApplicationNotFound is returned when the store has no application
// with the requested id.
var ErrApplicationNotFound = errors.New("workflow: application not found")

// ErrVersionConflict is returned when a save lost an optimistic
// concurrency race. The caller may reload and retry.
var ErrVersionConflict = errors.New("workflow: application version conflict")

// InvalidTransitionError: the graph has no edge currentState -> toState.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow: no transition %s -> %s", e.From, e.To)
}

// ActorNotAuthorizedError: the actor's role does not match the edge's
// required role.
type ActorNotAuthorizedError struct {
	Required Role
	Actual   Role
}

func (e *ActorNotAuthorizedError) Error() string {
	return fmt.Sprintf("workflow: transition requires role %q, actor has %q", e.Required, e.Actual)
}

// PreconditionNotMetError: the edge's precondition check failed.
type PreconditionNotMetError struct {
	From   State
	To     State
	Reason string
}

func (e *PreconditionNotMetError) Error() string {
	return fmt.Sprintf("workflow: precondition for %s -> %s not met: %s", e.From, e.To, e.Reason)
}
