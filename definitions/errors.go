package definitions

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("definition not found")
	ErrNameConflict        = errors.New("definition name already in use")
	ErrIllegalTransition   = errors.New("illegal lifecycle transition")
	ErrDispatchUnavailable = errors.New("dispatch unavailable")
	ErrStale               = errors.New("definition was modified concurrently")
	ErrInvalid             = errors.New("invalid definition")
)

// TransitionError reports a guard violation. It matches ErrIllegalTransition.
type TransitionError struct {
	Op    Operation
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a definition in state %s", e.Op, e.State)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

func notFound(id string) error {
	return fmt.Errorf("definition %s: %w", id, ErrNotFound)
}

func nameConflict(kind Kind, name string) error {
	return fmt.Errorf("%s named %q: %w", kind.Label(), name, ErrNameConflict)
}
