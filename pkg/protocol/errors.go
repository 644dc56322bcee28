package protocol

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed resource.
var ErrClosed = errors.New("closed")

// SeqRegressionError is returned when an append would break the strictly
// increasing, gap-free sequence.
type SeqRegressionError struct {
	Got  uint64
	Last uint64
}

func (e *SeqRegressionError) Error() string {
	return fmt.Sprintf("seq %d does not follow last seq %d", e.Got, e.Last)
}

// UnknownActionError is returned when no handler is registered for an action.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("no handler registered for action %q", e.Name)
}

// UnknownRoleError is returned when a string does not name a Role.
type UnknownRoleError struct {
	Role string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Role)
}
