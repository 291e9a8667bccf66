package circuit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every rejection from an open circuit.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrCircuitNotFound is returned for operations on unknown circuits.
	ErrCircuitNotFound = errors.New("circuit not found")

	// ErrDependencyCycle is returned when a dependency edge would close a cycle.
	ErrDependencyCycle = errors.New("circuit dependency cycle")
)

// OpenError is returned by Execute when a call is rejected.
type OpenError struct {
	Name       string
	State      State
	Reason     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	msg := fmt.Sprintf("circuit %s is %s", e.Name, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is reports ErrCircuitOpen as a match.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
