package state

import (
	"fmt"
	"sort"

	"github.com/openfroyo/resilience/pkg/faults"
)

var resourceTransitions = map[ResourceState][]ResourceState{
	ResourceActive:     {ResourcePaused, ResourceFailed, ResourceTerminated},
	ResourcePaused:     {ResourceActive, ResourceTerminated},
	ResourceFailed:     {ResourceRecovered, ResourceTerminated},
	ResourceRecovered:  {ResourceActive, ResourceTerminated},
	ResourceTerminated: {},
}

var interfaceTransitions = map[InterfaceState][]InterfaceState{
	InterfaceInitialized: {InterfaceActive, InterfaceError},
	InterfaceActive:      {InterfaceDisabled, InterfaceError, InterfaceValidating},
	InterfaceDisabled:    {InterfaceActive},
	InterfaceError:       {InterfaceInitialized, InterfaceDisabled},
	InterfaceValidating:  {InterfaceActive, InterfaceError, InterfacePropagating},
	InterfacePropagating: {InterfaceActive, InterfaceError},
}

// ValidateTransition reports whether moving from current to next is legal.
// Self transitions and anything involving a custom state are always legal;
// transitions across enum kinds never are.
func ValidateTransition(current, next State) bool {
	if current.Equal(next) {
		return true
	}
	if current.IsCustom() || next.IsCustom() {
		return true
	}
	if current.kind != next.kind {
		return false
	}

	switch current.kind {
	case KindResource:
		for _, s := range resourceTransitions[ResourceState(current.name)] {
			if string(s) == next.name {
				return true
			}
		}
	case KindInterface:
		for _, s := range interfaceTransitions[InterfaceState(current.name)] {
			if string(s) == next.name {
				return true
			}
		}
	}
	return false
}

// ValidTransitions lists the states reachable from current in one step.
// Custom and terminal states have none.
func ValidTransitions(current State) []State {
	var out []State
	switch current.kind {
	case KindResource:
		for _, s := range resourceTransitions[ResourceState(current.name)] {
			out = append(out, Resource(s))
		}
	case KindInterface:
		for _, s := range interfaceTransitions[InterfaceState(current.name)] {
			out = append(out, Interface(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// IsTerminal reports whether no further transitions are possible from s.
func IsTerminal(s State) bool {
	return !s.IsCustom() && len(ValidTransitions(s)) == 0
}

// CheckTransition returns a validation error when the transition is illegal.
func CheckTransition(current, next State) error {
	if ValidateTransition(current, next) {
		return nil
	}
	return faults.NewValidationError(fmt.Sprintf("invalid state transition from %s to %s", current, next)).
		WithCode(faults.CodeInvalidTransition).
		WithDetail("from", current.String()).
		WithDetail("to", next.String())
}
