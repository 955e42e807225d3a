// Package connector implements the Connector state machine: the owner of
// one wire-protocol session, driving Transport/Authenticator/Codec through
// startup, query execution, COPY, cancellation, and asynchronous
// notifications (spec.md §4.5).
package connector

import "fmt"

// State is one of the Connector's lifecycle states (spec.md §4.5).
type State int

const (
	Closed State = iota
	Connecting
	Ready
	Executing
	Fetching
	Copy
	Broken
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Fetching:
		return "fetching"
	case Copy:
		return "copy"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

// ErrInvalidStateTransition is returned by transition when an operation is
// attempted from a state that doesn't permit it.
type ErrInvalidStateTransition struct {
	From State
	To   State
}

func (e *ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("connector: invalid transition %s -> %s", e.From, e.To)
}

// legalTransitions enumerates spec.md §4.5's transition table: Closed→
// Connecting on open; Connecting→Ready on RFQ during auth; Ready→Executing
// on first outbound query; Executing→Fetching on RowDescription; Fetching→
// Ready on terminal RFQ; any→Broken on transport/codec error; any→Closed
// via Close().
var legalTransitions = map[State]map[State]bool{
	Closed:     {Connecting: true},
	Connecting: {Ready: true, Closed: true, Broken: true},
	Ready:      {Executing: true, Copy: true, Closed: true, Broken: true},
	Executing:  {Fetching: true, Copy: true, Ready: true, Closed: true, Broken: true},
	Fetching:   {Ready: true, Closed: true, Broken: true},
	Copy:       {Ready: true, Closed: true, Broken: true},
	Broken:     {Closed: true},
}

// transition validates and applies a state change, returning
// ErrInvalidStateTransition if the move isn't permitted from the current
// state. Broken is always reachable (a transport/codec error can occur at
// any point) except from Closed, which only unbreaks via a fresh open.
func (c *Connector) transition(to State) error {
	from := c.state
	if to == Broken && from != Closed {
		c.state = Broken
		c.opts.Metrics.StateTransition(from.String(), to.String())
		c.onEnterBroken()
		return nil
	}
	if !legalTransitions[from][to] {
		return &ErrInvalidStateTransition{From: from, To: to}
	}
	c.state = to
	c.opts.Metrics.StateTransition(from.String(), to.String())
	if to == Ready {
		// "Setting state to Ready closes a lingering reader and marks its
		// command idle" (spec.md §4.5).
		c.closeLingeringReader()
	}
	return nil
}

// State returns the Connector's current lifecycle state.
func (c *Connector) State() State { return c.state }
