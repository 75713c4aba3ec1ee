package fsm

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidTransition is returned when the requested state is not reachable
// from the current one.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError carries the rejected pair. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Rules validates a single transition. Stores receive Rules rather than a
// concrete table so that the check happens inside their transaction.
type Rules interface {
	Validate(from, to State) error
}

// Table is an immutable set of allowed (from, to) pairs.
type Table struct {
	edges map[State]map[State]struct{}
	known map[State]struct{}
}

// NewTable returns an empty table. Use Allow to populate it.
func NewTable() *Table {
	return &Table{
		edges: make(map[State]map[State]struct{}),
		known: make(map[State]struct{}),
	}
}

// Allow adds from -> to for every to. It returns the table for chaining.
func (t *Table) Allow(from State, to ...State) *Table {
	set, ok := t.edges[from]
	if !ok {
		set = make(map[State]struct{}, len(to))
		t.edges[from] = set
	}
	if from != StateNone {
		t.known[from] = struct{}{}
	}
	for _, s := range to {
		set[s] = struct{}{}
		t.known[s] = struct{}{}
	}
	return t
}

// Allowed reports whether from -> to is in the table.
func (t *Table) Allowed(from, to State) bool {
	_, ok := t.edges[from][to]
	return ok
}

// Known reports whether s appears anywhere in the table.
func (t *Table) Known(s State) bool {
	_, ok := t.known[s]
	return ok
}

// Validate returns a *TransitionError if from -> to is not allowed.
func (t *Table) Validate(from, to State) error {
	if !t.Allowed(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Targets lists the states reachable from s, sorted.
func (t *Table) Targets(s State) []State {
	out := make([]State, 0, len(t.edges[s]))
	for to := range t.edges[s] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pipeline builds the table for a linear pipeline of stage-initial states.
//
// An entity may be created in pending or directly in any stage. Each stage
// may re-enter itself (retry), advance to the next stage, or end in a
// terminal state; only the last stage may complete. Terminal states go back
// to pending for a fresh run.
func Pipeline(stages ...State) *Table {
	t := NewTable()
	t.Allow(StateNone, StatePending)
	t.Allow(StateNone, stages...)
	t.Allow(StatePending, stages...)
	t.Allow(StatePending, StateCancelled)

	for i, s := range stages {
		t.Allow(s, s, StateFailed, StateCancelled)
		if i+1 < len(stages) {
			t.Allow(s, stages[i+1])
		} else {
			t.Allow(s, StateCompleted)
		}
	}

	t.Allow(StateCompleted, StatePending)
	t.Allow(StateFailed, StatePending)
	t.Allow(StateCancelled, StatePending)
	return t
}

// DefaultTable is the six-stage pipeline.
func DefaultTable() *Table {
	stages := make([]State, 0, MaxStages)
	for i := 1; i <= MaxStages; i++ {
		stages = append(stages, StageInit(i))
	}
	return Pipeline(stages...)
}
