// Package fsm holds the pipeline states an entity moves through and the
// static table of transitions between them.
package fsm

import "fmt"

// State is a named position in an entity's pipeline.
type State string

const (
	// StateNone is the implicit state of an entity that has never been initiated.
	StateNone State = ""

	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"

	StateStage1Init State = "stage1_init"
	StateStage2Init State = "stage2_init"
	StateStage3Init State = "stage3_init"
	StateStage4Init State = "stage4_init"
	StateStage5Init State = "stage5_init"
	StateStage6Init State = "stage6_init"
)

// MaxStages is the longest pipeline DefaultTable describes.
const MaxStages = 6

// StageInit returns the initial state of the n-th stage (1-indexed).
func StageInit(n int) State {
	return State(fmt.Sprintf("stage%d_init", n))
}

// IsTerminal reports whether s ends a pipeline run.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) String() string {
	if s == StateNone {
		return "<none>"
	}
	return string(s)
}
