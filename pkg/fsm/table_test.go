package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable_ForwardProgress(t *testing.T) {
	table := DefaultTable()

	assert.True(t, table.Allowed(StateNone, StatePending))
	assert.True(t, table.Allowed(StateNone, StateStage2Init))
	assert.True(t, table.Allowed(StatePending, StateStage1Init))

	for i := 1; i < MaxStages; i++ {
		assert.True(t, table.Allowed(StageInit(i), StageInit(i+1)), "stage %d -> %d", i, i+1)
		assert.True(t, table.Allowed(StageInit(i), StageInit(i)), "stage %d retry", i)
	}
	assert.True(t, table.Allowed(StateStage6Init, StateCompleted))
}

func TestDefaultTable_RejectsSkips(t *testing.T) {
	table := DefaultTable()

	err := table.Validate(StateStage2Init, StateStage4Init)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateStage2Init, te.From)
	assert.Equal(t, StateStage4Init, te.To)

	assert.False(t, table.Allowed(StateStage3Init, StateStage2Init))
	assert.False(t, table.Allowed(StateStage1Init, StateCompleted))
	assert.False(t, table.Allowed(StateNone, StateCompleted))
}

func TestDefaultTable_TerminalStatesRetry(t *testing.T) {
	table := DefaultTable()

	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		assert.True(t, s.IsTerminal())
		assert.Equal(t, []State{StatePending}, table.Targets(s))
	}
	assert.False(t, StateStage1Init.IsTerminal())
}

func TestPipeline_Known(t *testing.T) {
	table := Pipeline("ingest_init", "render_init")

	assert.True(t, table.Known("ingest_init"))
	assert.True(t, table.Known(StateCompleted))
	assert.False(t, table.Known(StateStage1Init))
	assert.False(t, table.Known(StateNone))

	assert.True(t, table.Allowed("render_init", StateCompleted))
	assert.False(t, table.Allowed("ingest_init", StateCompleted))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "<none>", StateNone.String())
	assert.Equal(t, "stage3_init", StageInit(3).String())
}
