package gridworld

import (
	"testing"

	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, w *World, frames int) {
	t.Helper()
	for f := 0; f < frames; f++ {
		_, err := w.Step(rollback.Actions{
			"0": rollback.Action(f % int(NumActions)),
			"1": rollback.Action((f * 3) % int(NumActions)),
		})
		require.NoError(t, err)
	}
}

func Test_Deterministic(t *testing.T) {
	a := New(Config{Agents: []rollback.PlayerID{"1", "0"}})
	b := New(Config{Agents: []rollback.PlayerID{"0", "1"}})
	_, err := a.Reset(9)
	require.NoError(t, err)
	_, err = b.Reset(9)
	require.NoError(t, err)

	run(t, a, 200)
	run(t, b, 200)
	sa, _ := a.GetState()
	sb, _ := b.GetState()
	assert.Equal(t, sa, sb)
	assert.Equal(t, uint32(200), a.Tick())
}

func Test_StateRoundTripResumes(t *testing.T) {
	a := New(Config{Agents: []rollback.PlayerID{"0", "1"}})
	_, _ = a.Reset(3)
	run(t, a, 50)
	saved, err := a.GetState()
	require.NoError(t, err)

	run(t, a, 30)
	want, _ := a.GetState()

	require.NoError(t, a.SetState(saved))
	assert.Equal(t, uint32(50), a.Tick())
	run(t, a, 30)
	got, _ := a.GetState()
	assert.Equal(t, want, got)
}

func Test_SetStateRejectsGarbage(t *testing.T) {
	a := New(Config{Agents: []rollback.PlayerID{"0"}})
	assert.ErrorIs(t, a.SetState(rollback.State{Engine: []byte{1}}), ErrBadState)
}

func Test_MovesClampAndTruncate(t *testing.T) {
	w := New(Config{Width: 3, Height: 3, Agents: []rollback.PlayerID{"0"}, MaxTicks: 4})
	_, _ = w.Reset(1)
	var res rollback.StepResult
	for i := 0; i < 4; i++ {
		res, _ = w.Step(rollback.Actions{"0": ActionLeft})
	}
	assert.True(t, res.Truncated)
	obs := res.Observation.([]int32)
	assert.Equal(t, int32(0), obs[0])

	out, err := w.Render()
	require.NoError(t, err)
	assert.Len(t, out.(string), 3*3+2)
}

func Test_SetPlayersResizesState(t *testing.T) {
	w := New(Config{})
	w.SetPlayers([]rollback.PlayerID{"b", "a"})
	_, err := w.Reset(5)
	require.NoError(t, err)

	s, err := w.GetState()
	require.NoError(t, err)
	assert.Len(t, s.Engine, 12+2*12)

	res, err := w.Step(rollback.Actions{"a": ActionDown, "b": ActionRight})
	require.NoError(t, err)
	obs := res.Observation.([]int32)
	// "a" sorts first and starts at column 0
	assert.Equal(t, []int32{0, 1, 2, 0}, obs[:4])
}
