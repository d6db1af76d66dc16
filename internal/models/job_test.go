package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobState
		want     bool
	}{
		{StateQueued, StateRunning, true},
		{StateQueued, StateHold, true},
		{StateQueued, StateCancelled, true},
		{StateQueued, StateFinished, false},
		{StateHold, StateQueued, true},
		{StateHold, StateCancelled, true},
		{StateHold, StateRunning, false},
		{StateRunning, StateFinished, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateTimeout, true},
		{StateRunning, StateQueued, false},
		{StateFinished, StateRunning, false},
		{StateFailed, StateQueued, false},
		{StateCancelled, StateRunning, false},
		{StateTimeout, StateRunning, false},
	}
	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		assert.Equalf(t, c.want, got, "CanTransition(%s, %s)", c.from, c.to)
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	terminal := []JobState{StateFinished, StateFailed, StateCancelled, StateTimeout}
	for _, s := range terminal {
		assert.Truef(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []JobState{StateQueued, StateHold, StateRunning}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestJobCloneIsIndependent(t *testing.T) {
	mb := 1024
	job := &Job{
		ID:            1,
		Parameters:    map[string]string{"x": "1"},
		DependsOnIDs:  []uint32{2, 3},
		GpuIDs:        []uint32{0},
		MemoryLimitMB: &mb,
	}
	clone := job.Clone()
	clone.Parameters["x"] = "2"
	clone.DependsOnIDs[0] = 99
	clone.GpuIDs[0] = 7
	*clone.MemoryLimitMB = 2048

	assert.Equal(t, "1", job.Parameters["x"])
	assert.Equal(t, uint32(2), job.DependsOnIDs[0])
	assert.Equal(t, uint32(0), job.GpuIDs[0])
	assert.Equal(t, 1024, *job.MemoryLimitMB)
}

func TestJobUsesScript(t *testing.T) {
	assert.True(t, (&Job{ScriptPath: "train.py"}).UsesScript())
	assert.False(t, (&Job{Command: "python train.py"}).UsesScript())
}
