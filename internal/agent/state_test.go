// ABOUTME: Tests for the agent runtime state machine transitions.
// ABOUTME: Covers double-assign rejection, stale and duplicate cancels, and loss.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gantry/internal/protocol"
	"github.com/2389/gantry/internal/work"
)

var (
	jobA = work.JobIdentifier{PipelineName: "P", PipelineCounter: 1, StageName: "S", StageCounter: 1, JobName: "J", BuildID: 1}
	jobB = work.JobIdentifier{PipelineName: "P", PipelineCounter: 2, StageName: "S", StageCounter: 1, JobName: "J", BuildID: 2}
)

func TestState_AssignAndComplete(t *testing.T) {
	s, err := Idle().Assign(jobA)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusBuilding, s.Status)
	assert.True(t, s.Holds(jobA))
	assert.Equal(t, "Building(P/1/S/1/J)", s.String())

	s, err = s.Complete(jobA)
	require.NoError(t, err)
	assert.True(t, s.IsIdle())
}

func TestState_AssignWhileBuildingIsViolation(t *testing.T) {
	s, err := Idle().Assign(jobA)
	require.NoError(t, err)

	next, err := s.Assign(jobB)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, s, next, "state must not be overwritten")
}

func TestState_Cancel(t *testing.T) {
	building, err := Idle().Assign(jobA)
	require.NoError(t, err)

	t.Run("matching job", func(t *testing.T) {
		s, applied := building.Cancel(jobA)
		assert.True(t, applied)
		assert.Equal(t, protocol.StatusCancelled, s.Status)

		again, applied := s.Cancel(jobA)
		assert.False(t, applied)
		assert.Equal(t, s, again)

		idle, err := s.Complete(jobA)
		require.NoError(t, err)
		assert.True(t, idle.IsIdle())
	})

	t.Run("stale job", func(t *testing.T) {
		s, applied := building.Cancel(jobB)
		assert.False(t, applied)
		assert.Equal(t, building, s)
	})

	t.Run("idle", func(t *testing.T) {
		s, applied := Idle().Cancel(jobA)
		assert.False(t, applied)
		assert.True(t, s.IsIdle())
	})
}

func TestState_CompleteWrongJob(t *testing.T) {
	s, err := Idle().Assign(jobA)
	require.NoError(t, err)
	_, err = s.Complete(jobB)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = Idle().Complete(jobA)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestState_Lose(t *testing.T) {
	s, err := Idle().Assign(jobA)
	require.NoError(t, err)

	lost := s.Lose()
	assert.Equal(t, protocol.StatusLostContact, lost.Status)
	job, ok := lost.HeldJob()
	assert.True(t, ok)
	assert.Equal(t, jobA, job)
	assert.False(t, lost.Holds(jobA))

	_, err = lost.Assign(jobB)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, ok = Idle().Lose().HeldJob()
	assert.False(t, ok)
}
