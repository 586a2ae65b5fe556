// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsUnknownDependency(t *testing.T) {
	_, err := New([]string{"a", "b"}, map[string][]string{"b": {"ghost"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNew_RejectsSelfDependency(t *testing.T) {
	_, err := New([]string{"a"}, map[string][]string{"a": {"a"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNew_RejectsCycle(t *testing.T) {
	_, err := New([]string{"a", "b", "c"}, map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNew_InitialStatesReadyOrPending(t *testing.T) {
	s, err := New([]string{"a", "b", "c"}, map[string][]string{
		"b": {"a"},
		"c": {"a"},
	})
	require.NoError(t, err)

	state, ok := s.StepState("a")
	require.True(t, ok)
	assert.Equal(t, Ready, state)

	for _, step := range []string{"b", "c"} {
		state, ok := s.StepState(step)
		require.True(t, ok)
		assert.Equal(t, Pending, state)
	}
	assert.ElementsMatch(t, []string{"a"}, s.NextReady())
}

func TestMarkCompleted_UnblocksDownstreamWhenAllPrereqsDone(t *testing.T) {
	s, err := New([]string{"a", "b", "c"}, map[string][]string{
		"c": {"a", "b"},
	})
	require.NoError(t, err)

	s.MarkRunning("a")
	newlyReady := s.MarkCompleted("a")
	assert.Empty(t, newlyReady, "c still waits on b")

	state, _ := s.StepState("c")
	assert.Equal(t, Pending, state)

	s.MarkRunning("b")
	newlyReady = s.MarkCompleted("b")
	assert.Equal(t, []string{"c"}, newlyReady)

	state, _ = s.StepState("c")
	assert.Equal(t, Ready, state)
}

func TestMarkFailed_CascadesBlockedTransitively(t *testing.T) {
	s, err := New([]string{"a", "b", "c", "d"}, map[string][]string{
		"b": {"a"},
		"c": {"b"},
		"d": {}, // independent, must not be touched
	})
	require.NoError(t, err)

	s.MarkRunning("a")
	blocked := s.MarkFailed("a")

	assert.ElementsMatch(t, []string{"b", "c"}, blocked)

	bState, _ := s.StepState("b")
	cState, _ := s.StepState("c")
	dState, _ := s.StepState("d")
	assert.Equal(t, Blocked, bState)
	assert.Equal(t, Blocked, cState)
	assert.Equal(t, Ready, dState)
}

func TestMarkFailed_DiamondVisitsEachDownstreamOnce(t *testing.T) {
	// a -> b -> d
	// a -> c -> d
	// d depends on both b and c, which both depend on a: the cascade must
	// reach d via both branches but report it only once.
	s, err := New([]string{"a", "b", "c", "d"}, map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})
	require.NoError(t, err)

	s.MarkRunning("a")
	blocked := s.MarkFailed("a")

	assert.ElementsMatch(t, []string{"b", "c", "d"}, blocked)
	dState, _ := s.StepState("d")
	assert.Equal(t, Blocked, dState)
}

func TestIsComplete(t *testing.T) {
	s, err := New([]string{"a", "b"}, map[string][]string{"b": {"a"}})
	require.NoError(t, err)

	assert.False(t, s.IsComplete())

	s.MarkRunning("a")
	s.MarkCompleted("a")
	assert.False(t, s.IsComplete())

	s.MarkRunning("b")
	s.MarkCompleted("b")
	assert.True(t, s.IsComplete())
}

func TestRunningSteps(t *testing.T) {
	s, err := New([]string{"a", "b"}, nil)
	require.NoError(t, err)

	s.MarkRunning("a")
	assert.Equal(t, []string{"a"}, s.RunningSteps())
}

func TestCounts(t *testing.T) {
	s, err := New([]string{"a", "b", "c"}, map[string][]string{"c": {"a"}})
	require.NoError(t, err)

	counts := s.Counts()
	assert.Equal(t, 2, counts[Ready])
	assert.Equal(t, 1, counts[Pending])
}
