// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentd/internal/subprocess"
)

func TestApplyStrategy_SequentialChainsDeps(t *testing.T) {
	steps := []StepSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	out := applyStrategy(StrategySequential, steps)
	assert.Empty(t, out[0].DependsOn)
	assert.Equal(t, []string{"a"}, out[1].DependsOn)
	assert.Equal(t, []string{"b"}, out[2].DependsOn)
}

func TestApplyStrategy_ParallelClearsDeps(t *testing.T) {
	steps := []StepSpec{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}
	out := applyStrategy(StrategyParallel, steps)
	assert.Empty(t, out[0].DependsOn)
	assert.Empty(t, out[1].DependsOn)
}

func TestApplyStrategy_DagLeavesDepsUntouched(t *testing.T) {
	steps := []StepSpec{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}
	out := applyStrategy(StrategyDag, steps)
	assert.Equal(t, []string{"a"}, out[1].DependsOn)
}

func TestRunOrchestration_SequentialCompletesInOrder(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `true
`)

	cat := newFakeCatalog()
	m := NewManager(subprocess.NewManager(4), cat, script)
	ctx := context.Background()

	sub := m.SubscribeOrchestration("orc1", "watcher")

	err := m.RunOrchestration(ctx, "orc1", "parent-session", StrategySequential, []StepSpec{
		{ID: "step-0", Prompt: "first"},
		{ID: "step-1", Prompt: "second"},
	})
	require.NoError(t, err)

	var final OrchestrationEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == OrchOrchestrationCompleted || ev.Kind == OrchOrchestrationFailed {
				final = ev
				goto done
			}
		case <-timeout:
			t.Fatal("timed out waiting for orchestration to finish")
		}
	}
done:

	assert.Equal(t, OrchOrchestrationCompleted, final.Kind)
	assert.Equal(t, 2, final.Succeeded)
	assert.Equal(t, "completed", cat.orchestrationStatus("orc1"))
	assert.Equal(t, "completed", cat.stepStatus("step-0"))
	assert.Equal(t, "completed", cat.stepStatus("step-1"))
}

func TestRunOrchestration_DagCascadesFailureToBlocked(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `exit 1
`)

	cat := newFakeCatalog()
	m := NewManager(subprocess.NewManager(4), cat, script)
	ctx := context.Background()

	sub := m.SubscribeOrchestration("orc2", "watcher")

	err := m.RunOrchestration(ctx, "orc2", "parent-session", StrategyDag, []StepSpec{
		{ID: "a", Prompt: "root"},
		{ID: "b", Prompt: "child", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	var final OrchestrationEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == OrchOrchestrationCompleted || ev.Kind == OrchOrchestrationFailed {
				final = ev
				goto done
			}
		case <-timeout:
			t.Fatal("timed out waiting for orchestration to finish")
		}
	}
done:

	assert.Equal(t, OrchOrchestrationFailed, final.Kind)
	assert.Equal(t, "failed", cat.orchestrationStatus("orc2"))
	assert.Equal(t, "blocked", cat.stepStatus("b"))
}
