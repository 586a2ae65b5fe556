// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentd/internal/subprocess"
)

// writeAgentScript writes an executable shell script at dir/name whose
// body is script, standing in for the subagent CLI binary.
func writeAgentScript(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	full := "#!/bin/sh\n" + script
	require.NoError(t, os.WriteFile(path, []byte(full), 0o755))
	return path
}

type fakeCatalog struct {
	mu sync.Mutex

	subagents map[string]SubagentRecord
	steps     map[string]string // stepID -> status

	orchestrations map[string]string // id -> status
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		subagents:      make(map[string]SubagentRecord),
		steps:          make(map[string]string),
		orchestrations: make(map[string]string),
	}
}

func (f *fakeCatalog) CreateSubagent(ctx context.Context, cfg SubagentConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subagents[cfg.ID] = SubagentRecord{ID: cfg.ID, Status: StatusPending}
	return nil
}

func (f *fakeCatalog) UpdateSubagentStatus(ctx context.Context, id string, status Status, exitCode *int, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subagents[id] = SubagentRecord{ID: id, Status: status, ResultSummary: summary}
	return nil
}

func (f *fakeCatalog) GetSubagent(ctx context.Context, id string) (SubagentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.subagents[id]
	if !ok {
		return SubagentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeCatalog) CreateOrchestration(ctx context.Context, id, parentSessionID string, strategy Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orchestrations[id] = "pending"
	return nil
}

func (f *fakeCatalog) UpdateOrchestrationStatus(ctx context.Context, id string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orchestrations[id] = status
	return nil
}

func (f *fakeCatalog) CreateOrchestrationStep(ctx context.Context, stepID, orchestrationID string, index int, prompt string, dependsOn []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[stepID] = "pending"
	return nil
}

func (f *fakeCatalog) UpdateStepStatus(ctx context.Context, stepID string, status string, subagentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[stepID] = status
	return nil
}

func (f *fakeCatalog) stepStatus(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps[id]
}

func (f *fakeCatalog) orchestrationStatus(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orchestrations[id]
}

func TestSpawn_RejectsEmptyPrompt(t *testing.T) {
	m := NewManager(subprocess.NewManager(4), newFakeCatalog(), "irrelevant")
	_, err := m.Spawn(context.Background(), SubagentConfig{ID: "a"})
	assert.Error(t, err)
}

func TestSpawn_RejectsAutoApproveWithoutAllowedTools(t *testing.T) {
	m := NewManager(subprocess.NewManager(4), newFakeCatalog(), "irrelevant")
	_, err := m.Spawn(context.Background(), SubagentConfig{ID: "a", Prompt: "do it", AutoApprove: true})
	assert.Error(t, err)
}

func TestSpawn_CompletesAndBroadcastsLifecycle(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash"}]}}'
`)

	cat := newFakeCatalog()
	m := NewManager(subprocess.NewManager(4), cat, script)
	ctx := context.Background()

	sub := m.Subscribe("a1", "watcher")

	id, err := m.Spawn(ctx, SubagentConfig{ID: "a1", Prompt: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	var kinds []EventKind
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				goto done
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event, got %v so far", kinds)
		}
	}
done:

	require.NotEmpty(t, kinds)
	assert.Equal(t, EventStarted, kinds[0])
	assert.Equal(t, EventCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventOutput)
	assert.Contains(t, kinds, EventToolUse)

	require.Eventually(t, func() bool {
		rec, err := cat.GetSubagent(ctx, "a1")
		return err == nil && rec.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSpawn_NonZeroExitIsFailed(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `exit 7
`)

	cat := newFakeCatalog()
	m := NewManager(subprocess.NewManager(4), cat, script)
	ctx := context.Background()

	_, err := m.Spawn(ctx, SubagentConfig{ID: "a1", Prompt: "do the thing"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := cat.GetSubagent(ctx, "a1")
		return err == nil && rec.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancel_SignalsAndMarksCancelled(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `cat >/dev/null
`)

	cat := newFakeCatalog()
	m := NewManager(subprocess.NewManager(4), cat, script)
	ctx := context.Background()

	_, err := m.Spawn(ctx, SubagentConfig{ID: "a1", Prompt: "do the thing"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.IsRunning("a1")
	}, time.Second, 10*time.Millisecond)

	ok, err := m.Cancel(ctx, "a1", "operator requested")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		rec, err := cat.GetSubagent(ctx, "a1")
		return err == nil && rec.Status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// monitor's own catalog write, after the SIGTERM'd process exits, must
	// not clobber the cancelled status with a failed one.
	time.Sleep(200 * time.Millisecond)
	rec, err := cat.GetSubagent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestCancel_UnknownSubagentReturnsFalse(t *testing.T) {
	m := NewManager(subprocess.NewManager(4), newFakeCatalog(), "irrelevant")
	ok, err := m.Cancel(context.Background(), "nope", "reason")
	require.NoError(t, err)
	assert.False(t, ok)
}
