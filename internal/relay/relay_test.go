// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentd/internal/bridge"
	"github.com/agentflow/agentd/internal/eventstore"
	"github.com/agentflow/agentd/internal/sessionbus"
	"github.com/agentflow/agentd/internal/subprocess"
)

// writeAgentScript writes an executable shell script at dir/name whose body
// is script, standing in for an agent CLI binary: it prints whatever fixed
// NDJSON lines the test needs regardless of the flags the manager appends
// to its argv.
func writeAgentScript(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	full := "#!/bin/sh\n" + script
	require.NoError(t, os.WriteFile(path, []byte(full), 0o755))
	return path
}

type fakeCatalog struct {
	mu              sync.Mutex
	usageCalls      int
	upstreamID      string
	upstreamCleared bool
	idleCalls       int
}

func (f *fakeCatalog) UpdateUsage(ctx context.Context, sessionID string, in, out int64, cost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageCalls++
	return nil
}

func (f *fakeCatalog) SetUpstreamSessionID(ctx context.Context, sessionID, upstreamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstreamID = upstreamID
	return nil
}

func (f *fakeCatalog) ClearUpstreamSessionID(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstreamCleared = true
	return nil
}

func (f *fakeCatalog) SetIdle(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleCalls++
	return nil
}

func newTestRelay(t *testing.T, cat Catalog) (*Relay, *eventstore.Store, *sessionbus.Hub) {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := sessionbus.NewHub(0)
	procs := subprocess.NewManager(4)
	return New(procs, hub, store, cat), store, hub
}

func TestRelay_StartPersistsAndBroadcastsTurn(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `
echo '{"type":"system","subtype":"init","session_id":"up-1","model":"m","cwd":"/tmp"}'
echo '{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"echo hi"}}}'
echo '{"type":"result","subtype":"success","is_error":false,"total_cost_usd":0.01,"input_tokens":3,"output_tokens":5}'
`)

	cat := &fakeCatalog{}
	r, store, hub := newTestRelay(t, cat)
	ctx := context.Background()

	sub := hub.Subscribe("s1", "client", "events")

	_, err := r.Start(ctx, Config{SessionID: "s1", Command: script})
	require.NoError(t, err)
	defer r.Cancel(ctx, "s1")

	var kinds []bridge.Kind
	for len(kinds) < 4 {
		select {
		case ev := <-sub.Events():
			kinds = append(kinds, ev.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v so far", kinds)
		}
	}

	assert.Equal(t, []bridge.Kind{
		bridge.KindSessionInfo,
		bridge.KindPermissionRequest,
		bridge.KindUsageReport,
		bridge.KindStatusChange,
	}, kinds)

	require.Eventually(t, func() bool {
		cat.mu.Lock()
		defer cat.mu.Unlock()
		return cat.usageCalls == 1 && cat.upstreamID == "up-1"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx, "s1")
		return err == nil && n == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_SessionGrantAutoRespondsAndSkipsFanout(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `
echo '{"type":"system","subtype":"init","session_id":"up-1","model":"m","cwd":"/tmp"}'
sleep 0.3
echo '{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"echo hi"}}}'
cat >/dev/null
`)

	r, _, hub := newTestRelay(t, nil)
	ctx := context.Background()

	sub := hub.Subscribe("s1", "client", "events")

	_, err := r.Start(ctx, Config{SessionID: "s1", Command: script})
	require.NoError(t, err)
	defer r.Cancel(ctx, "s1")

	select {
	case ev := <-sub.Events():
		require.Equal(t, bridge.KindSessionInfo, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session info")
	}

	r.mu.Lock()
	active := r.sessions["s1"]
	r.mu.Unlock()
	require.NotNil(t, active)
	active.setGrant("Bash")

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected permission request to be auto-resolved, got %v", ev.Kind)
	case <-time.After(800 * time.Millisecond):
	}
}

func TestRelay_SessionGrantAutoRespondsWritesBareUpdatedInput(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "stdin.log")
	script := writeAgentScript(t, dir, "agent.sh", `
echo '{"type":"system","subtype":"init","session_id":"up-1","model":"m","cwd":"/tmp"}'
sleep 0.3
echo '{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}'
cat >`+capture+`
`)

	r, _, hub := newTestRelay(t, nil)
	ctx := context.Background()

	sub := hub.Subscribe("s1", "client", "events")

	_, err := r.Start(ctx, Config{SessionID: "s1", Command: script})
	require.NoError(t, err)
	defer r.Cancel(ctx, "s1")

	select {
	case ev := <-sub.Events():
		require.Equal(t, bridge.KindSessionInfo, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session info")
	}

	r.mu.Lock()
	active := r.sessions["s1"]
	r.mu.Unlock()
	require.NotNil(t, active)
	active.setGrant("Bash")

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(capture)
		return err == nil && len(b) > 0
	}, 2*time.Second, 10*time.Millisecond)

	b, err := os.ReadFile(capture)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"control_response","response":{"subtype":"success","request_id":"perm-1","response":{"behavior":"allow","updatedInput":{"command":"ls"}}}}`,
		string(b))
}

func TestRelay_SendUserMessagePersistsAndWritesStdin(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `
echo '{"type":"system","subtype":"init","session_id":"up-1","model":"m","cwd":"/tmp"}'
cat >/dev/null
`)

	r, store, _ := newTestRelay(t, nil)
	ctx := context.Background()

	_, err := r.Start(ctx, Config{SessionID: "s1", Command: script})
	require.NoError(t, err)
	defer r.Cancel(ctx, "s1")

	require.Eventually(t, func() bool {
		n, _ := store.Count(ctx, "s1")
		return n >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.SendUserMessage(ctx, "s1", "hello agent"))

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx, "s1")
		return err == nil && n >= 2
	}, 2*time.Second, 10*time.Millisecond)

	records, err := store.Replay(ctx, "s1", 0)
	require.NoError(t, err)

	var sawUserInput bool
	for _, rec := range records {
		if rec.Kind == "user" {
			sawUserInput = true
		}
	}
	assert.True(t, sawUserInput)
}

func TestRelay_SubprocessExitWithZeroEventsEmitsFallback(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `true
`)

	r, _, hub := newTestRelay(t, nil)
	ctx := context.Background()

	sub := hub.Subscribe("s1", "client", "events")

	_, err := r.Start(ctx, Config{SessionID: "s1", Command: script})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, bridge.KindErrorEvent, ev.Kind)
		assert.Equal(t, bridge.CodeSubprocessFailed, ev.Code)
		assert.True(t, ev.IsFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fallback error event")
	}
}

func TestRelay_CancelUnknownSessionReturnsFalseNotError(t *testing.T) {
	r, _, _ := newTestRelay(t, nil)
	ok, err := r.Cancel(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelay_PermissionResponseUnknownRequestErrors(t *testing.T) {
	script := writeAgentScript(t, t.TempDir(), "agent.sh", `
echo '{"type":"system","subtype":"init","session_id":"up-1","model":"m","cwd":"/tmp"}'
cat >/dev/null
`)
	r, _, _ := newTestRelay(t, nil)
	ctx := context.Background()

	_, err := r.Start(ctx, Config{SessionID: "s1", Command: script})
	require.NoError(t, err)
	defer r.Cancel(ctx, "s1")

	require.Eventually(t, func() bool {
		return r.IsActive("s1")
	}, time.Second, 10*time.Millisecond)

	err = r.SendPermissionResponse(ctx, "s1", "does-not-exist", AllowOnce)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}
