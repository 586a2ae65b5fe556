// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentd/internal/subprocess"
)

// Manager spawns subagent subprocesses, monitors them to completion, and
// broadcasts their events. One Manager serves every subagent on a daemon.
type Manager struct {
	procs      *subprocess.Manager
	cat        Catalog
	command    string
	events     *broadcaster[SubagentEvent]
	orchEvents *broadcaster[OrchestrationEvent]

	mu      sync.Mutex
	running map[string]*runningSubagent
}

type runningSubagent struct {
	mu           sync.Mutex
	handleID     string
	autoApprove  bool
	cancelled    bool
	cancelReason string
}

func (r *runningSubagent) markCancelled(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	r.cancelReason = reason
}

func (r *runningSubagent) cancelledState() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled, r.cancelReason
}

// NewManager constructs a Manager backed by procs for subprocess lifecycle
// and cat for persistence. command is the subagent binary to launch (the
// "claude" CLI in production); tests substitute a stand-in script.
func NewManager(procs *subprocess.Manager, cat Catalog, command string) *Manager {
	if command == "" {
		command = "claude"
	}
	return &Manager{
		procs:      procs,
		cat:        cat,
		command:    command,
		events:     newBroadcaster[SubagentEvent](),
		orchEvents: newBroadcaster[OrchestrationEvent](),
		running:    make(map[string]*runningSubagent),
	}
}

// Spawn validates cfg, persists a Pending row, then launches the subagent
// subprocess, which claims a pool permit; the permit is not held before the
// row is written, so a full pool leaves the row marked Failed and Spawn
// returns ErrPoolFull. On success it marks the row Running and starts the
// monitor tasks. Returns the subagent id (cfg.ID, assigned one if empty).
func (m *Manager) Spawn(ctx context.Context, cfg SubagentConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	if err := m.cat.CreateSubagent(ctx, cfg); err != nil {
		return "", fmt.Errorf("orchestrator: create subagent %s: %w", cfg.ID, err)
	}

	permission := subprocess.PermissionStrategy{Mode: subprocess.PromptToolStdio}
	if cfg.AutoApprove && len(cfg.AllowedTools) > 0 {
		permission = subprocess.PermissionStrategy{Mode: subprocess.AllowedToolsOnly, AllowedTools: cfg.AllowedTools}
	}

	lines := make(chan []byte, 256)
	sink := func(_ string, stream subprocess.Stream, line []byte) {
		if stream == subprocess.Stderr {
			log.Printf("orchestrator: %s: subprocess stderr: %s", cfg.ID, line)
			return
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines <- cp
	}

	handle, err := m.procs.Spawn(ctx, subprocess.Config{
		Command:    m.command,
		WorkDir:    cfg.WorkDir,
		Prompt:     cfg.Prompt,
		Model:      cfg.Model,
		MaxTurns:   cfg.MaxTurns,
		Permission: permission,
	}, sink)
	if err != nil {
		if errors.Is(err, subprocess.ErrPoolFull) {
			err = fmt.Errorf("%w: %w", ErrPoolFull, err)
		}
		if perr := m.cat.UpdateSubagentStatus(ctx, cfg.ID, StatusFailed, nil, "spawn failed: "+err.Error()); perr != nil {
			log.Printf("orchestrator: %s: record spawn failure: %v", cfg.ID, perr)
		}
		return "", fmt.Errorf("orchestrator: spawn %s: %w", cfg.ID, err)
	}

	state := &runningSubagent{handleID: handle.ID, autoApprove: cfg.AutoApprove}
	m.mu.Lock()
	m.running[cfg.ID] = state
	m.mu.Unlock()

	if err := m.cat.UpdateSubagentStatus(ctx, cfg.ID, StatusRunning, nil, ""); err != nil {
		log.Printf("orchestrator: %s: record running: %v", cfg.ID, err)
	}

	go func() {
		<-handle.Done()
		close(lines)
	}()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	go m.monitor(cfg, handle, lines, timeout, state)

	return cfg.ID, nil
}

// Subscribe returns a channel of id's subagent events for clientID.
func (m *Manager) Subscribe(id, clientID string) <-chan SubagentEvent {
	return m.events.subscribe(id, clientID)
}

// IsRunning reports whether id still has an active subprocess.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// SendInput writes content to id's subprocess stdin, for forwarding a
// parent session's permission-response or follow-up turn into a running
// subagent. Returns false if id has no active subprocess.
func (m *Manager) SendInput(id, content string) (bool, error) {
	m.mu.Lock()
	state, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := m.procs.Send(state.handleID, []byte(content)); err != nil {
		return false, fmt.Errorf("orchestrator: %s: send input: %w", id, err)
	}
	return true, nil
}

// Cancel signals SIGTERM to id's subprocess, marks it Cancelled in the
// catalog, and reports whether it was running.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	state, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	state.markCancelled(reason)

	if err := m.procs.Signal(state.handleID, syscall.SIGTERM); err != nil {
		log.Printf("orchestrator: %s: signal cancel: %v", id, err)
	}

	if err := m.cat.UpdateSubagentStatus(ctx, id, StatusCancelled, nil, reason); err != nil {
		return true, fmt.Errorf("orchestrator: %s: record cancelled: %w", id, err)
	}
	return true, nil
}

// monitor runs the three tasks spawn() starts per subagent: a stdout
// reader (parses lines into broadcast events, here folded into the lines
// channel this goroutine itself drains), a waiter that decides the
// terminal status (normal exit / timeout escalation), and the final
// catalog + broadcast write. Stderr is handled by sink directly (log
// only).
func (m *Manager) monitor(cfg SubagentConfig, handle *subprocess.Handle, lines <-chan []byte, timeout time.Duration, state *runningSubagent) {
	ctx := context.Background()

	m.events.publish(cfg.ID, SubagentEvent{
		SubagentID: cfg.ID,
		Timestamp:  time.Now(),
		Kind:       EventStarted,
		Model:      cfg.Model,
	})

	go func() {
		for line := range lines {
			for _, ev := range parseStdoutLine(cfg.ID, line) {
				m.events.publish(cfg.ID, ev)
			}
		}
	}()

	status, exitCode, summary := m.waitWithTimeout(handle, timeout)

	// Cancel already wrote the catalog's terminal status; honor it instead
	// of letting the exit-code-derived status clobber it with "failed".
	if cancelled, reason := state.cancelledState(); cancelled {
		status, summary = StatusCancelled, reason
	}

	if err := m.cat.UpdateSubagentStatus(ctx, cfg.ID, status, &exitCode, summary); err != nil {
		log.Printf("orchestrator: %s: record terminal status: %v", cfg.ID, err)
	}

	var terminal SubagentEvent
	terminal.SubagentID = cfg.ID
	terminal.Timestamp = time.Now()
	switch status {
	case StatusCompleted:
		terminal.Kind = EventCompleted
		terminal.ExitCode = exitCode
		terminal.ResultSummary = summary
	case StatusCancelled:
		terminal.Kind = EventCancelled
		terminal.Reason = summary
	default:
		terminal.Kind = EventFailed
		terminal.ExitCode = exitCode
		terminal.ErrorMessage = summary
	}
	m.events.publish(cfg.ID, terminal)
	m.events.closeID(cfg.ID)

	m.mu.Lock()
	delete(m.running, cfg.ID)
	m.mu.Unlock()
}

// waitWithTimeout waits for handle to exit, escalating SIGTERM then
// SIGKILL (after GracePeriod) if timeout elapses first.
func (m *Manager) waitWithTimeout(handle *subprocess.Handle, timeout time.Duration) (Status, int, string) {
	select {
	case <-handle.Done():
		code := handle.ExitCode()
		if code == 0 {
			return StatusCompleted, code, "Completed successfully"
		}
		return StatusFailed, code, fmt.Sprintf("Exited with code %d", code)
	case <-time.After(timeout):
	}

	if alive, err := m.procs.IsAlive(handle.ID); err != nil {
		log.Printf("orchestrator: %s: liveness check: %v", handle.ID, err)
	} else if !alive {
		log.Printf("orchestrator: %s: timed out but pid already gone, waiting for reap", handle.ID)
	} else if err := m.procs.Signal(handle.ID, syscall.SIGTERM); err != nil {
		log.Printf("orchestrator: %s: timeout SIGTERM: %v", handle.ID, err)
	}
	select {
	case <-handle.Done():
		return StatusFailed, handle.ExitCode(), "Timed out"
	case <-time.After(GracePeriod):
	}

	if err := m.procs.Signal(handle.ID, syscall.SIGKILL); err != nil {
		log.Printf("orchestrator: %s: timeout SIGKILL: %v", handle.ID, err)
	}
	<-handle.Done()
	return StatusFailed, handle.ExitCode(), "Timed out"
}

// parseStdoutLine decodes one NDJSON line from a subagent's stdout into
// zero or more broadcast events. Unrecognized message types produce no
// events; malformed JSON is ignored.
func parseStdoutLine(subagentID string, line []byte) []SubagentEvent {
	var msg struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content"`
		} `json:"message"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
		RequestID string `json:"request_id"`
		Request   struct {
			ToolName string `json:"tool_name"`
		} `json:"request"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}

	now := time.Now()
	switch msg.Type {
	case "assistant":
		var events []SubagentEvent
		var text string
		for _, block := range msg.Message.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		if text != "" {
			events = append(events, SubagentEvent{
				SubagentID: subagentID, Timestamp: now, Kind: EventOutput, Text: text,
			})
		}
		for _, block := range msg.Message.Content {
			if block.Type == "tool_use" {
				events = append(events, SubagentEvent{
					SubagentID: subagentID, Timestamp: now, Kind: EventToolUse,
					ToolID: block.ID, ToolName: block.Name,
				})
			}
		}
		return events

	case "content_block_delta":
		if msg.Delta.Text == "" {
			return nil
		}
		return []SubagentEvent{{
			SubagentID: subagentID, Timestamp: now, Kind: EventOutput, Text: msg.Delta.Text,
		}}

	case "control_request":
		return []SubagentEvent{{
			SubagentID: subagentID, Timestamp: now, Kind: EventPermissionRequest,
			RequestID: msg.RequestID, ToolName: msg.Request.ToolName,
		}}

	default:
		return nil
	}
}
