// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator spawns subagent subprocesses scoped to a single
// prompt, and drives multi-step orchestrations on top of a DAG scheduler.
package orchestrator

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout is the subagent wall-clock budget applied when a config
// does not set one.
const DefaultTimeout = 600 * time.Second

// GracePeriod is how long a timed-out or cancelled subagent gets between
// SIGTERM and SIGKILL.
const GracePeriod = 5 * time.Second

// PollInterval is how often the orchestration loop checks recently-running
// steps for a terminal status.
const PollInterval = 500 * time.Millisecond

// IdleRetryInterval is how long the orchestration loop sleeps when no step
// is ready yet, none is running and none has failed.
const IdleRetryInterval = 100 * time.Millisecond

// Status is a subagent's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Strategy selects how an orchestration's step dependencies are built.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyDag        Strategy = "dag"
)

// SubagentConfig describes one subagent subprocess to spawn.
type SubagentConfig struct {
	ID              string
	ParentSessionID string
	Prompt          string
	Model           string
	WorkDir         string
	AllowedTools    []string
	AutoApprove     bool
	MaxTurns        int
	Timeout         time.Duration // 0 = DefaultTimeout
}

// Validate checks the invariants spawn() requires before acquiring a pool
// permit.
func (c SubagentConfig) Validate() error {
	if c.Prompt == "" {
		return errors.New("orchestrator: prompt must not be empty")
	}
	if c.AutoApprove && len(c.AllowedTools) == 0 {
		return errors.New("orchestrator: auto_approve requires non-empty allowed_tools")
	}
	return nil
}

// StepSpec is one caller-supplied orchestration step, before strategy
// dependency rules are applied.
type StepSpec struct {
	ID           string
	Name         string
	Prompt       string
	Model        string
	WorkDir      string
	AllowedTools []string
	AutoApprove  bool
	MaxTurns     int
	DependsOn    []string
}

// EventKind enumerates the variants broadcast on a subagent's event stream.
type EventKind string

const (
	EventStarted           EventKind = "started"
	EventOutput            EventKind = "output"
	EventToolUse           EventKind = "tool_use"
	EventPermissionRequest EventKind = "permission_request"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventCancelled         EventKind = "cancelled"
)

// SubagentEvent is one event on a subagent's broadcast stream.
type SubagentEvent struct {
	SubagentID string
	Timestamp  time.Time
	Kind       EventKind

	// Started
	SessionID string
	Model     string

	// Output
	Text       string
	IsComplete bool

	// ToolUse
	ToolID      string
	ToolName    string
	Description string

	// PermissionRequest
	RequestID string

	// Completed / Failed
	ExitCode      int
	ResultSummary string
	ErrorMessage  string

	// Cancelled
	Reason string
}

// OrchestrationEventKind enumerates the variants broadcast on an
// orchestration's event stream.
type OrchestrationEventKind string

const (
	OrchStepStarted            OrchestrationEventKind = "step_started"
	OrchStepCompleted          OrchestrationEventKind = "step_completed"
	OrchStepFailed             OrchestrationEventKind = "step_failed"
	OrchOrchestrationCompleted OrchestrationEventKind = "orchestration_completed"
	OrchOrchestrationFailed    OrchestrationEventKind = "orchestration_failed"
)

// OrchestrationEvent is one event on an orchestration's broadcast stream.
type OrchestrationEvent struct {
	OrchestrationID string
	Timestamp       time.Time
	Kind            OrchestrationEventKind

	StepID        string
	SubagentID    string
	Name          string
	ResultSummary string
	ErrorMessage  string
	BlockedSteps  []string
	CompletedCount int
	TotalCount     int

	TotalSteps int
	Succeeded  int
	Failed     int
}

// Catalog is the narrow persistence seam the orchestrator needs. A
// concrete catalog type (internal/catalog, built after this package)
// satisfies it structurally — the same forward-dependency-avoidance seam
// internal/relay uses for its own Catalog/Store interfaces.
type Catalog interface {
	CreateSubagent(ctx context.Context, cfg SubagentConfig) error
	UpdateSubagentStatus(ctx context.Context, id string, status Status, exitCode *int, summary string) error
	GetSubagent(ctx context.Context, id string) (SubagentRecord, error)

	CreateOrchestration(ctx context.Context, id, parentSessionID string, strategy Strategy) error
	UpdateOrchestrationStatus(ctx context.Context, id string, status string) error
	CreateOrchestrationStep(ctx context.Context, stepID, orchestrationID string, index int, prompt string, dependsOn []string) error
	UpdateStepStatus(ctx context.Context, stepID string, status string, subagentID string) error
}

// SubagentRecord is a catalog row read back during orchestration polling.
type SubagentRecord struct {
	ID            string
	Status        Status
	ResultSummary string
}

// ErrPoolFull is returned by Spawn when the subprocess pool has no free
// permit.
var ErrPoolFull = errors.New("orchestrator: pool is full")

// ErrNotFound is returned by operations on an unknown subagent id.
var ErrNotFound = errors.New("orchestrator: subagent not found")

// applyStrategy returns steps with dependency lists amended per strategy:
// Sequential chains each step onto the previous one (unless already
// listed); Parallel clears every dependency list; Dag leaves the
// caller-provided lists untouched.
func applyStrategy(strategy Strategy, steps []StepSpec) []StepSpec {
	out := make([]StepSpec, len(steps))
	copy(out, steps)

	switch strategy {
	case StrategySequential:
		for i := 1; i < len(out); i++ {
			prev := out[i-1].ID
			if !contains(out[i].DependsOn, prev) {
				out[i].DependsOn = append(append([]string(nil), out[i].DependsOn...), prev)
			}
		}
	case StrategyParallel:
		for i := range out {
			out[i].DependsOn = nil
		}
	case StrategyDag:
		// caller-provided deps stand as-is
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
