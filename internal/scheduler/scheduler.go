// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives step execution for a DAG-shaped orchestration:
// validates the dependency graph is acyclic, tracks each step's state, and
// cascades completion and failure through the graph.
package scheduler

import (
	"errors"
	"fmt"
)

// StepState is a step's position in its lifecycle.
type StepState int

const (
	Pending StepState = iota
	Ready
	Running
	Completed
	Failed
	Blocked
)

func (s StepState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ErrValidation is returned by New when the dependency graph is malformed:
// an unknown reference, a self-dependency, or a cycle.
var ErrValidation = errors.New("scheduler: validation")

// Scheduler tracks step state for one DAG-shaped orchestration. Not safe
// for concurrent use without external synchronization — callers serialize
// access the way the orchestration driver loop does (one goroutine owns
// the scheduler for the orchestration's lifetime).
type Scheduler struct {
	steps      []string
	dependents map[string][]string // step -> steps that depend on it
	states     map[string]StepState
	inDegree   map[string]int
}

// New validates deps against steps and constructs a Scheduler with initial
// states: Ready for any step with no prerequisites, Pending otherwise.
// deps maps a step to the list of step ids it depends on (its
// prerequisites, not its dependents).
func New(steps []string, deps map[string][]string) (*Scheduler, error) {
	if err := validateDAG(steps, deps); err != nil {
		return nil, err
	}

	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		dependents[step] = nil
	}
	for step, prereqs := range deps {
		for _, dep := range prereqs {
			dependents[dep] = append(dependents[dep], step)
		}
	}

	inDegree := make(map[string]int, len(steps))
	for _, step := range steps {
		inDegree[step] = len(deps[step])
	}

	states := make(map[string]StepState, len(steps))
	for _, step := range steps {
		if inDegree[step] == 0 {
			states[step] = Ready
		} else {
			states[step] = Pending
		}
	}

	return &Scheduler{
		steps:      steps,
		dependents: dependents,
		states:     states,
		inDegree:   inDegree,
	}, nil
}

// NextReady returns every step currently in the Ready state. Callers may
// launch all of them concurrently.
func (s *Scheduler) NextReady() []string {
	var ready []string
	for _, step := range s.steps {
		if s.states[step] == Ready {
			ready = append(ready, step)
		}
	}
	return ready
}

// StepState returns step's current state and whether step is known to the
// scheduler.
func (s *Scheduler) StepState(step string) (StepState, bool) {
	state, ok := s.states[step]
	return state, ok
}

// RunningSteps returns every step currently in the Running state.
func (s *Scheduler) RunningSteps() []string {
	var running []string
	for _, step := range s.steps {
		if s.states[step] == Running {
			running = append(running, step)
		}
	}
	return running
}

// Counts tallies how many steps are in each state.
func (s *Scheduler) Counts() map[StepState]int {
	counts := make(map[StepState]int)
	for _, state := range s.states {
		counts[state]++
	}
	return counts
}

// TotalSteps returns the number of steps in the graph.
func (s *Scheduler) TotalSteps() int {
	return len(s.steps)
}

// MarkRunning transitions step from Ready to Running.
func (s *Scheduler) MarkRunning(step string) {
	if _, ok := s.states[step]; ok {
		s.states[step] = Running
	}
}

// MarkCompleted transitions step to Completed, decrements the in-degree of
// every step that depends on it, and transitions any of those to Ready
// once its in-degree reaches zero. Returns the steps newly made Ready.
func (s *Scheduler) MarkCompleted(step string) []string {
	if _, ok := s.states[step]; ok {
		s.states[step] = Completed
	}

	var newlyReady []string
	for _, downstream := range s.dependents[step] {
		s.inDegree[downstream]--
		if s.inDegree[downstream] <= 0 && s.states[downstream] == Pending {
			s.states[downstream] = Ready
			newlyReady = append(newlyReady, downstream)
		}
	}
	return newlyReady
}

// MarkFailed transitions step to Failed and cascades Blocked through every
// transitive downstream step still in Pending or Ready. Returns every
// step blocked by this call.
func (s *Scheduler) MarkFailed(step string) []string {
	if _, ok := s.states[step]; ok {
		s.states[step] = Failed
	}

	var blocked []string
	visited := make(map[string]bool)
	queue := append([]string(nil), s.dependents[step]...)

	for len(queue) > 0 {
		ds := queue[0]
		queue = queue[1:]
		if visited[ds] {
			continue
		}
		visited[ds] = true

		if state := s.states[ds]; state == Pending || state == Ready {
			s.states[ds] = Blocked
			blocked = append(blocked, ds)
		}

		queue = append(queue, s.dependents[ds]...)
	}
	return blocked
}

// IsComplete reports whether every step has reached a terminal state
// (Completed, Failed, or Blocked).
func (s *Scheduler) IsComplete() bool {
	for _, state := range s.states {
		if state != Completed && state != Failed && state != Blocked {
			return false
		}
	}
	return true
}

// validateDAG checks that every dependency references a known step, that
// no step depends on itself, and that the graph has no cycle (via Kahn's
// algorithm: a valid DAG admits a topological order that processes every
// node).
func validateDAG(steps []string, deps map[string][]string) error {
	known := make(map[string]bool, len(steps))
	for _, step := range steps {
		known[step] = true
	}

	for step, prereqs := range deps {
		for _, dep := range prereqs {
			if !known[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrValidation, step, dep)
			}
			if dep == step {
				return fmt.Errorf("%w: step %q depends on itself", ErrValidation, step)
			}
		}
	}

	adj := make(map[string][]string, len(steps))
	inDegree := make(map[string]int, len(steps))
	for _, step := range steps {
		inDegree[step] = 0
	}
	for step, prereqs := range deps {
		for _, dep := range prereqs {
			adj[dep] = append(adj[dep], step)
			inDegree[step]++
		}
	}

	queue := make([]string, 0, len(steps))
	for _, step := range steps {
		if inDegree[step] == 0 {
			queue = append(queue, step)
		}
	}

	processed := 0
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		processed++
		for _, neighbor := range adj[step] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if processed != len(steps) {
		return fmt.Errorf("%w: dependency graph contains a cycle", ErrValidation)
	}
	return nil
}
