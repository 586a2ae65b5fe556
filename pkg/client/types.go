// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"path/filepath"
	"time"
)

// Worktree represents a git worktree managed by the daemon.
//
// Worktrees allow developers to have multiple checkouts of the same
// repository, each on a different branch, with its own agent sessions.
type Worktree struct {
	// Path is the filesystem path to the worktree.
	Path string `json:"Path"`

	// Branch is the name of the branch checked out in this worktree.
	Branch string `json:"Branch"`

	// Commit is the current commit SHA.
	Commit string `json:"Commit"`

	// Detached is true if the worktree is in detached HEAD state.
	Detached bool `json:"Detached"`

	// IsBare is true if this is the bare repository (not a worktree).
	IsBare bool `json:"IsBare"`

	// Dirty is true if the worktree has uncommitted changes.
	Dirty bool `json:"Dirty"`

	// Ahead is the number of commits ahead of the default branch (main/master).
	Ahead int `json:"Ahead"`

	// Behind is the number of commits behind the default branch (main/master).
	Behind int `json:"Behind"`

	// Active is true if this is the currently active worktree.
	Active bool `json:"Active"`
}

// Name returns the worktree name, which is the last component of the path.
//
// For example, a worktree at "/home/user/project-feature" would have the name "project-feature".
func (w Worktree) Name() string {
	return filepath.Base(w.Path)
}

// ActivateResult is returned when activating a worktree.
type ActivateResult struct {
	// Worktree contains the details of the newly activated worktree.
	Worktree Worktree `json:"worktree"`

	// Duration is how long the activation took (human-readable).
	Duration string `json:"duration"`
}

// Event represents a daemon event from the event log.
//
// Events track worktree activity: activations, creations, removals, and
// lifecycle hook runs.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type identifies the kind of event (e.g., "worktree.created", "worktree.activated").
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Worktree is the name of the worktree where the event occurred.
	Worktree string `json:"worktree"`

	// Payload contains event-specific data.
	Payload map[string]interface{} `json:"payload"`
}
