// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentflow/agentd/internal/orchestrator"
)

// CreateSubagent inserts a subagent row in the Pending state. Satisfies
// orchestrator.Catalog.
func (s *Store) CreateSubagent(ctx context.Context, cfg orchestrator.SubagentConfig) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subagents
			(id, parent_session_id, prompt, model, working_directory, allowed_tools,
			 auto_approve, max_turns, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cfg.ID, cfg.ParentSessionID, cfg.Prompt, cfg.Model, cfg.WorkDir,
		strings.Join(cfg.AllowedTools, ","), cfg.AutoApprove, cfg.MaxTurns, orchestrator.StatusPending, now)
	if err != nil {
		return fmt.Errorf("catalog: create_subagent %s: %w", cfg.ID, err)
	}
	return nil
}

// UpdateSubagentStatus transitions a subagent's status, stamping
// started_at/completed_at as appropriate. Satisfies orchestrator.Catalog.
func (s *Store) UpdateSubagentStatus(ctx context.Context, id string, status orchestrator.Status, exitCode *int, summary string) error {
	now := time.Now().Unix()

	var exitCodeArg any
	if exitCode != nil {
		exitCodeArg = *exitCode
	}

	switch status {
	case orchestrator.StatusRunning:
		_, err := s.db.ExecContext(ctx, `UPDATE subagents SET status = ?, started_at = ? WHERE id = ?`, status, now, id)
		if err != nil {
			return fmt.Errorf("catalog: update_subagent_status(running) %s: %w", id, err)
		}
	case orchestrator.StatusCompleted, orchestrator.StatusFailed, orchestrator.StatusCancelled:
		_, err := s.db.ExecContext(ctx, `
			UPDATE subagents SET status = ?, exit_code = ?, result_summary = ?, completed_at = ? WHERE id = ?
		`, status, exitCodeArg, summary, now, id)
		if err != nil {
			return fmt.Errorf("catalog: update_subagent_status(terminal) %s: %w", id, err)
		}
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE subagents SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return fmt.Errorf("catalog: update_subagent_status %s: %w", id, err)
		}
	}
	return nil
}

// GetSubagent fetches the fields orchestration polling needs. Satisfies
// orchestrator.Catalog.
func (s *Store) GetSubagent(ctx context.Context, id string) (orchestrator.SubagentRecord, error) {
	var rec orchestrator.SubagentRecord
	var status string
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, status, result_summary FROM subagents WHERE id = ?`, id).
		Scan(&rec.ID, &status, &summary)
	if err == sql.ErrNoRows {
		return orchestrator.SubagentRecord{}, ErrNotFound
	}
	if err != nil {
		return orchestrator.SubagentRecord{}, fmt.Errorf("catalog: get_subagent %s: %w", id, err)
	}
	rec.Status = orchestrator.Status(status)
	rec.ResultSummary = summary.String
	return rec, nil
}

// ListSubagents lists subagents for a parent session, most-recent first.
func (s *Store) ListSubagents(ctx context.Context, parentSessionID string) ([]orchestrator.SubagentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, result_summary FROM subagents
		WHERE parent_session_id = ? ORDER BY created_at DESC
	`, parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list_subagents %s: %w", parentSessionID, err)
	}
	defer rows.Close()

	var out []orchestrator.SubagentRecord
	for rows.Next() {
		var rec orchestrator.SubagentRecord
		var status string
		var summary sql.NullString
		if err := rows.Scan(&rec.ID, &status, &summary); err != nil {
			return nil, fmt.Errorf("catalog: scan subagent row: %w", err)
		}
		rec.Status = orchestrator.Status(status)
		rec.ResultSummary = summary.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateOrchestration inserts an orchestration row in the Pending state.
// Satisfies orchestrator.Catalog.
func (s *Store) CreateOrchestration(ctx context.Context, id, parentSessionID string, strategy orchestrator.Strategy) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrations (id, parent_session_id, strategy, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, parentSessionID, strategy, "pending", now, now)
	if err != nil {
		return fmt.Errorf("catalog: create_orchestration %s: %w", id, err)
	}
	return nil
}

// UpdateOrchestrationStatus updates an orchestration's status. Satisfies
// orchestrator.Catalog.
func (s *Store) UpdateOrchestrationStatus(ctx context.Context, id string, status string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE orchestrations SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return fmt.Errorf("catalog: update_orchestration_status %s: %w", id, err)
	}
	return nil
}

// CreateOrchestrationStep inserts a step row. dependsOn is stored as a
// comma-joined list of sibling step ids. Satisfies orchestrator.Catalog.
func (s *Store) CreateOrchestrationStep(ctx context.Context, stepID, orchestrationID string, index int, prompt string, dependsOn []string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestration_steps (id, orchestration_id, step_index, prompt, depends_on, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, stepID, orchestrationID, index, prompt, strings.Join(dependsOn, ","), "pending", now, now)
	if err != nil {
		return fmt.Errorf("catalog: create_orchestration_step %s: %w", stepID, err)
	}
	return nil
}

// UpdateStepStatus updates a step's status and, once it starts running,
// links it to the subagent carrying it out. Satisfies orchestrator.Catalog.
func (s *Store) UpdateStepStatus(ctx context.Context, stepID string, status string, subagentID string) error {
	now := time.Now().Unix()
	if subagentID != "" {
		_, err := s.db.ExecContext(ctx, `
			UPDATE orchestration_steps SET status = ?, subagent_id = ?, updated_at = ? WHERE id = ?
		`, status, subagentID, now, stepID)
		if err != nil {
			return fmt.Errorf("catalog: update_step_status %s: %w", stepID, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE orchestration_steps SET status = ?, updated_at = ? WHERE id = ?`, status, now, stepID)
	if err != nil {
		return fmt.Errorf("catalog: update_step_status %s: %w", stepID, err)
	}
	return nil
}
