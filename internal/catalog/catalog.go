// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package catalog is the daemon's relational store for session, subagent,
// orchestration, and worktree metadata — everything about an entity
// except its event-stream payloads, which live in internal/eventstore.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = errors.New("catalog: not found")

// LifecycleState is a session's Idle/Active state.
type LifecycleState string

const (
	StateIdle   LifecycleState = "idle"
	StateActive LifecycleState = "active"
)

// Session is one persisted row from the sessions table.
type Session struct {
	ID              string
	UpstreamID      string
	Model           string
	WorkDir         string
	WorktreeID      sql.NullString
	State           LifecycleState
	InputTokens     int64
	OutputTokens    int64
	CostUSD         float64
	Watermark       int64
	InputLockClient sql.NullString
	DisplayName     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store is a sqlite-backed catalog. One Store holds every session,
// subagent, orchestration, and worktree entity for one daemon instance.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and ensures
// the schema exists. Pass the same path used for internal/eventstore.Open
// to keep both logs in one file, or a distinct path to separate them.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			upstream_id       TEXT NOT NULL DEFAULT '',
			model             TEXT NOT NULL DEFAULT '',
			working_directory TEXT NOT NULL DEFAULT '',
			worktree_id       TEXT,
			state             TEXT NOT NULL DEFAULT 'idle',
			input_tokens      INTEGER NOT NULL DEFAULT 0,
			output_tokens     INTEGER NOT NULL DEFAULT 0,
			cost_usd          REAL NOT NULL DEFAULT 0,
			watermark         INTEGER NOT NULL DEFAULT 0,
			input_lock_client TEXT,
			display_name      TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			FOREIGN KEY (worktree_id) REFERENCES worktrees(id) ON DELETE SET NULL
		);

		CREATE TABLE IF NOT EXISTS permission_grants (
			session_id TEXT NOT NULL,
			tool_name  TEXT NOT NULL,
			allowed    INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, tool_name),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS worktrees (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			path          TEXT NOT NULL,
			branch        TEXT NOT NULL,
			repo_path     TEXT NOT NULL,
			setup_script  TEXT,
			created_at    INTEGER NOT NULL,
			last_active   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS subagents (
			id                TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			prompt            TEXT NOT NULL,
			model             TEXT NOT NULL DEFAULT '',
			working_directory TEXT NOT NULL DEFAULT '',
			allowed_tools     TEXT NOT NULL DEFAULT '',
			auto_approve      INTEGER NOT NULL DEFAULT 0,
			max_turns         INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL DEFAULT 'pending',
			exit_code         INTEGER,
			result_summary    TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			started_at        INTEGER,
			completed_at      INTEGER,
			FOREIGN KEY (parent_session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS orchestrations (
			id                TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			strategy          TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			FOREIGN KEY (parent_session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS orchestration_steps (
			id               TEXT PRIMARY KEY,
			orchestration_id TEXT NOT NULL,
			step_index       INTEGER NOT NULL,
			prompt           TEXT NOT NULL,
			depends_on       TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			subagent_id      TEXT,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			FOREIGN KEY (orchestration_id) REFERENCES orchestrations(id) ON DELETE CASCADE,
			FOREIGN KEY (subagent_id) REFERENCES subagents(id) ON DELETE SET NULL
		);

		CREATE TABLE IF NOT EXISTS connected_clients (
			client_id      TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			has_input_lock INTEGER NOT NULL DEFAULT 0,
			connected_at   INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------

// CreateSession inserts a new session row in the Idle state.
func (s *Store) CreateSession(ctx context.Context, id, model, workDir string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model, working_directory, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, model, workDir, StateIdle, now, now)
	if err != nil {
		return fmt.Errorf("catalog: create_session %s: %w", id, err)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var createdAt, updatedAt int64
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, upstream_id, model, working_directory, worktree_id, state,
		       input_tokens, output_tokens, cost_usd, watermark, input_lock_client,
		       display_name, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.UpstreamID, &sess.Model, &sess.WorkDir, &sess.WorktreeID,
		&state, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD, &sess.Watermark,
		&sess.InputLockClient, &sess.DisplayName, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("catalog: get_session %s: %w", id, err)
	}
	sess.State = LifecycleState(state)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return sess, nil
}

// ListSessions returns sessions, newest-updated first, optionally filtered
// to one working directory, with limit/offset pagination.
func (s *Store) ListSessions(ctx context.Context, workDir string, limit, offset int) ([]Session, error) {
	var rows *sql.Rows
	var err error
	if workDir != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, upstream_id, model, working_directory, worktree_id, state,
			       input_tokens, output_tokens, cost_usd, watermark, input_lock_client,
			       display_name, created_at, updated_at
			FROM sessions WHERE working_directory = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?
		`, workDir, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, upstream_id, model, working_directory, worktree_id, state,
			       input_tokens, output_tokens, cost_usd, watermark, input_lock_client,
			       display_name, created_at, updated_at
			FROM sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: list_sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var createdAt, updatedAt int64
		var state string
		if err := rows.Scan(&sess.ID, &sess.UpstreamID, &sess.Model, &sess.WorkDir, &sess.WorktreeID,
			&state, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD, &sess.Watermark,
			&sess.InputLockClient, &sess.DisplayName, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan session row: %w", err)
		}
		sess.State = LifecycleState(state)
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetUpstreamSessionID records the agent's own session identity once its
// first identity event arrives.
func (s *Store) SetUpstreamSessionID(ctx context.Context, sessionID, upstreamID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET upstream_id = ?, updated_at = ? WHERE id = ?`, upstreamID, now, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: set_upstream_session_id %s: %w", sessionID, err)
	}
	return nil
}

// ClearUpstreamSessionID is used when a resume fails and the relay must
// fall back to a fresh upstream identity.
func (s *Store) ClearUpstreamSessionID(ctx context.Context, sessionID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET upstream_id = '', updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: clear_upstream_session_id %s: %w", sessionID, err)
	}
	return nil
}

// SetIdle transitions a session back to Idle once its relay pipeline has
// drained.
func (s *Store) SetIdle(ctx context.Context, sessionID string) error {
	return s.setState(ctx, sessionID, StateIdle)
}

// SetActive transitions a session to Active when its subprocess starts.
func (s *Store) SetActive(ctx context.Context, sessionID string) error {
	return s.setState(ctx, sessionID, StateActive)
}

func (s *Store) setState(ctx context.Context, sessionID string, state LifecycleState) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`, state, now, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: set_state %s: %w", sessionID, err)
	}
	return nil
}

// UpdateUsage accumulates token/cost counters on a session.
func (s *Store) UpdateUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int64, costUSD float64) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		       cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?
	`, inputTokens, outputTokens, costUSD, now, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: update_usage %s: %w", sessionID, err)
	}
	return nil
}

// RenameSession sets a session's display name.
func (s *Store) RenameSession(ctx context.Context, sessionID, displayName string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET display_name = ?, updated_at = ? WHERE id = ?`, displayName, now, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: rename_session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes a session and, via foreign-key cascade, every
// subagent, orchestration, and grant row that references it. The
// session's messages live in internal/eventstore and are not removed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: delete_session %s: %w", sessionID, err)
	}
	return nil
}

// AdvanceWatermark records a session's compaction watermark, mirroring
// eventstore.Store.AdvanceCompactionWatermark for callers that only hold
// a catalog handle.
func (s *Store) AdvanceWatermark(ctx context.Context, sessionID string, seq int64) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET watermark = ?, updated_at = ? WHERE id = ?`, seq, now, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: advance_watermark %s: %w", sessionID, err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Input lock
// ---------------------------------------------------------------------

// AcquireInputLock transactionally reads the previous lock holder,
// installs clientID as the new holder, and flips the has_input_lock flag
// on both the old and new holder's connected_clients rows.
func (s *Store) AcquireInputLock(ctx context.Context, sessionID, clientID string) (previous string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("catalog: acquire_input_lock begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var prev sql.NullString
	if scanErr := tx.QueryRowContext(ctx, `SELECT input_lock_client FROM sessions WHERE id = ?`, sessionID).Scan(&prev); scanErr != nil && scanErr != sql.ErrNoRows {
		return "", fmt.Errorf("catalog: acquire_input_lock read: %w", scanErr)
	}

	now := time.Now().Unix()
	if _, execErr := tx.ExecContext(ctx, `UPDATE sessions SET input_lock_client = ?, updated_at = ? WHERE id = ?`, clientID, now, sessionID); execErr != nil {
		return "", fmt.Errorf("catalog: acquire_input_lock set holder: %w", execErr)
	}

	if prev.Valid && prev.String != "" {
		if _, execErr := tx.ExecContext(ctx, `UPDATE connected_clients SET has_input_lock = 0 WHERE client_id = ?`, prev.String); execErr != nil {
			return "", fmt.Errorf("catalog: acquire_input_lock clear previous: %w", execErr)
		}
	}
	if _, execErr := tx.ExecContext(ctx, `UPDATE connected_clients SET has_input_lock = 1 WHERE client_id = ?`, clientID); execErr != nil {
		return "", fmt.Errorf("catalog: acquire_input_lock set new: %w", execErr)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("catalog: acquire_input_lock commit: %w", err)
	}
	return prev.String, nil
}

// ReleaseInputLock clears a session's lock holder and its client flag.
func (s *Store) ReleaseInputLock(ctx context.Context, sessionID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.InputLockClient.Valid && sess.InputLockClient.String != "" {
		if _, err := s.db.ExecContext(ctx, `UPDATE connected_clients SET has_input_lock = 0 WHERE client_id = ?`, sess.InputLockClient.String); err != nil {
			return fmt.Errorf("catalog: release_input_lock clear client: %w", err)
		}
	}
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET input_lock_client = NULL, updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("catalog: release_input_lock %s: %w", sessionID, err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Permission grants
// ---------------------------------------------------------------------

// SetSessionGrant records a "allow for session" decision for tool on
// sessionID.
func (s *Store) SetSessionGrant(ctx context.Context, sessionID, toolName string, allowed bool) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (session_id, tool_name, allowed, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, tool_name) DO UPDATE SET allowed = excluded.allowed, created_at = excluded.created_at
	`, sessionID, toolName, allowed, now)
	if err != nil {
		return fmt.Errorf("catalog: set_session_grant %s/%s: %w", sessionID, toolName, err)
	}
	return nil
}

// ListSessionGrants returns every tool-name → allowed mapping for a
// session.
func (s *Store) ListSessionGrants(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name, allowed FROM permission_grants WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list_session_grants %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var tool string
		var allowed bool
		if err := rows.Scan(&tool, &allowed); err != nil {
			return nil, fmt.Errorf("catalog: scan grant row: %w", err)
		}
		out[tool] = allowed
	}
	return out, rows.Err()
}

// ClearSessionGrants deletes every grant for a session.
func (s *Store) ClearSessionGrants(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM permission_grants WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: clear_session_grants %s: %w", sessionID, err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Worktrees
// ---------------------------------------------------------------------

// WorktreeRecord is one persisted worktree binding (distinct from
// internal/worktree's live git-state types: this is catalog metadata).
type WorktreeRecord struct {
	ID          string
	Name        string
	Path        string
	Branch      string
	RepoPath    string
	SetupScript sql.NullString
	CreatedAt   time.Time
	LastActive  time.Time
}

// CreateWorktree inserts a worktree binding record.
func (s *Store) CreateWorktree(ctx context.Context, id, name, path, branch, repoPath, setupScript string) error {
	now := time.Now().Unix()
	var script sql.NullString
	if setupScript != "" {
		script = sql.NullString{String: setupScript, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, name, path, branch, repo_path, setup_script, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, name, path, branch, repoPath, script, now, now)
	if err != nil {
		return fmt.Errorf("catalog: create_worktree %s: %w", id, err)
	}
	return nil
}

// GetWorktree fetches one worktree binding record.
func (s *Store) GetWorktree(ctx context.Context, id string) (WorktreeRecord, error) {
	var w WorktreeRecord
	var createdAt, lastActive int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, branch, repo_path, setup_script, created_at, last_active
		FROM worktrees WHERE id = ?
	`, id).Scan(&w.ID, &w.Name, &w.Path, &w.Branch, &w.RepoPath, &w.SetupScript, &createdAt, &lastActive)
	if err == sql.ErrNoRows {
		return WorktreeRecord{}, ErrNotFound
	}
	if err != nil {
		return WorktreeRecord{}, fmt.Errorf("catalog: get_worktree %s: %w", id, err)
	}
	w.CreatedAt = time.Unix(createdAt, 0)
	w.LastActive = time.Unix(lastActive, 0)
	return w, nil
}

// ListWorktrees lists worktree bindings, optionally filtered to one repo
// path, most-recently-active first.
func (s *Store) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeRecord, error) {
	var rows *sql.Rows
	var err error
	if repoPath != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, path, branch, repo_path, setup_script, created_at, last_active
			FROM worktrees WHERE repo_path = ? ORDER BY last_active DESC
		`, repoPath)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, path, branch, repo_path, setup_script, created_at, last_active
			FROM worktrees ORDER BY last_active DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: list_worktrees: %w", err)
	}
	defer rows.Close()

	var out []WorktreeRecord
	for rows.Next() {
		var w WorktreeRecord
		var createdAt, lastActive int64
		if err := rows.Scan(&w.ID, &w.Name, &w.Path, &w.Branch, &w.RepoPath, &w.SetupScript, &createdAt, &lastActive); err != nil {
			return nil, fmt.Errorf("catalog: scan worktree row: %w", err)
		}
		w.CreatedAt = time.Unix(createdAt, 0)
		w.LastActive = time.Unix(lastActive, 0)
		out = append(out, w)
	}
	return out, rows.Err()
}

// TouchWorktree bumps a worktree's last_active timestamp.
func (s *Store) TouchWorktree(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE worktrees SET last_active = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("catalog: touch_worktree %s: %w", id, err)
	}
	return nil
}

// BindSessionToWorktree sets a session's worktree_id.
func (s *Store) BindSessionToWorktree(ctx context.Context, sessionID, worktreeID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET worktree_id = ?, updated_at = ? WHERE id = ?`, worktreeID, now, sessionID)
	if err != nil {
		return fmt.Errorf("catalog: bind_session_to_worktree %s/%s: %w", sessionID, worktreeID, err)
	}
	return nil
}

// GetWorktreeSessions lists sessions bound to a worktree.
func (s *Store) GetWorktreeSessions(ctx context.Context, worktreeID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, upstream_id, model, working_directory, worktree_id, state,
		       input_tokens, output_tokens, cost_usd, watermark, input_lock_client,
		       display_name, created_at, updated_at
		FROM sessions WHERE worktree_id = ? ORDER BY updated_at DESC
	`, worktreeID)
	if err != nil {
		return nil, fmt.Errorf("catalog: get_worktree_sessions %s: %w", worktreeID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var createdAt, updatedAt int64
		var state string
		if err := rows.Scan(&sess.ID, &sess.UpstreamID, &sess.Model, &sess.WorkDir, &sess.WorktreeID,
			&state, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD, &sess.Watermark,
			&sess.InputLockClient, &sess.DisplayName, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan session row: %w", err)
		}
		sess.State = LifecycleState(state)
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RemoveWorktree deletes a worktree binding record and, inside the same
// transaction, clears worktree_id on every session that referenced it
// (worktree_id has an ON DELETE SET NULL foreign key, but the explicit
// UPDATE makes the unbind happen even for drivers/configurations where
// that isn't enforced, matching the original's belt-and-suspenders
// application-level clear). Returns false if no such worktree existed.
func (s *Store) RemoveWorktree(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("catalog: remove_worktree begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	if _, execErr := tx.ExecContext(ctx, `UPDATE sessions SET worktree_id = NULL, updated_at = ? WHERE worktree_id = ?`, now, id); execErr != nil {
		err = execErr
		return false, fmt.Errorf("catalog: remove_worktree unbind sessions: %w", execErr)
	}

	res, execErr := tx.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	if execErr != nil {
		err = execErr
		return false, fmt.Errorf("catalog: remove_worktree delete: %w", execErr)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		err = rowsErr
		return false, fmt.Errorf("catalog: remove_worktree rows affected: %w", rowsErr)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("catalog: remove_worktree commit: %w", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------
// Connected clients
// ---------------------------------------------------------------------

// ConnectClient registers a newly-attached client for a session.
func (s *Store) ConnectClient(ctx context.Context, clientID, sessionID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connected_clients (client_id, session_id, connected_at) VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET session_id = excluded.session_id, connected_at = excluded.connected_at
	`, clientID, sessionID, now)
	if err != nil {
		return fmt.Errorf("catalog: connect_client %s: %w", clientID, err)
	}
	return nil
}

// DisconnectClient removes a client's connected_clients row.
func (s *Store) DisconnectClient(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connected_clients WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("catalog: disconnect_client %s: %w", clientID, err)
	}
	return nil
}
