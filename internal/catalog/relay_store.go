// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Machine is one daemon machine the relay knows how to route to.
type Machine struct {
	ID          string
	OwnerID     string
	DisplayName string
	Fingerprint string
	LastSeen    time.Time
	CreatedAt   time.Time
}

// BufferedMessage is a persisted copy of a unary request queued while its
// target machine was offline, surviving a relay process restart. The
// in-memory replay path lives in internal/tunnel.Registry; this table is
// its durable backing store.
type BufferedMessage struct {
	ID        int64
	MachineID string
	RequestID string
	Frame     []byte
	Priority  int
	QueuedAt  time.Time
	ExpiresAt time.Time
}

// RelayStore is the relay process's own relational store: authentication
// collaborators (users/tokens — issuance logic itself is out of scope,
// this only persists the records), the machine registry, trust-on-first-
// use certificate fingerprints, and durable request buffering. Kept in a
// file separate from the daemon's catalog.Store, since relay and daemon
// are independent binaries that may run on different hosts.
type RelayStore struct {
	db *sql.DB
}

// OpenRelayStore opens (creating if necessary) the relay's sqlite database.
func OpenRelayStore(path string) (*RelayStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open relay store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: enable foreign keys: %w", err)
	}

	rs := &RelayStore{db: db}
	if err := rs.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return rs, nil
}

func (rs *RelayStore) migrate() error {
	_, err := rs.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tokens (
			token      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS machines (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			fingerprint  TEXT NOT NULL DEFAULT '',
			last_seen    INTEGER NOT NULL,
			created_at   INTEGER NOT NULL,
			FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS certificates (
			machine_id  TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			first_seen  INTEGER NOT NULL,
			FOREIGN KEY (machine_id) REFERENCES machines(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS buffered_messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id  TEXT NOT NULL,
			request_id  TEXT NOT NULL,
			frame       BLOB NOT NULL,
			priority    INTEGER NOT NULL DEFAULT 0,
			queued_at   INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("catalog: migrate relay store: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (rs *RelayStore) Close() error {
	return rs.db.Close()
}

// CreateUser inserts a user record. Credential/token issuance itself is a
// documented collaborator (spec non-goal); this only persists the row a
// CLI-side issuance flow hands it.
func (rs *RelayStore) CreateUser(ctx context.Context, id, username string) error {
	now := time.Now().Unix()
	_, err := rs.db.ExecContext(ctx, `INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`, id, username, now)
	if err != nil {
		return fmt.Errorf("catalog: create_user %s: %w", id, err)
	}
	return nil
}

// CreateToken persists an issued token's association with a user.
func (rs *RelayStore) CreateToken(ctx context.Context, token, userID string, expiresAt *time.Time) error {
	now := time.Now().Unix()
	var expires any
	if expiresAt != nil {
		expires = expiresAt.Unix()
	}
	_, err := rs.db.ExecContext(ctx, `INSERT INTO tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`, token, userID, now, expires)
	if err != nil {
		return fmt.Errorf("catalog: create_token: %w", err)
	}
	return nil
}

// UserIDForToken looks up the user a token belongs to, without judging
// expiry (that policy belongs to the authentication collaborator).
func (rs *RelayStore) UserIDForToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := rs.db.QueryRowContext(ctx, `SELECT user_id FROM tokens WHERE token = ?`, token).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("catalog: user_id_for_token: %w", err)
	}
	return userID, nil
}

// RegisterMachine inserts or refreshes a machine's last-seen timestamp.
func (rs *RelayStore) RegisterMachine(ctx context.Context, id, ownerID, displayName string) error {
	now := time.Now().Unix()
	_, err := rs.db.ExecContext(ctx, `
		INSERT INTO machines (id, owner_id, display_name, last_seen, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen, display_name = excluded.display_name
	`, id, ownerID, displayName, now, now)
	if err != nil {
		return fmt.Errorf("catalog: register_machine %s: %w", id, err)
	}
	return nil
}

// GetMachine fetches one machine record.
func (rs *RelayStore) GetMachine(ctx context.Context, id string) (Machine, error) {
	var m Machine
	var lastSeen, createdAt int64
	err := rs.db.QueryRowContext(ctx, `
		SELECT id, owner_id, display_name, fingerprint, last_seen, created_at FROM machines WHERE id = ?
	`, id).Scan(&m.ID, &m.OwnerID, &m.DisplayName, &m.Fingerprint, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return Machine{}, ErrNotFound
	}
	if err != nil {
		return Machine{}, fmt.Errorf("catalog: get_machine %s: %w", id, err)
	}
	m.LastSeen = time.Unix(lastSeen, 0)
	m.CreatedAt = time.Unix(createdAt, 0)
	return m, nil
}

// ListMachines lists every machine owned by ownerID.
func (rs *RelayStore) ListMachines(ctx context.Context, ownerID string) ([]Machine, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT id, owner_id, display_name, fingerprint, last_seen, created_at FROM machines
		WHERE owner_id = ? ORDER BY last_seen DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list_machines %s: %w", ownerID, err)
	}
	defer rows.Close()

	var out []Machine
	for rows.Next() {
		var m Machine
		var lastSeen, createdAt int64
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.DisplayName, &m.Fingerprint, &lastSeen, &createdAt); err != nil {
			return nil, fmt.Errorf("catalog: scan machine row: %w", err)
		}
		m.LastSeen = time.Unix(lastSeen, 0)
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// TrustFingerprint records a machine's certificate fingerprint the first
// time it's seen (trust-on-first-use), or returns the previously-recorded
// one for the caller to compare on reconnect.
func (rs *RelayStore) TrustFingerprint(ctx context.Context, machineID, fingerprint string) (trusted string, firstUse bool, err error) {
	var existing string
	scanErr := rs.db.QueryRowContext(ctx, `SELECT fingerprint FROM certificates WHERE machine_id = ?`, machineID).Scan(&existing)
	if scanErr == nil {
		return existing, false, nil
	}
	if scanErr != sql.ErrNoRows {
		return "", false, fmt.Errorf("catalog: trust_fingerprint read %s: %w", machineID, scanErr)
	}

	now := time.Now().Unix()
	if _, execErr := rs.db.ExecContext(ctx, `INSERT INTO certificates (machine_id, fingerprint, first_seen) VALUES (?, ?, ?)`, machineID, fingerprint, now); execErr != nil {
		return "", false, fmt.Errorf("catalog: trust_fingerprint insert %s: %w", machineID, execErr)
	}
	return fingerprint, true, nil
}

// InsertBufferedMessage persists a buffered unary request frame so it
// survives a relay restart before its target machine reconnects.
func (rs *RelayStore) InsertBufferedMessage(ctx context.Context, machineID, requestID string, frame []byte, priority int, ttl time.Duration) error {
	now := time.Now()
	_, err := rs.db.ExecContext(ctx, `
		INSERT INTO buffered_messages (machine_id, request_id, frame, priority, queued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, machineID, requestID, frame, priority, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("catalog: insert_buffered_message %s: %w", requestID, err)
	}
	return nil
}

// DrainBufferedMessages returns every non-expired buffered message for a
// machine, ordered by priority then age, and deletes all of that
// machine's buffered rows (expired or not) in the same transaction.
func (rs *RelayStore) DrainBufferedMessages(ctx context.Context, machineID string) ([]BufferedMessage, error) {
	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: drain_buffered_messages begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	rows, queryErr := tx.QueryContext(ctx, `
		SELECT id, machine_id, request_id, frame, priority, queued_at, expires_at
		FROM buffered_messages WHERE machine_id = ? AND expires_at > ?
		ORDER BY priority DESC, queued_at ASC
	`, machineID, now)
	if queryErr != nil {
		err = queryErr
		return nil, fmt.Errorf("catalog: drain_buffered_messages query: %w", queryErr)
	}

	var out []BufferedMessage
	for rows.Next() {
		var m BufferedMessage
		var queuedAt, expiresAt int64
		if scanErr := rows.Scan(&m.ID, &m.MachineID, &m.RequestID, &m.Frame, &m.Priority, &queuedAt, &expiresAt); scanErr != nil {
			rows.Close()
			err = scanErr
			return nil, fmt.Errorf("catalog: scan buffered message row: %w", scanErr)
		}
		m.QueuedAt = time.Unix(queuedAt, 0)
		m.ExpiresAt = time.Unix(expiresAt, 0)
		out = append(out, m)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if _, execErr := tx.ExecContext(ctx, `DELETE FROM buffered_messages WHERE machine_id = ?`, machineID); execErr != nil {
		err = execErr
		return nil, fmt.Errorf("catalog: drain_buffered_messages delete: %w", execErr)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: drain_buffered_messages commit: %w", err)
	}
	return out, nil
}
