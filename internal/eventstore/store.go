// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package eventstore implements the durable append-only log that backs
// every session: every structured event is inserted once, keyed by
// (session id, sequence), and can be replayed from any point.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// minCompactionKeep is the floor on how many trailing messages a
// compaction pass always leaves behind, regardless of session size.
const minCompactionKeep = 10

// Record is one durable event: an opaque payload stamped with the sequence
// it was inserted at.
type Record struct {
	SessionID string
	Seq       int64
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// CompactionResult reports what a Compact call actually did.
type CompactionResult struct {
	MessagesBefore int64
	MessagesAfter  int64
	Deleted        int64
}

// Store is a sqlite-backed event log. One Store may hold events for many
// sessions; each session's sequence space is independent.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: enable foreign keys: %w", err)
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
		CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE TABLE IF NOT EXISTS session_watermarks (
			session_id TEXT PRIMARY KEY,
			watermark  INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("eventstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends one event at the given sequence. Re-inserting the same
// (session, seq) pair is an error — callers own sequence assignment and
// are expected not to reuse one.
func (s *Store) Insert(ctx context.Context, session string, seq int64, kind string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		session, seq, kind, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("eventstore: insert session=%s seq=%d: %w", session, seq, err)
	}
	return nil
}

// Replay returns every event for session with sequence strictly greater
// than fromSeq, in ascending order. If fromSeq is at or below the
// compaction watermark, only what remains in the log is returned — the
// caller is responsible for detecting that gap (see Watermark) and warning.
func (s *Store) Replay(ctx context.Context, session string, fromSeq int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, kind, payload, created_at FROM events
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		session, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: replay session=%s: %w", session, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var createdAt int64
		if err := rows.Scan(&r.SessionID, &r.Seq, &r.Kind, &r.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("eventstore: scan replay row: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of events currently stored for session.
func (s *Store) Count(ctx context.Context, session string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, session).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("eventstore: count session=%s: %w", session, err)
	}
	return n, nil
}

// MaxSeq returns the highest sequence stored for session, or 0 if none.
func (s *Store) MaxSeq(ctx context.Context, session string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE session_id = ?`, session).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("eventstore: max_seq session=%s: %w", session, err)
	}
	return maxSeq.Int64, nil
}

// DeleteLEQ deletes every event for session with sequence <= seq, returning
// the number of rows removed.
func (s *Store) DeleteLEQ(ctx context.Context, session string, seq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE session_id = ? AND seq <= ?`, session, seq)
	if err != nil {
		return 0, fmt.Errorf("eventstore: delete_leq session=%s: %w", session, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventstore: delete_leq rows affected: %w", err)
	}
	return n, nil
}

// Watermark returns the compaction watermark for session (0 if never set).
func (s *Store) Watermark(ctx context.Context, session string) (int64, error) {
	var wm int64
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM session_watermarks WHERE session_id = ?`, session).Scan(&wm)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventstore: watermark session=%s: %w", session, err)
	}
	return wm, nil
}

// AdvanceCompactionWatermark sets session's compaction watermark to seq.
func (s *Store) AdvanceCompactionWatermark(ctx context.Context, session string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_watermarks (session_id, watermark) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET watermark = excluded.watermark
	`, session, seq)
	if err != nil {
		return fmt.Errorf("eventstore: advance_compaction_watermark session=%s: %w", session, err)
	}
	return nil
}

// Compact applies the standard retention policy to session: keep
// max(n/2, min(10, n)) trailing messages, deleting everything else and
// advancing the watermark to the new cutoff. It is a no-op if nothing
// would be deleted. Compact is idempotent against its own watermark — a
// second call with no new events inserted deletes nothing further.
func (s *Store) Compact(ctx context.Context, session string) (CompactionResult, error) {
	n, err := s.Count(ctx, session)
	if err != nil {
		return CompactionResult{}, err
	}
	if n == 0 {
		return CompactionResult{}, nil
	}

	maxSeq, err := s.MaxSeq(ctx, session)
	if err != nil {
		return CompactionResult{}, err
	}

	keep := n / 2
	if keep < minCompactionKeep {
		keep = minCompactionKeep
	}
	if keep > n {
		keep = n
	}

	if keep == n {
		return CompactionResult{MessagesBefore: n, MessagesAfter: n}, nil
	}

	cutoff := maxSeq - keep
	if cutoff <= 0 {
		return CompactionResult{MessagesBefore: n, MessagesAfter: n}, nil
	}

	deleted, err := s.DeleteLEQ(ctx, session, cutoff)
	if err != nil {
		return CompactionResult{}, err
	}
	if err := s.AdvanceCompactionWatermark(ctx, session, cutoff); err != nil {
		return CompactionResult{}, err
	}

	return CompactionResult{
		MessagesBefore: n,
		MessagesAfter:  n - deleted,
		Deleted:        deleted,
	}, nil
}

// Prune deletes every event (across all sessions) older than olderThan,
// returning the number of rows removed. This supplements the per-session
// compaction policy with a global retention sweep, useful for a daemon
// that wants a hard cap on disk usage regardless of per-session activity.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("eventstore: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventstore: prune rows affected: %w", err)
	}
	return n, nil
}
