// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package journal remembers which inbound control messages were already
// applied, so a redelivered message is acknowledged as a duplicate instead
// of being applied twice.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS handled_messages (
	msg_id TEXT PRIMARY KEY,
	msg_type TEXT NOT NULL,
	status TEXT NOT NULL,
	handled_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_handled_messages_handled_at ON handled_messages(handled_at);
`

const schemaVersion = 1

// Entry is one handled message
type Entry struct {
	MsgID     string
	MsgType   string
	Status    string
	HandledAt time.Time
}

// Journal is a SQLite backed record of handled control messages
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply journal schema: %w", err)
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?) ON CONFLICT(version) DO NOTHING`,
		schemaVersion, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("record journal schema: %w", err)
	}
	return nil
}

// Close closes the database
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Seen returns the entry for msgID, if it was recorded
func (j *Journal) Seen(ctx context.Context, msgID string) (Entry, bool, error) {
	var e Entry
	var handledAt string
	err := j.db.QueryRowContext(ctx,
		`SELECT msg_id, msg_type, status, handled_at FROM handled_messages WHERE msg_id = ?`, msgID,
	).Scan(&e.MsgID, &e.MsgType, &e.Status, &handledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("query journal: %w", err)
	}
	if e.HandledAt, err = parseTS(handledAt); err != nil {
		return Entry{}, false, fmt.Errorf("parse handled_at: %w", err)
	}
	return e, true, nil
}

// Record stores e. Recording an id twice keeps the first entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.HandledAt.IsZero() {
		e.HandledAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO handled_messages(msg_id, msg_type, status, handled_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(msg_id) DO NOTHING`,
		e.MsgID, e.MsgType, e.Status, ts(e.HandledAt))
	if err != nil {
		return fmt.Errorf("record %s: %w", e.MsgID, err)
	}
	return nil
}

// Prune deletes entries handled before cutoff and returns how many went
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM handled_messages WHERE handled_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored entries
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handled_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

// timestamps are stored as fixed width UTC so string comparison orders them
func ts(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
