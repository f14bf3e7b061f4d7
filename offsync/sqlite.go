// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-budgetsync/model"
)

// Stored is everything a Persister restores on startup.
type Stored struct {
	Snapshot   *model.Snapshot
	Operations []*Operation
	Tombstones map[model.ID]Collection
}

// Changes is one atomic write: queue records to upsert or delete, and
// optionally a new snapshot and tombstone set (nil means unchanged).
type Changes struct {
	Snapshot   *model.Snapshot
	Upserts    []*Operation
	Deletes    []string
	Tombstones map[model.ID]Collection
}

func (ch *Changes) empty() bool {
	return ch.Snapshot == nil && ch.Tombstones == nil && len(ch.Upserts) == 0 && len(ch.Deletes) == 0
}

// Persister makes the queue and local state survive restarts.
type Persister interface {
	Load(ctx context.Context) (*Stored, error)
	Save(ctx context.Context, ch *Changes) error
}

const (
	stateKeySnapshot   = "snapshot"
	stateKeyTombstones = "tombstones"
)

// SQLitePersister stores queue and state in sync tables of a SQLite database.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister creates the sync tables in db when missing.
func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _sync_operations (
			id          TEXT PRIMARY KEY,
			seq         INTEGER NOT NULL,
			status      TEXT NOT NULL CHECK (status IN ('pending','processing','retrying','failed')),
			body        TEXT NOT NULL,  -- JSON encoded Operation
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_operations_seq ON _sync_operations (seq)`,

		// key/value: the snapshot and the tombstone set, each one JSON document
		`CREATE TABLE IF NOT EXISTS _sync_state (
			key         TEXT PRIMARY KEY,
			body        TEXT NOT NULL,
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

func (p *SQLitePersister) Load(ctx context.Context) (*Stored, error) {
	out := &Stored{Tombstones: map[model.ID]Collection{}}

	rows, err := p.db.QueryContext(ctx, `SELECT body FROM _sync_operations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op := &Operation{}
		if err := json.Unmarshal([]byte(body), op); err != nil {
			return nil, fmt.Errorf("failed to decode operation: %w", err)
		}
		out.Operations = append(out.Operations, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}

	var snapBody string
	err = p.db.QueryRowContext(ctx, `SELECT body FROM _sync_state WHERE key = ?`, stateKeySnapshot).Scan(&snapBody)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	default:
		snap := model.NewSnapshot()
		if err := json.Unmarshal([]byte(snapBody), snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out.Snapshot = snap
	}

	var tombBody string
	err = p.db.QueryRowContext(ctx, `SELECT body FROM _sync_state WHERE key = ?`, stateKeyTombstones).Scan(&tombBody)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	default:
		if err := json.Unmarshal([]byte(tombBody), &out.Tombstones); err != nil {
			return nil, fmt.Errorf("failed to decode tombstones: %w", err)
		}
	}
	return out, nil
}

func (p *SQLitePersister) Save(ctx context.Context, ch *Changes) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, id := range ch.Deletes {
		if _, err = tx.ExecContext(ctx, `DELETE FROM _sync_operations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete operation %s: %w", id, err)
		}
	}
	for _, op := range ch.Upserts {
		var body []byte
		if body, err = json.Marshal(op); err != nil {
			return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO _sync_operations (id, seq, status, body) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				seq = excluded.seq,
				status = excluded.status,
				body = excluded.body,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
			op.ID, op.Seq, string(op.Status), string(body)); err != nil {
			return fmt.Errorf("failed to upsert operation %s: %w", op.ID, err)
		}
	}
	if ch.Snapshot != nil {
		if err = putState(ctx, tx, stateKeySnapshot, ch.Snapshot); err != nil {
			return err
		}
	}
	if ch.Tombstones != nil {
		if err = putState(ctx, tx, stateKeyTombstones, ch.Tombstones); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync state: %w", err)
	}
	return nil
}

func putState(ctx context.Context, tx *sql.Tx, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_state (key, body) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		key, string(body))
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}
