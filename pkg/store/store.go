// Package store persists chats, message snapshots and the state of the
// reaction driven workflows in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("concurrent update conflict")
	ErrUnsupportedChat = errors.New("unsupported chat")
	ErrSchemaTooNew    = errors.New("database schema is newer than this binary")
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 2

// maxCASAttempts bounds the optimistic update loops. Each failed attempt
// means another writer committed in between, so contention has to be
// extreme to exhaust it.
const maxCASAttempts = 16

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and makes sure
// the schema is current.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	rawDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	s := New(db, log)
	if err = s.EnsureSchema(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}
	return s, nil
}

func New(db *dbutil.Database, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
		now: time.Now,
	}
}

func (s *Store) Close() error {
	return s.db.RawDB.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRow(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w (database at v%d, binary supports v%d)", ErrSchemaTooNew, version, schemaVersion)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS entity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			remote_jid TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			UNIQUE (session, remote_jid)
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			entity_id BIGINT NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_ts BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (entity_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS revoked_message (
			entity_id BIGINT NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			revoked_ts BIGINT NOT NULL,
			PRIMARY KEY (entity_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS deletion_request (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id BIGINT NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			confirm_id TEXT,
			requested_by TEXT NOT NULL,
			anchor_id TEXT NOT NULL DEFAULT '',
			anchor_sender TEXT NOT NULL DEFAULT '',
			agrees TEXT NOT NULL DEFAULT '[]',
			disagrees TEXT NOT NULL DEFAULT '[]',
			done BOOLEAN NOT NULL DEFAULT FALSE,
			outcome TEXT NOT NULL DEFAULT '',
			executed BOOLEAN NOT NULL DEFAULT FALSE,
			executing_ts BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			UNIQUE (entity_id, message_id),
			UNIQUE (entity_id, confirm_id)
		)`,
		`CREATE TABLE IF NOT EXISTS disclosure_request (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id BIGINT NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			confirm_id TEXT,
			requested_by TEXT NOT NULL,
			sender TEXT NOT NULL,
			anchor_id TEXT NOT NULL DEFAULT '',
			anchor_sender TEXT NOT NULL DEFAULT '',
			accepted BOOLEAN NOT NULL DEFAULT FALSE,
			claimed_ts BIGINT NOT NULL DEFAULT 0,
			posting_ts BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			UNIQUE (entity_id, message_id),
			UNIQUE (entity_id, confirm_id)
		)`,
		`CREATE TABLE IF NOT EXISTS disclosure_failure (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id BIGINT NOT NULL REFERENCES entity(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			failed_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_deleted_idx
			ON message (entity_id, deleted, deleted_ts)`,
		`CREATE INDEX IF NOT EXISTS deletion_request_pending_idx
			ON deletion_request (done, created_ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	if err := s.upgradeV2(ctx); err != nil {
		return err
	}
	if version < schemaVersion {
		if _, err := s.db.Exec(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}
	}
	return nil
}

// upgradeV2 adds the columns tracking closing actions of deletion requests
// and in-flight disclosure posts to databases created at v1.
func (s *Store) upgradeV2(ctx context.Context) error {
	columns := []struct {
		table, name, def string
	}{
		{"deletion_request", "outcome", `TEXT NOT NULL DEFAULT ''`},
		{"deletion_request", "executed", `BOOLEAN NOT NULL DEFAULT FALSE`},
		{"deletion_request", "executing_ts", `BIGINT NOT NULL DEFAULT 0`},
		{"disclosure_request", "posting_ts", `BIGINT NOT NULL DEFAULT 0`},
	}
	for _, col := range columns {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT COUNT(*) > 0 FROM pragma_table_info($1) WHERE name=$2`, col.table, col.name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", col.table, err)
		} else if exists {
			continue
		}
		if _, err = s.db.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, col.table, col.name, col.def)); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", col.table, col.name, err)
		}
		if col.name == "executed" {
			// Requests closed before v2 already ran their closing actions.
			_, err = s.db.Exec(ctx, `
				UPDATE deletion_request SET executed=TRUE,
					outcome=CASE WHEN json_array_length(agrees) > json_array_length(disagrees) THEN 'approved' ELSE 'rejected' END
				WHERE done=TRUE
			`)
			if err != nil {
				return fmt.Errorf("failed to backfill deletion outcomes: %w", err)
			}
		}
	}
	return nil
}

// beginTx starts a transaction. The DSN makes it BEGIN IMMEDIATE so
// read-then-write sequences never hit a lock upgrade failure.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.RawDB.BeginTx(ctx, nil)
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
