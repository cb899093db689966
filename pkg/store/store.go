// Package store is the durable on-device cache for messages and
// conversations. It is the single source of truth for what the UI renders:
// reads never depend on network state, and live observers re-emit a full
// ordered snapshot on every local write. Only the syncer's reconciler is
// allowed to write remote-derived data here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type Store struct {
	db        *dbutil.Database
	accountID string
	log       zerolog.Logger

	observersMu sync.Mutex
	observers   map[string][]*MessageObserver
}

// New wraps an already-open database. The accountID scopes every row so a
// multi-account device can share one file.
func New(db *dbutil.Database, accountID string, log zerolog.Logger) *Store {
	return &Store{
		db:        db,
		accountID: accountID,
		log:       log.With().Str("component", "store").Logger(),
		observers: make(map[string][]*MessageObserver),
	}
}

// Open opens (or creates) the SQLite cache at path and ensures the schema.
// Pass ":memory:" for tests.
func Open(ctx context.Context, path, accountID string, log zerolog.Logger) (*Store, error) {
	rawDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// The sqlite3 driver is not safe for concurrent writes on one
	// connection pool beyond this; serialize at the pool level.
	rawDB.SetMaxOpenConns(1)
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap cache database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "cache").Logger())
	s := New(db, accountID, log)
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database. Observers are closed first so no
// notification races a closed handle.
func (s *Store) Close() error {
	s.observersMu.Lock()
	for _, obs := range s.observers {
		for _, ob := range obs {
			ob.closeLocked()
		}
	}
	s.observers = make(map[string][]*MessageObserver)
	s.observersMu.Unlock()
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			account_id      TEXT    NOT NULL,
			id              TEXT    NOT NULL,
			conversation_id TEXT    NOT NULL,
			sender_id       TEXT    NOT NULL,
			text            TEXT    NOT NULL DEFAULT '',
			media_url       TEXT    NOT NULL DEFAULT '',
			media_thumb_url TEXT    NOT NULL DEFAULT '',
			media_type      TEXT    NOT NULL DEFAULT '',
			timestamp_ms    BIGINT  NOT NULL,
			status          INTEGER NOT NULL DEFAULT 0,
			read_at_ms      BIGINT  NOT NULL DEFAULT 0,
			deleted         BOOLEAN NOT NULL DEFAULT FALSE,
			local_only      BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts      BIGINT  NOT NULL,
			updated_ts      BIGINT  NOT NULL,
			PRIMARY KEY (account_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation (
			account_id   TEXT    NOT NULL,
			id           TEXT    NOT NULL,
			user_a       TEXT    NOT NULL,
			user_b       TEXT    NOT NULL,
			last_msg_id  TEXT    NOT NULL DEFAULT '',
			last_text    TEXT    NOT NULL DEFAULT '',
			last_sender  TEXT    NOT NULL DEFAULT '',
			last_ts_ms   BIGINT  NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			muted        BOOLEAN NOT NULL DEFAULT FALSE,
			archived     BOOLEAN NOT NULL DEFAULT FALSE,
			blocked      BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts   BIGINT  NOT NULL,
			updated_ts   BIGINT  NOT NULL,
			PRIMARY KEY (account_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_conv_ts_idx
			ON message (account_id, conversation_id, timestamp_ms, id)`,
		`CREATE INDEX IF NOT EXISTS message_local_only_idx
			ON message (account_id, local_only) WHERE local_only = TRUE`,
		`CREATE INDEX IF NOT EXISTS conversation_last_ts_idx
			ON conversation (account_id, last_ts_ms)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}

	// Migration: add media_thumb_url if missing (SQLite doesn't support
	// IF NOT EXISTS on ALTER).
	var hasThumb int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('message') WHERE name='media_thumb_url'`).Scan(&hasThumb)
	if hasThumb == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE message ADD COLUMN media_thumb_url TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add media_thumb_url column: %w", err)
		}
	}

	// Migration: add unread_count if missing.
	var hasUnread int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('conversation') WHERE name='unread_count'`).Scan(&hasUnread)
	if hasUnread == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE conversation ADD COLUMN unread_count INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add unread_count column: %w", err)
		}
	}

	return nil
}
