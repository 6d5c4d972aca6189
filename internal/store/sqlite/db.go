// Package sqlite implements the store interfaces on a local SQLite database
// (modernc.org/sqlite, pure Go). Used in standalone single-node mode.
//
// Timestamps are stored as unix milliseconds so ordering comparisons stay
// integer-cheap and scanning is driver-independent.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/omnidesk/omnidesk/internal/store"
)

// NewSQLiteStores opens (and if needed initializes) the standalone database.
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Queue:            NewQueueStore(db),
		Contacts:         NewContactStore(db),
		Conversations:    NewConversationStore(db),
		Messages:         NewMessageStore(db),
		ChannelInstances: NewChannelInstanceStore(db),
	}, nil
}

// OpenDB opens the SQLite file and applies the schema.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS webhook_queue (
	id            TEXT PRIMARY KEY,
	channel_type  TEXT NOT NULL,
	channel_id    TEXT,
	payload       BLOB NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	received_at   INTEGER NOT NULL,
	next_retry_at INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_claim ON webhook_queue (status, next_retry_at, priority, received_at);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	lead_stage TEXT NOT NULL DEFAULT 'new',
	lead_score INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id                 TEXT PRIMARY KEY,
	contact_id         TEXT NOT NULL REFERENCES contacts(id),
	channel_id         TEXT NOT NULL,
	contact_identifier TEXT NOT NULL UNIQUE,
	status             TEXT NOT NULL DEFAULT 'open',
	assigned_to        TEXT,
	last_message_id    TEXT,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	content         TEXT NOT NULL,
	content_type    TEXT NOT NULL DEFAULT 'text',
	direction       TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'sent',
	channel_type    TEXT NOT NULL,
	external_id     TEXT,
	created_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_external
	ON messages (channel_type, external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS channel_instances (
	id           TEXT PRIMARY KEY,
	channel_type TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	settings     TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);
`

// --- shared helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
