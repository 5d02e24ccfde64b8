package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx so the per-component
// statements can run standalone or inside the ingress transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func NewDB(dbPath string) (*DB, error) {
	// Create the database directory if it doesn't exist
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating database directory: %v", err)
	}

	// busy_timeout keeps concurrent writers queuing instead of failing,
	// foreign_keys enforces the ownership edges in the schema.
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("error initializing schema: %v", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			public_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK (type IN ('DIRECT', 'GROUP')),
			name TEXT,
			created_by TEXT,
			direct_key TEXT UNIQUE,
			last_message_id TEXT,
			last_message_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'MEMBER' CHECK (role IN ('ADMIN', 'MEMBER')),
			joined_at DATETIME NOT NULL,
			is_muted INTEGER NOT NULL DEFAULT 0,
			is_archived INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			from_user_id TEXT NOT NULL,
			recipient_user_id TEXT NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('TEXT', 'IMAGE', 'VIDEO', 'VOICE', 'FILE', 'SYSTEM')),
			encrypted_content TEXT NOT NULL,
			nonce TEXT NOT NULL,
			auth_tag TEXT NOT NULL,
			signature TEXT NOT NULL,
			metadata TEXT,
			reply_to_id TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (from_user_id) REFERENCES users(id),
			FOREIGN KEY (recipient_user_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_statuses (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'SENT' CHECK (status IN ('SENT', 'DELIVERED', 'READ')),
			created_at DATETIME NOT NULL,
			delivered_at DATETIME,
			read_at DATETIME,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_statuses_user_status
			ON message_statuses (user_id, status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %v", err)
		}
	}

	return nil
}

// isUniqueViolation reports whether err is a sqlite UNIQUE/PRIMARY KEY
// constraint failure. The unique constraints are the idempotency mechanism
// for direct-conversation creation and status rows, so callers treat this
// as "already exists", not as an error. Matching is on the extended code:
// the generic constraint code also covers FOREIGN KEY and CHECK failures,
// which must stay errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(sqlite3.Error); ok {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation reports whether err is a sqlite FOREIGN KEY
// constraint failure, meaning a referenced row does not exist.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(sqlite3.Error); ok {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// placeholders builds "?, ?, ?" for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
