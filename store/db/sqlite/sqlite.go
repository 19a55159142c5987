package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/taskmesh/taskmesh/internal/profile"
	"github.com/taskmesh/taskmesh/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the single-file task graph database.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - Journal mode set to WAL: the recommended journal mode for most
	//   applications as it prevents locking issues.
	// - synchronous=NORMAL: safe with WAL and much faster than FULL.
	// - Foreign keys on: edge rows must cascade when a task is deleted.
	//
	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	//
	// References:
	// - https://pkg.go.dev/modernc.org/sqlite#Driver.Open
	// - https://www.sqlite.org/pragma.html
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite write-serializes anyway; a single connection with WAL avoids
	// SQLITE_BUSY surprises under concurrent graph mutators.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

var migrationStmts = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 2,
		owner_agent_id TEXT,
		parent_task_id TEXT,
		input TEXT NOT NULL DEFAULT '{}',
		expected_output TEXT NOT NULL DEFAULT '{}',
		acceptance_criteria TEXT NOT NULL DEFAULT '',
		required_capabilities TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		depends_on_id TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		PRIMARY KEY (task_id, depends_on_id)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_capabilities (
		agent_id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL DEFAULT '{}',
		success_rate TEXT NOT NULL DEFAULT '{}',
		total_completed INTEGER NOT NULL DEFAULT 0,
		total_failed INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner_agent_id ON tasks (owner_agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent_task_id ON tasks (parent_task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on_id ON task_dependencies (depends_on_id)`,
}

// Migrate creates the schema. Every statement is idempotent so reopening a
// preexisting database file is safe.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate schema")
		}
	}
	return nil
}

// Timestamps are stored as ISO-8601 text.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSONColumn(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}
