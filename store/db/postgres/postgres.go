package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/taskmesh/taskmesh/internal/profile"
	"github.com/taskmesh/taskmesh/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL-backed task graph for shared deployments where a
// single embedded file is not enough.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}
	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	return &DB{db: pgDB, profile: profile}, nil
}

func (db *DB) GetDB() *sql.DB {
	return db.db
}

func (db *DB) Close() error {
	return db.db.Close()
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
		version BIGINT NOT NULL DEFAULT 1,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		timeout_ms BIGINT NOT NULL DEFAULT 0,
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
		total_completed BIGINT NOT NULL DEFAULT 0,
		total_failed BIGINT NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner_agent_id ON tasks (owner_agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent_task_id ON tasks (parent_task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on_id ON task_dependencies (depends_on_id)`,
}

func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStmts {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

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

// placeholderList renders $start..$start+n-1 for IN clauses.
func placeholderList(start, n int) string {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf("$%d", start+i))
	}
	return strings.Join(parts, ", ")
}
