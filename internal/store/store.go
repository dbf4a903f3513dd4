// Package store is the SQLite-backed persistence layer for every
// server-owned entity. Grounded on the teacher's internal/tasks/store.go
// INSERT ... ON CONFLICT pattern and internal/persistence/store.go
// Store interface shape, generalized from a single JSON blob store to
// one table per entity.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB opened against the pure-Go modernc.org/sqlite
// driver (no cgo, matching the teacher's embedded-store approach).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// OpenMemory opens the process's shared-cache in-memory database (every
// Store opened this way in one process sees the same data until the last
// one is closed), used by package tests so they never touch disk.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("store: open memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components that need a custom
// transaction (the Budget Gate's row-locked read-modify-write).
func (s *Store) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS companies (
	id TEXT PRIMARY KEY,
	access_model TEXT NOT NULL,
	access_status TEXT NOT NULL,
	daily_ai_budget REAL NOT NULL DEFAULT 0,
	ai_used_today REAL NOT NULL DEFAULT 0,
	last_usage_reset_date TEXT NOT NULL,
	trial_start_date TEXT,
	trial_days_total INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscriptions (
	company_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	monthly_claude_budget REAL NOT NULL DEFAULT 0,
	claude_used_this_month REAL NOT NULL DEFAULT 0,
	budget_reset_date TEXT NOT NULL,
	customer_claude_api_key TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (company_id, product_id)
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	company_id TEXT NOT NULL,
	api_key TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL,
	status TEXT NOT NULL,
	current_task_id TEXT NOT NULL DEFAULT '',
	current_crawl_session_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS agent_tasks (
	task_id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	parameters BLOB,
	status TEXT NOT NULL,
	result BLOB,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_tasks_user_status ON agent_tasks(user_id, status);

CREATE TABLE IF NOT EXISTS crawl_sessions (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	network_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	pages_crawled INTEGER NOT NULL DEFAULT 0,
	forms_found INTEGER NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS form_page_routes (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	network_id TEXT NOT NULL,
	crawl_session_id TEXT NOT NULL,
	form_name TEXT NOT NULL,
	url TEXT NOT NULL,
	login_url TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	navigation_steps BLOB,
	id_fields BLOB,
	parent_fields BLOB,
	is_root INTEGER NOT NULL DEFAULT 0,
	parent_form_route_id TEXT NOT NULL DEFAULT '',
	verification_attempts INTEGER NOT NULL DEFAULT 0,
	last_verified_at TEXT,
	discovery_method TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	UNIQUE(project_id, url)
);

CREATE TABLE IF NOT EXISTS networks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	company_id TEXT NOT NULL,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	login_stages BLOB,
	logout_stages BLOB,
	use_vision INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS project_form_hierarchy (
	project_id TEXT NOT NULL,
	form_id TEXT NOT NULL,
	parent_form_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, form_id)
);

CREATE TABLE IF NOT EXISTS api_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	crawl_session_id TEXT NOT NULL DEFAULT '',
	operation_type TEXT NOT NULL,
	tokens_used INTEGER NOT NULL,
	api_cost REAL NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_usage_company_product ON api_usage(company_id, product_id);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
