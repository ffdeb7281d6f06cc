// Package store is the Context Store: the durable, append-mostly
// database of runs, tasks, loops, plan groups, phase history, phase
// costs, typed context entries, loop reviews, and pending conflicts that
// makes an orchestrator run crash-safe and resumable.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite connection guarded by a RWMutex. Reads take
// RLock, writes take Lock, matching the read/write split used throughout
// this codebase's other stores.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a component logger to the store.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates or opens the Context Store database at
// <stateDir>/state.db, enabling WAL mode and a busy timeout so
// concurrent loop goroutines never fail outright on SQLITE_BUSY.
func Open(stateDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating state dir %q: %w", stateDir, err)
	}
	dbPath := filepath.Join(stateDir, "state.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // single-process, single-connection per spec.md §5

	s := &Store{db: db, path: dbPath}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("store: initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) log(msg string, kvs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg, kvs...)
}

// newID generates an opaque, prefixed, time-sortable-ish identifier.
// google/uuid is used rather than a timestamp scheme so IDs remain
// collision-free across concurrently-spawned loops without a shared
// counter.
func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	spec_path          TEXT NOT NULL,
	effort             TEXT NOT NULL,
	phase              TEXT NOT NULL,
	pending_review     INTEGER NOT NULL DEFAULT 0,
	review_type        TEXT,
	revision_count     INTEGER NOT NULL DEFAULT 0,
	max_loops          INTEGER NOT NULL,
	max_iterations     INTEGER NOT NULL,
	total_cost         REAL NOT NULL DEFAULT 0,
	base_branch        TEXT NOT NULL,
	use_worktrees      INTEGER NOT NULL DEFAULT 1,
	interpreted_intent TEXT,
	intent_satisfied   TEXT NOT NULL DEFAULT '',
	was_empty_project  TEXT NOT NULL DEFAULT '',
	codebase_analysis  TEXT,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                   TEXT PRIMARY KEY,
	run_id               TEXT NOT NULL REFERENCES runs(id),
	title                TEXT NOT NULL,
	description          TEXT NOT NULL,
	status               TEXT NOT NULL,
	dependencies_json    TEXT,
	estimated_iterations INTEGER NOT NULL DEFAULT 0,
	assigned_loop_id     TEXT,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(run_id, status);

CREATE TABLE IF NOT EXISTS plan_groups (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	group_index INTEGER NOT NULL,
	task_ids_json TEXT NOT NULL,
	PRIMARY KEY (run_id, group_index)
);

CREATE TABLE IF NOT EXISTS loops (
	id                         TEXT PRIMARY KEY,
	run_id                     TEXT NOT NULL REFERENCES runs(id),
	task_ids_json              TEXT NOT NULL,
	iteration                  INTEGER NOT NULL DEFAULT 0,
	max_iterations             INTEGER NOT NULL,
	review_interval            INTEGER NOT NULL DEFAULT 0,
	last_review_at             INTEGER NOT NULL DEFAULT 0,
	status                     TEXT NOT NULL,
	same_error_count           INTEGER NOT NULL DEFAULT 0,
	no_progress_count          INTEGER NOT NULL DEFAULT 0,
	last_error                 TEXT,
	last_file_change_iteration INTEGER NOT NULL DEFAULT 0,
	last_activity_at           DATETIME,
	cost                       REAL NOT NULL DEFAULT 0,
	worktree_path              TEXT,
	branch                     TEXT,
	phase                      TEXT NOT NULL,
	review_status              TEXT NOT NULL DEFAULT 'pending',
	last_review_id             TEXT,
	revision_attempts          INTEGER NOT NULL DEFAULT 0,
	last_checkpoint_review_at  INTEGER NOT NULL DEFAULT 0,
	created_at                 DATETIME NOT NULL,
	updated_at                 DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loops_run ON loops(run_id);
CREATE INDEX IF NOT EXISTS idx_loops_status ON loops(run_id, status);

CREATE TABLE IF NOT EXISTS phase_history (
	id        TEXT PRIMARY KEY,
	run_id    TEXT NOT NULL REFERENCES runs(id),
	phase     TEXT NOT NULL,
	success   INTEGER NOT NULL,
	summary   TEXT,
	cost      REAL NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_phase_history_run ON phase_history(run_id, timestamp);

CREATE TABLE IF NOT EXISTS phase_costs (
	run_id TEXT NOT NULL REFERENCES runs(id),
	phase  TEXT NOT NULL,
	cost   REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, phase)
);

CREATE TABLE IF NOT EXISTS context_entries (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	task_id    TEXT,
	loop_id    TEXT,
	file       TEXT,
	line       INTEGER,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_context_run_type ON context_entries(run_id, type);
CREATE INDEX IF NOT EXISTS idx_context_run_task ON context_entries(run_id, task_id);
CREATE INDEX IF NOT EXISTS idx_context_run_loop ON context_entries(run_id, loop_id);
CREATE INDEX IF NOT EXISTS idx_context_run_file ON context_entries(run_id, file);
CREATE INDEX IF NOT EXISTS idx_context_run_created ON context_entries(run_id, created_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS context_entries_fts USING fts5(
	content, content='context_entries', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS context_entries_ai AFTER INSERT ON context_entries BEGIN
	INSERT INTO context_entries_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS context_entries_ad AFTER DELETE ON context_entries BEGIN
	INSERT INTO context_entries_fts(context_entries_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS context_entries_au AFTER UPDATE ON context_entries BEGIN
	INSERT INTO context_entries_fts(context_entries_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO context_entries_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS loop_reviews (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES runs(id),
	loop_id            TEXT NOT NULL,
	task_id            TEXT,
	passed             INTEGER NOT NULL,
	interpreted_intent TEXT,
	intent_satisfied   TEXT NOT NULL DEFAULT '',
	reviewed_at        DATETIME NOT NULL,
	cost               REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_loop_reviews_loop ON loop_reviews(run_id, loop_id);

CREATE TABLE IF NOT EXISTS pending_conflicts (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL REFERENCES runs(id),
	loop_id             TEXT NOT NULL,
	task_id             TEXT NOT NULL,
	conflict_files_json TEXT NOT NULL,
	created_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_conflicts_run ON pending_conflicts(run_id);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}
