package store

import (
	"database/sql"
	"fmt"
	"time"
)

// WriteContext inserts a typed context entry; backs the write_context
// tool. Per spec.md §8 invariant 7, the write is visible to any
// subsequent read_context call once this statement commits (each write
// is a single-row statement and therefore atomic).
func (s *Store) WriteContext(e ContextEntry) (*ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeContextLocked(e)
}

func (s *Store) writeContextLocked(e ContextEntry) (*ContextEntry, error) {
	if e.ID == "" {
		e.ID = newID("ctx")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO context_entries (id, run_id, type, content, task_id, loop_id, file, line, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Type, e.Content, nullableString(e.TaskID), nullableString(e.LoopID),
		nullableString(e.File), e.Line, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: writing context entry: %w", err)
	}
	return &e, nil
}

// ContextQuery filters ReadContext. Zero-value fields are not applied as
// filters (an empty RunID is invalid and always returns an error).
type ContextQuery struct {
	RunID  string
	Types  []ContextEntryType
	TaskID string
	LoopID string
	File   string
	Limit  int
}

// ReadContext returns context entries matching the query, newest first;
// backs the read_context tool.
func (s *Store) ReadContext(q ContextQuery) ([]ContextEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.RunID == "" {
		return nil, fmt.Errorf("store: read_context requires a run id")
	}

	query := `SELECT id, run_id, type, content, task_id, loop_id, file, line, created_at
		FROM context_entries WHERE run_id = ?`
	args := []any{q.RunID}

	if len(q.Types) > 0 {
		query += ` AND type IN (`
		for i, t := range q.Types {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, t)
		}
		query += `)`
	}
	if q.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, q.TaskID)
	}
	if q.LoopID != "" {
		query += ` AND loop_id = ?`
		args = append(args, q.LoopID)
	}
	if q.File != "" {
		query += ` AND file = ?`
		args = append(args, q.File)
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: reading context for run %q: %w", q.RunID, err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []ContextEntry
	for rows.Next() {
		e, err := scanContextEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanContextEntry(row rowScanner) (*ContextEntry, error) {
	var e ContextEntry
	var taskID, loopID, file sql.NullString
	var line sql.NullInt64
	err := row.Scan(&e.ID, &e.RunID, &e.Type, &e.Content, &taskID, &loopID, &file, &line, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: scanning context entry: %w", err)
	}
	e.TaskID, e.LoopID, e.File = taskID.String, loopID.String, file.String
	e.Line = int(line.Int64)
	return &e, nil
}

// ReplaceReviewIssues deletes every existing review_issue context entry
// for (runID, taskID) and inserts the new set in its place, inside a
// single transaction. This is how the build step implements "replace the
// stored review issues for this task, never accumulate" (spec.md §4.3.f,
// scenario S4).
func (s *Store) ReplaceReviewIssues(runID, taskID string, issues []ReviewIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: beginning review issue replacement: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM context_entries WHERE run_id = ? AND type = ? AND task_id = ?`,
		runID, ContextReviewIssue, taskID); err != nil {
		return fmt.Errorf("store: clearing review issues for task %q: %w", taskID, err)
	}

	now := time.Now().UTC()
	for _, issue := range issues {
		id := newID("ctx")
		if _, err := tx.Exec(`
			INSERT INTO context_entries (id, run_id, type, content, task_id, file, line, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, runID, ContextReviewIssue, issue.Description, taskID,
			nullableString(issue.File), issue.Line, now); err != nil {
			return fmt.Errorf("store: inserting review issue for task %q: %w", taskID, err)
		}
	}
	return tx.Commit()
}

// SearchContext performs a full-text search over context_entries.content
// within a run, using the FTS5 virtual table. query uses SQLite FTS5
// query syntax.
func (s *Store) SearchContext(runID, query string, limit int) ([]ContextEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT c.id, c.run_id, c.type, c.content, c.task_id, c.loop_id, c.file, c.line, c.created_at
		FROM context_entries_fts f
		JOIN context_entries c ON c.rowid = f.rowid
		WHERE f.content MATCH ? AND c.run_id = ?
		ORDER BY rank LIMIT ?`, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: searching context for run %q: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []ContextEntry
	for rows.Next() {
		e, err := scanContextEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
