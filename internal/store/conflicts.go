package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordPendingConflict stores a merge conflict discovered during a build
// step, to be consumed by the conflict phase.
func (s *Store) RecordPendingConflict(c PendingConflict) (*PendingConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = newID("conflict")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	filesJSON, err := json.Marshal(c.ConflictFiles)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling conflict files: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO pending_conflicts (id, run_id, loop_id, task_id, conflict_files_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.RunID, c.LoopID, c.TaskID, filesJSON, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: recording pending conflict: %w", err)
	}
	return &c, nil
}

// ListPendingConflicts returns every unresolved conflict for a run.
func (s *Store) ListPendingConflicts(runID string) ([]PendingConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, loop_id, task_id, conflict_files_json, created_at
		FROM pending_conflicts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending conflicts for run %q: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var conflicts []PendingConflict
	for rows.Next() {
		var c PendingConflict
		var filesJSON string
		if err := rows.Scan(&c.ID, &c.RunID, &c.LoopID, &c.TaskID, &filesJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning pending conflict: %w", err)
		}
		if err := json.Unmarshal([]byte(filesJSON), &c.ConflictFiles); err != nil {
			return nil, fmt.Errorf("store: decoding conflict files: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolvePendingConflict removes a conflict row once the conflict phase
// has resolved (or given up on) it.
func (s *Store) ResolvePendingConflict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM pending_conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: resolving pending conflict %q: %w", id, err)
	}
	return nil
}
