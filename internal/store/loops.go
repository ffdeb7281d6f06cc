package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateLoop persists a new loop row; backs the create_loop tool and
// internal/loopmgr.Manager.create.
func (s *Store) CreateLoop(l Loop) (*Loop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = newID("loop")
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	if l.LastActivityAt.IsZero() {
		l.LastActivityAt = now
	}
	if l.Status == "" {
		l.Status = LoopPending
	}
	if l.ReviewStatus == "" {
		l.ReviewStatus = ReviewPending
	}

	taskIDsJSON, err := json.Marshal(l.TaskIDs)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling loop task ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO loops (id, run_id, task_ids_json, iteration, max_iterations,
			review_interval, last_review_at, status, same_error_count,
			no_progress_count, last_error, last_file_change_iteration,
			last_activity_at, cost, worktree_path, branch, phase, review_status,
			last_review_id, revision_attempts, last_checkpoint_review_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.RunID, taskIDsJSON, l.Iteration, l.MaxIterations, l.ReviewInterval,
		l.LastReviewAt, l.Status, l.StuckIndicators.SameErrorCount,
		l.StuckIndicators.NoProgressCount, l.StuckIndicators.LastError,
		l.StuckIndicators.LastFileChangeIteration, l.LastActivityAt, l.Cost,
		l.WorktreePath, l.Branch, l.Phase, l.ReviewStatus, l.LastReviewID,
		l.RevisionAttempts, l.LastCheckpointReviewAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: creating loop: %w", err)
	}
	return &l, nil
}

const loopSelectCols = `
	id, run_id, task_ids_json, iteration, max_iterations, review_interval,
	last_review_at, status, same_error_count, no_progress_count, last_error,
	last_file_change_iteration, last_activity_at, cost, worktree_path, branch,
	phase, review_status, last_review_id, revision_attempts,
	last_checkpoint_review_at, created_at, updated_at`

func (s *Store) scanLoop(row rowScanner) (*Loop, error) {
	var l Loop
	var taskIDsJSON string
	var lastError, worktreePath, branch, lastReviewID sql.NullString
	err := row.Scan(&l.ID, &l.RunID, &taskIDsJSON, &l.Iteration, &l.MaxIterations,
		&l.ReviewInterval, &l.LastReviewAt, &l.Status, &l.StuckIndicators.SameErrorCount,
		&l.StuckIndicators.NoProgressCount, &lastError,
		&l.StuckIndicators.LastFileChangeIteration, &l.LastActivityAt, &l.Cost,
		&worktreePath, &branch, &l.Phase, &l.ReviewStatus, &lastReviewID,
		&l.RevisionAttempts, &l.LastCheckpointReviewAt, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning loop: %w", err)
	}
	l.StuckIndicators.LastError = lastError.String
	l.WorktreePath = worktreePath.String
	l.Branch = branch.String
	l.LastReviewID = lastReviewID.String
	if taskIDsJSON != "" {
		if err := json.Unmarshal([]byte(taskIDsJSON), &l.TaskIDs); err != nil {
			return nil, fmt.Errorf("store: decoding loop task ids for %q: %w", l.ID, err)
		}
	}
	return &l, nil
}

// GetLoop loads a single loop by id. Returns nil, nil when not found.
func (s *Store) GetLoop(id string) (*Loop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanLoop(s.db.QueryRow(`SELECT `+loopSelectCols+` FROM loops WHERE id = ?`, id))
}

// ListLoops returns every loop for a run.
func (s *Store) ListLoops(runID string) ([]Loop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+loopSelectCols+` FROM loops WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: listing loops for run %q: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var loops []Loop
	for rows.Next() {
		l, err := s.scanLoop(rows)
		if err != nil {
			return nil, err
		}
		loops = append(loops, *l)
	}
	return loops, rows.Err()
}

// ListLoopsByStatus returns every loop for a run in one of the given
// statuses.
func (s *Store) ListLoopsByStatus(runID string, statuses ...LoopStatus) ([]Loop, error) {
	all, err := s.ListLoops(runID)
	if err != nil {
		return nil, err
	}
	want := make(map[LoopStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []Loop
	for _, l := range all {
		if want[l.Status] {
			out = append(out, l)
		}
	}
	return out, nil
}

// UpdateLoopStatus sets a loop's status; idempotent -- setting the same
// status twice is a no-op beyond the timestamp bump. Backs the
// update_loop_status tool.
func (s *Store) UpdateLoopStatus(id string, status LoopStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: updating loop %q status to %q: %w", id, status, err)
	}
	return nil
}

// IncrementIteration bumps a loop's iteration counter by one and returns
// the new value.
func (s *Store) IncrementIteration(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET iteration = iteration + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("store: incrementing iteration for loop %q: %w", id, err)
	}
	var iteration int
	if err := s.db.QueryRow(`SELECT iteration FROM loops WHERE id = ?`, id).Scan(&iteration); err != nil {
		return 0, fmt.Errorf("store: reading iteration for loop %q: %w", id, err)
	}
	return iteration, nil
}

// UpdateLastActivity stamps a loop's last-activity time to now -- called
// on every event the Agent Event Demuxer receives for that loop's call.
func (s *Store) UpdateLastActivity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: updating last activity for loop %q: %w", id, err)
	}
	return nil
}

// MarkReviewed sets last_review_at to the loop's current iteration.
func (s *Store) MarkReviewed(id string, atIteration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET last_review_at = ?, updated_at = ? WHERE id = ?`,
		atIteration, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: marking loop %q reviewed: %w", id, err)
	}
	return nil
}

// MarkCheckpointReviewed sets last_checkpoint_review_at to the loop's
// current iteration.
func (s *Store) MarkCheckpointReviewed(id string, atIteration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET last_checkpoint_review_at = ?, updated_at = ? WHERE id = ?`,
		atIteration, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: marking loop %q checkpoint-reviewed: %w", id, err)
	}
	return nil
}

// UpdateReviewStatus sets a loop's per-task review status.
func (s *Store) UpdateReviewStatus(id string, status ReviewStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET review_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: updating review status for loop %q: %w", id, err)
	}
	return nil
}

// IncrementRevisionAttempts bumps a loop's revision-attempt counter and
// returns the new value.
func (s *Store) IncrementRevisionAttempts(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET revision_attempts = revision_attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("store: incrementing revision attempts for loop %q: %w", id, err)
	}
	var attempts int
	if err := s.db.QueryRow(`SELECT revision_attempts FROM loops WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("store: reading revision attempts for loop %q: %w", id, err)
	}
	return attempts, nil
}

// ResetRevisionAttempts zeroes a loop's revision-attempt counter, called
// when a review passes.
func (s *Store) ResetRevisionAttempts(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET revision_attempts = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: resetting revision attempts for loop %q: %w", id, err)
	}
	return nil
}

// UpdateStuckIndicators persists a loop's updated stuck-detection
// counters as a single statement (see internal/stuck for the
// classification logic that computes these values).
func (s *Store) UpdateStuckIndicators(id string, ind StuckIndicators) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE loops SET same_error_count = ?, no_progress_count = ?, last_error = ?,
			last_file_change_iteration = ?, updated_at = ?
		WHERE id = ?`,
		ind.SameErrorCount, ind.NoProgressCount, nullableString(ind.LastError),
		ind.LastFileChangeIteration, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: updating stuck indicators for loop %q: %w", id, err)
	}
	return nil
}

// AddLoopCost adds delta to a loop's cost and returns the new total.
func (s *Store) AddLoopCost(id string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE loops SET cost = cost + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("store: adding cost for loop %q: %w", id, err)
	}
	var cost float64
	if err := s.db.QueryRow(`SELECT cost FROM loops WHERE id = ?`, id).Scan(&cost); err != nil {
		return 0, fmt.Errorf("store: reading cost for loop %q: %w", id, err)
	}
	return cost, nil
}

// RestoreLoop reinserts a loop row loaded from storage, used on resume
// when the in-memory Loop Manager is rehydrated from the Context Store.
// It is a thin alias over CreateLoop with ON CONFLICT semantics baked
// into the same INSERT used by normal creation would be unsafe here
// since IDs are already assigned, so RestoreLoop upserts explicitly.
func (s *Store) RestoreLoop(l Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskIDsJSON, err := json.Marshal(l.TaskIDs)
	if err != nil {
		return fmt.Errorf("store: marshaling loop task ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO loops (id, run_id, task_ids_json, iteration, max_iterations,
			review_interval, last_review_at, status, same_error_count,
			no_progress_count, last_error, last_file_change_iteration,
			last_activity_at, cost, worktree_path, branch, phase, review_status,
			last_review_id, revision_attempts, last_checkpoint_review_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			iteration = excluded.iteration,
			status = excluded.status,
			same_error_count = excluded.same_error_count,
			no_progress_count = excluded.no_progress_count,
			last_error = excluded.last_error,
			last_file_change_iteration = excluded.last_file_change_iteration,
			last_activity_at = excluded.last_activity_at,
			cost = excluded.cost,
			review_status = excluded.review_status,
			revision_attempts = excluded.revision_attempts,
			last_checkpoint_review_at = excluded.last_checkpoint_review_at,
			updated_at = excluded.updated_at`,
		l.ID, l.RunID, taskIDsJSON, l.Iteration, l.MaxIterations, l.ReviewInterval,
		l.LastReviewAt, l.Status, l.StuckIndicators.SameErrorCount,
		l.StuckIndicators.NoProgressCount, l.StuckIndicators.LastError,
		l.StuckIndicators.LastFileChangeIteration, l.LastActivityAt, l.Cost,
		l.WorktreePath, l.Branch, l.Phase, l.ReviewStatus, l.LastReviewID,
		l.RevisionAttempts, l.LastCheckpointReviewAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: restoring loop %q: %w", l.ID, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
