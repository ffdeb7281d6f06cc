package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateRun allocates a new run row and returns it with its ID populated.
func (s *Store) CreateRun(r Run) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = newID("run")
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Phase == "" {
		r.Phase = PhaseAnalyze
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (id, spec_path, effort, phase, pending_review, review_type,
			revision_count, max_loops, max_iterations, total_cost, base_branch,
			use_worktrees, interpreted_intent, intent_satisfied, was_empty_project,
			codebase_analysis, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SpecPath, r.Effort, r.Phase, r.PendingReview, r.ReviewType,
		r.RevisionCount, r.MaxLoops, r.MaxIterations, r.TotalCost, r.BaseBranch,
		r.UseWorktrees, r.InterpretedIntent, r.IntentSatisfied, r.WasEmptyProject,
		r.CodebaseAnalysis, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: creating run: %w", err)
	}
	return &r, nil
}

// GetRun loads a run by id. Returns nil, nil when not found.
func (s *Store) GetRun(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRun(id)
}

func (s *Store) getRun(id string) (*Run, error) {
	var r Run
	var reviewType, codebaseAnalysis sql.NullString
	err := s.db.QueryRow(`
		SELECT id, spec_path, effort, phase, pending_review, review_type,
			revision_count, max_loops, max_iterations, total_cost, base_branch,
			use_worktrees, interpreted_intent, intent_satisfied, was_empty_project,
			codebase_analysis, created_at, updated_at
		FROM runs WHERE id = ?`, id).Scan(
		&r.ID, &r.SpecPath, &r.Effort, &r.Phase, &r.PendingReview, &reviewType,
		&r.RevisionCount, &r.MaxLoops, &r.MaxIterations, &r.TotalCost, &r.BaseBranch,
		&r.UseWorktrees, &r.InterpretedIntent, &r.IntentSatisfied, &r.WasEmptyProject,
		&codebaseAnalysis, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting run %q: %w", id, err)
	}
	r.ReviewType = reviewType.String
	r.CodebaseAnalysis = codebaseAnalysis.String
	return &r, nil
}

// LatestIncompleteRun returns the most recently created run whose phase is
// not yet "complete", used by the Resume/Snapshot Layer to find a run to
// resume. Returns nil, nil when no such run exists.
func (s *Store) LatestIncompleteRun() (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(`
		SELECT id FROM runs WHERE phase != ? ORDER BY created_at DESC LIMIT 1`,
		PhaseComplete).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: finding latest incomplete run: %w", err)
	}
	return s.getRun(id)
}

// UpdateRun persists the full set of mutable run fields. It is called by
// the Phase Orchestrator after every phase (the checkpoint-after-every-
// phase pattern).
func (s *Store) UpdateRun(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE runs SET phase = ?, pending_review = ?, review_type = ?,
			revision_count = ?, total_cost = ?, interpreted_intent = ?,
			intent_satisfied = ?, was_empty_project = ?, codebase_analysis = ?,
			updated_at = ?
		WHERE id = ?`,
		r.Phase, r.PendingReview, r.ReviewType, r.RevisionCount, r.TotalCost,
		r.InterpretedIntent, r.IntentSatisfied, r.WasEmptyProject,
		r.CodebaseAnalysis, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("store: updating run %q: %w", r.ID, err)
	}
	return nil
}

// AddRunCost adds delta to the run's total_cost and returns the new total.
// Used by the Cost Governor; never derives totalCost from another
// accumulator, per spec.md §9.
func (s *Store) AddRunCost(runID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE runs SET total_cost = total_cost + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC(), runID)
	if err != nil {
		return 0, fmt.Errorf("store: adding run cost for %q: %w", runID, err)
	}

	var total float64
	if err := s.db.QueryRow(`SELECT total_cost FROM runs WHERE id = ?`, runID).Scan(&total); err != nil {
		return 0, fmt.Errorf("store: reading run cost for %q: %w", runID, err)
	}
	return total, nil
}

// ListRuns returns every run in the store, newest first. Used by the
// Resume/Snapshot Layer's --list and --clean-all modes.
func (s *Store) ListRuns() ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}

	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.getRun(id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			runs = append(runs, *r)
		}
	}
	return runs, nil
}

// deleteRunTables lists every table keyed by run_id that DeleteRun must
// clear before removing the run row itself, since the schema has no
// foreign key declarations to cascade the delete automatically.
var deleteRunTables = []string{
	"tasks", "plan_groups", "loops", "phase_history", "phase_costs",
	"context_entries", "loop_reviews", "pending_conflicts",
}

// DeleteRun removes a run and every row in the other tables keyed to it
// (tasks, loops, plan groups, context entries, phase history, reviews,
// pending conflicts), in one transaction.
func (s *Store) DeleteRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: deleting run %q: %w", id, err)
	}
	defer tx.Rollback()

	for _, table := range deleteRunTables {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, table), id); err != nil {
			return fmt.Errorf("store: deleting run %q: clearing %s: %w", id, table, err)
		}
	}

	res, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting run %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: deleting run %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: run %q not found", id)
	}

	return tx.Commit()
}
