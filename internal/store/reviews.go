package store

import (
	"fmt"
	"time"
)

// SetLoopReviewResult records a review result transactionally: one
// loop_reviews row plus one context(type=review_issue) row per issue,
// atomically (spec.md §4.4, invariant 8). It validates loopID and taskID
// against the current run and returns a descriptive error enumerating
// known alternatives on mismatch -- the "self-describing tool errors"
// affordance (spec.md §9).
func (s *Store) SetLoopReviewResult(review LoopReview) (*LoopReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var loopExists bool
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM loops WHERE id = ? AND run_id = ?)`,
		review.LoopID, review.RunID).Scan(&loopExists); err != nil {
		return nil, fmt.Errorf("store: checking loop %q: %w", review.LoopID, err)
	}
	if !loopExists {
		known, _ := s.knownLoopIDsLocked(review.RunID)
		return nil, fmt.Errorf("store: unknown loop id %q for run %q; known loops: %v", review.LoopID, review.RunID, known)
	}
	if review.TaskID != "" {
		var taskExists bool
		if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ? AND run_id = ?)`,
			review.TaskID, review.RunID).Scan(&taskExists); err != nil {
			return nil, fmt.Errorf("store: checking task %q: %w", review.TaskID, err)
		}
		if !taskExists {
			known, _ := s.knownTaskIDsLocked(review.RunID)
			return nil, fmt.Errorf("store: unknown task id %q for run %q; known tasks: %v", review.TaskID, review.RunID, known)
		}
	}

	if review.ID == "" {
		review.ID = newID("review")
	}
	if review.ReviewedAt.IsZero() {
		review.ReviewedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: beginning review result transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO loop_reviews (id, run_id, loop_id, task_id, passed, interpreted_intent,
			intent_satisfied, reviewed_at, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.RunID, review.LoopID, nullableString(review.TaskID), review.Passed,
		review.InterpretedIntent, review.IntentSatisfied, review.ReviewedAt, review.Cost); err != nil {
		return nil, fmt.Errorf("store: inserting loop review: %w", err)
	}

	now := time.Now().UTC()
	for _, issue := range review.Issues {
		id := newID("ctx")
		if _, err := tx.Exec(`
			INSERT INTO context_entries (id, run_id, type, content, task_id, loop_id, file, line, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, review.RunID, ContextReviewIssue, issue.Description, nullableString(review.TaskID),
			review.LoopID, nullableString(issue.File), issue.Line, now); err != nil {
			return nil, fmt.Errorf("store: inserting review issue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: committing loop review result: %w", err)
	}
	return &review, nil
}

func (s *Store) knownLoopIDsLocked(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM loops WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) knownTaskIDsLocked(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLoopReviews returns every review recorded for a loop, newest first.
func (s *Store) ListLoopReviews(runID, loopID string) ([]LoopReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, loop_id, task_id, passed, interpreted_intent, intent_satisfied, reviewed_at, cost
		FROM loop_reviews WHERE run_id = ? AND loop_id = ? ORDER BY reviewed_at DESC`, runID, loopID)
	if err != nil {
		return nil, fmt.Errorf("store: listing reviews for loop %q: %w", loopID, err)
	}
	defer rows.Close() //nolint:errcheck

	var reviews []LoopReview
	for rows.Next() {
		var r LoopReview
		var taskID *string
		if err := rows.Scan(&r.ID, &r.RunID, &r.LoopID, &taskID, &r.Passed, &r.InterpretedIntent,
			&r.IntentSatisfied, &r.ReviewedAt, &r.Cost); err != nil {
			return nil, fmt.Errorf("store: scanning loop review: %w", err)
		}
		if taskID != nil {
			r.TaskID = *taskID
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}
