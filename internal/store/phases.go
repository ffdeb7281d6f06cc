package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendPhaseHistory records one orchestrator phase invocation. Append-
// only: the orchestrator calls this exactly once per phase, after the
// phase completes (success or failure), per spec.md §4.1 "Post-phase".
func (s *Store) AppendPhaseHistory(e PhaseHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = newID("phist")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO phase_history (id, run_id, phase, success, summary, cost, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Phase, e.Success, e.Summary, e.Cost, e.Timestamp)
	if err != nil {
		return fmt.Errorf("store: appending phase history: %w", err)
	}
	return nil
}

// ListPhaseHistory returns every phase-history entry for a run, oldest
// first.
func (s *Store) ListPhaseHistory(runID string) ([]PhaseHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, phase, success, summary, cost, timestamp
		FROM phase_history WHERE run_id = ? ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: listing phase history for run %q: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []PhaseHistoryEntry
	for rows.Next() {
		var e PhaseHistoryEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Phase, &e.Success, &e.Summary, &e.Cost, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scanning phase history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordPhaseCost adds delta to the (run, phase) accumulator and returns
// the new total; backs the record_phase_cost tool. Phase costs are kept
// as an independent accumulator from run and loop costs, never derived
// from one another (spec.md §9 "Two-level budget accounting").
func (s *Store) RecordPhaseCost(runID string, phase Phase, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO phase_costs (run_id, phase, cost) VALUES (?, ?, ?)
		ON CONFLICT(run_id, phase) DO UPDATE SET cost = cost + excluded.cost`,
		runID, phase, delta)
	if err != nil {
		return 0, fmt.Errorf("store: recording phase cost for %q/%q: %w", runID, phase, err)
	}
	var total float64
	if err := s.db.QueryRow(`SELECT cost FROM phase_costs WHERE run_id = ? AND phase = ?`, runID, phase).Scan(&total); err != nil {
		return 0, fmt.Errorf("store: reading phase cost for %q/%q: %w", runID, phase, err)
	}
	return total, nil
}

// GetPhaseCost returns the accumulated cost for (run, phase), or 0 if no
// cost has been recorded yet.
func (s *Store) GetPhaseCost(runID string, phase Phase) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cost float64
	err := s.db.QueryRow(`SELECT cost FROM phase_costs WHERE run_id = ? AND phase = ?`, runID, phase).Scan(&cost)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: reading phase cost for %q/%q: %w", runID, phase, err)
	}
	return cost, nil
}
