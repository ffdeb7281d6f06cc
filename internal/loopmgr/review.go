package loopmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqrun/sqrun/internal/agent"
	"github.com/sqrun/sqrun/internal/store"
)

const reviewCompleteMarker = "REVIEW_COMPLETE"

// reviewOutcome is what a per-loop or checkpoint review produced.
type reviewOutcome struct {
	Review store.LoopReview
	Passed bool
	Cost   float64
}

// otherLoopsSummary builds the "other loops" view (id prefix, status,
// titles) a review prompt is given, excluding the loop under review.
func (m *Manager) otherLoopsSummary(excludeLoopID string, tasksByID map[string]store.Task) ([]LoopSummary, error) {
	all, err := m.store.ListLoops(m.runID)
	if err != nil {
		return nil, fmt.Errorf("loopmgr: listing loops for review summary: %w", err)
	}
	var summaries []LoopSummary
	for _, l := range all {
		if l.ID == excludeLoopID {
			continue
		}
		prefix := l.ID
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		var titles []string
		for _, taskID := range l.TaskIDs {
			if t, ok := tasksByID[taskID]; ok {
				titles = append(titles, t.Title)
			}
		}
		summaries = append(summaries, LoopSummary{IDPrefix: prefix, Status: l.Status, Titles: titles})
	}
	return summaries, nil
}

// runReview invokes a single-shot review agent call for loop l (and,
// when task.ID is non-empty, that specific task's completion; an empty
// task.ID means a checkpoint review). It requires REVIEW_COMPLETE in the
// agent's output and that set_loop_review_result was called during the
// turn -- observed here as a new loop_reviews row for l.
func (m *Manager) runReview(ctx context.Context, l store.Loop, task store.Task, tasksByID map[string]store.Task) (reviewOutcome, error) {
	others, err := m.otherLoopsSummary(l.ID, tasksByID)
	if err != nil {
		return reviewOutcome{}, err
	}

	before, err := m.store.ListLoopReviews(m.runID, l.ID)
	if err != nil {
		return reviewOutcome{}, fmt.Errorf("loopmgr: listing prior reviews for loop %q: %w", l.ID, err)
	}

	prompt, err := m.reviewPrompt(task, others)
	if err != nil {
		return reviewOutcome{}, fmt.Errorf("loopmgr: rendering review prompt: %w", err)
	}

	opts := agent.RunOpts{
		Prompt:       prompt,
		Model:        m.cfg.Model,
		Effort:       m.cfg.Effort,
		AllowedTools: m.cfg.AllowedTools,
		OutputFormat: agent.OutputFormatStreamJSON,
		WorkDir:      l.WorktreePath,
	}

	outcome, err := invokeWithIdleMonitor(ctx, m.reviewAgent, opts, m.cfg.IdleTimeout)
	if err != nil {
		return reviewOutcome{}, err
	}
	if outcome.Idle {
		return reviewOutcome{}, fmt.Errorf("loopmgr: review for loop %q timed out waiting for agent activity", l.ID)
	}

	text := outcome.FinalText
	if !hasCompletionMarker(text, reviewCompleteMarker) && outcome.Result != nil {
		text = outcome.Result.Stdout
	}
	if !hasCompletionMarker(text, reviewCompleteMarker) {
		return reviewOutcome{}, fmt.Errorf("loopmgr: review for loop %q did not emit %s", l.ID, reviewCompleteMarker)
	}

	after, err := m.store.ListLoopReviews(m.runID, l.ID)
	if err != nil {
		return reviewOutcome{}, fmt.Errorf("loopmgr: listing reviews for loop %q: %w", l.ID, err)
	}
	if len(after) <= len(before) {
		return reviewOutcome{}, fmt.Errorf("loopmgr: review agent for loop %q did not call set_loop_review_result", l.ID)
	}

	review := after[0] // newest first

	issues, err := m.fetchReviewIssues(l.ID, task.ID)
	if err != nil {
		return reviewOutcome{}, err
	}
	review.Issues = issues

	return reviewOutcome{Review: review, Passed: finalPassed(review), Cost: outcome.CostUSD}, nil
}

// fetchReviewIssues reads back the review_issue context entries
// set_loop_review_result just wrote for this review, so the build step can
// fold them into a replace-not-accumulate store.ReplaceReviewIssues call.
// Content, file, and line round-trip; issue type and suggestion do not
// survive the context_entries representation and are left zero.
func (m *Manager) fetchReviewIssues(loopID, taskID string) ([]store.ReviewIssue, error) {
	q := store.ContextQuery{
		RunID:  m.runID,
		Types:  []store.ContextEntryType{store.ContextReviewIssue},
		LoopID: loopID,
	}
	if taskID != "" {
		q.TaskID = taskID
	}
	entries, err := m.store.ReadContext(q)
	if err != nil {
		return nil, fmt.Errorf("loopmgr: reading back review issues for loop %q: %w", loopID, err)
	}
	issues := make([]store.ReviewIssue, 0, len(entries))
	for _, e := range entries {
		issues = append(issues, store.ReviewIssue{File: e.File, Line: e.Line, Description: e.Content})
	}
	return issues, nil
}

// finalPassed computes the conjunction of the review's technical verdict
// and its intent verdict, per spec.md §4.4: "A final passed is the
// conjunction of the technical boolean and intentSatisfied (when
// evaluated)." An unevaluated (unknown) intentSatisfied does not veto a
// technical pass.
func finalPassed(r store.LoopReview) bool {
	if r.IntentSatisfied == store.TriFalse {
		return false
	}
	return r.Passed
}

// describeReviewIssues renders a short human-readable summary of review
// issues, used for error/context entries.
func describeReviewIssues(issues []store.ReviewIssue) string {
	if len(issues) == 0 {
		return "no issues reported"
	}
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		parts = append(parts, fmt.Sprintf("%s: %s", i.Type, i.Description))
	}
	return strings.Join(parts, "; ")
}
