package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sqrun/sqrun/internal/agent"
	"github.com/sqrun/sqrun/internal/store"
)

// agentPhaseOutcome is what one agent-driven phase call produced.
type agentPhaseOutcome struct {
	Success      bool
	Summary      string
	Cost         float64
	ReviewPassed bool
}

// phaseMarkers maps each agent-driven phase to the completion marker its
// agent must emit (spec.md §6).
var phaseMarkers = map[store.Phase]string{
	store.PhaseAnalyze:   "ANALYZE_COMPLETE",
	store.PhaseEnumerate: "ENUMERATE_COMPLETE",
	store.PhasePlan:      "PLAN_COMPLETE",
	store.PhaseReview:    "REVIEW_COMPLETE",
	store.PhaseRevise:    "REVISE_COMPLETE",
}

// reviewResultRe matches the write_context decision convention the
// review phase uses to report its pass/fail verdict, since spec.md's
// set_review_result tool has no dedicated store row the way
// set_loop_review_result does: the review agent calls
// write_context{type: "decision", content: "REVIEW_RESULT: passed=true"}
// and the orchestrator reads the newest matching entry back.
var reviewResultRe = regexp.MustCompile(`REVIEW_RESULT:\s*passed=(true|false)`)

// runAgentCall invokes the agent for one agent-driven phase, verifies
// its completion marker, and performs phase-specific validation.
func (o *Orchestrator) runAgentCall(ctx context.Context, run store.Run, phase store.Phase) (agentPhaseOutcome, error) {
	promptFn, ok := o.cfg.Prompts[phase]
	if !ok {
		return agentPhaseOutcome{}, fmt.Errorf("no prompt configured for phase %q", phase)
	}

	tasks, err := o.store.ListTasks(run.ID)
	if err != nil {
		return agentPhaseOutcome{}, fmt.Errorf("listing tasks: %w", err)
	}

	var reviewIssues []store.ContextEntry
	if phase == store.PhaseRevise {
		reviewIssues, err = o.store.ReadContext(store.ContextQuery{
			RunID: run.ID,
			Types: []store.ContextEntryType{store.ContextReviewIssue},
		})
		if err != nil {
			return agentPhaseOutcome{}, fmt.Errorf("reading review issues: %w", err)
		}
	}

	prompt, err := promptFn(run, tasks, reviewIssues)
	if err != nil {
		return agentPhaseOutcome{}, fmt.Errorf("rendering %s prompt: %w", phase, err)
	}

	callOutcome, err := o.invokeAgent(ctx, agent.RunOpts{
		Prompt:       prompt,
		Model:        o.cfg.Model,
		Effort:       o.cfg.Effort,
		AllowedTools: o.cfg.AllowedTools,
		OutputFormat: "stream-json",
	})
	if err != nil {
		return agentPhaseOutcome{}, fmt.Errorf("invoking %s agent: %w", phase, err)
	}
	if callOutcome.Idle {
		return agentPhaseOutcome{Success: false, Summary: fmt.Sprintf("%s: idle timeout", phase), Cost: callOutcome.CostUSD}, nil
	}

	text := callOutcome.FinalText
	marker := phaseMarkers[phase]
	if !hasMarker(text, marker) && callOutcome.Result != nil {
		text = callOutcome.Result.Stdout
	}
	if !hasMarker(text, marker) {
		return agentPhaseOutcome{Success: false, Summary: fmt.Sprintf("%s: missing %s marker", phase, marker), Cost: callOutcome.CostUSD}, nil
	}

	outcome := agentPhaseOutcome{Success: true, Cost: callOutcome.CostUSD, Summary: tail(text, marker)}

	switch phase {
	case store.PhaseEnumerate:
		updated, err := o.store.ListTasks(run.ID)
		if err != nil {
			return agentPhaseOutcome{}, fmt.Errorf("listing enumerated tasks: %w", err)
		}
		if len(updated) == 0 {
			return agentPhaseOutcome{Success: false, Summary: "enumerate produced no tasks"}, nil
		}
		for _, t := range updated {
			if w := validateTaskGranularity(t); w != "" && o.logger != nil {
				o.logger.Info("task granularity warning", "task_id", t.ID, "warning", w)
			}
		}
	case store.PhasePlan:
		groups, err := o.store.ListPlanGroups(run.ID)
		if err != nil {
			return agentPhaseOutcome{}, fmt.Errorf("listing plan groups: %w", err)
		}
		plannedTasks, err := o.store.ListTasks(run.ID)
		if err != nil {
			return agentPhaseOutcome{}, fmt.Errorf("listing tasks for plan validation: %w", err)
		}
		tasksByID := make(map[string]store.Task, len(plannedTasks))
		for _, t := range plannedTasks {
			tasksByID[t.ID] = t
		}
		if v := validatePlanGroups(groups, tasksByID); v != "" {
			return agentPhaseOutcome{Success: false, Summary: "plan validation failed: " + v}, nil
		}
	case store.PhaseReview:
		passed, err := parsePhaseReviewVerdict(o.store, run.ID)
		if err != nil {
			return agentPhaseOutcome{Success: false, Summary: err.Error(), Cost: callOutcome.CostUSD}, nil
		}
		outcome.ReviewPassed = passed
	}

	return outcome, nil
}

// parsePhaseReviewVerdict reads back the newest REVIEW_RESULT decision
// context entry the review agent wrote via write_context.
func parsePhaseReviewVerdict(st *store.Store, runID string) (bool, error) {
	entries, err := st.ReadContext(store.ContextQuery{
		RunID: runID,
		Types: []store.ContextEntryType{store.ContextDecision},
		Limit: 20,
	})
	if err != nil {
		return false, fmt.Errorf("reading review verdict: %w", err)
	}
	for _, e := range entries {
		if m := reviewResultRe.FindStringSubmatch(e.Content); m != nil {
			return m[1] == "true", nil
		}
	}
	return false, fmt.Errorf("no REVIEW_RESULT decision found")
}

// validateTaskGranularity warns (never fails) when a task's estimated
// size falls outside the expected range, per spec.md §8's boundary
// behavior: granularity is advisory, not enforced.
func validateTaskGranularity(t store.Task) string {
	if t.EstimatedIterations < 3 || t.EstimatedIterations > 25 {
		return fmt.Sprintf("estimated_iterations %d outside [3,25]", t.EstimatedIterations)
	}
	if len(strings.TrimSpace(t.Description)) < 20 {
		return "description shorter than 20 characters"
	}
	return ""
}

// validatePlanGroups checks invariant 3: every plan-group task's
// dependencies must be a subset of the union of strictly earlier
// groups' task ids. Groups are walked in order, accumulating seen task
// ids as each group is validated against what came before it.
func validatePlanGroups(groups []store.PlanGroup, tasksByID map[string]store.Task) string {
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, id := range g.TaskIDs {
			t, ok := tasksByID[id]
			if !ok {
				return fmt.Sprintf("group %d references unknown task %q", g.GroupIndex, id)
			}
			for _, dep := range t.Dependencies {
				if !seen[dep] {
					return fmt.Sprintf("group %d task %q depends on %q, which is not in an earlier group", g.GroupIndex, id, dep)
				}
			}
		}
		for _, id := range g.TaskIDs {
			seen[id] = true
		}
	}
	return ""
}

// hasMarker reports whether output contains marker as a standalone
// line, falling back to a plain substring match (adapted from
// loopmgr.hasCompletionMarker, duplicated here since that helper is
// unexported and orchestrator is a sibling package, not an importer).
func hasMarker(output, marker string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return strings.Contains(output, marker)
}

// tail returns the text following marker's first occurrence, trimmed,
// used as a short phase summary (e.g. the analyze phase's interpreted
// intent, with its completion marker line stripped).
func tail(output, marker string) string {
	idx := strings.Index(output, marker)
	if idx < 0 {
		return strings.TrimSpace(output)
	}
	before := strings.TrimSpace(output[:idx])
	after := strings.TrimSpace(output[idx+len(marker):])
	if before != "" {
		return before
	}
	return after
}
