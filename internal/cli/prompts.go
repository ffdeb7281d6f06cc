package cli

import (
	"fmt"
	"strings"

	"github.com/sqrun/sqrun/internal/loopmgr"
	"github.com/sqrun/sqrun/internal/orchestrator"
	"github.com/sqrun/sqrun/internal/store"
)

// Prompt rendering is deliberately plain fmt.Sprintf text rather than a
// templating engine: the example pack grounds a prompt_template config
// field (config.AgentConfig.PromptTemplate) but no repo in it implements
// a template renderer precisely enough to imitate, so the run command
// builds prompts directly in Go and leaves PromptTemplate unused. This
// is recorded as a scoped simplification in the design notes.

const toolServerPreamble = `You have access to an MCP tool server exposing the run's shared context
store: write_task, add_plan_group, write_context, read_context,
set_review_result, set_loop_review_result, record_phase_cost, record_cost,
create_loop, persist_loop_state, update_loop_status, complete_task, and
fail_task. Use these tools to record your work instead of writing to any
state file directly.`

func formatTaskList(tasks []store.Task) string {
	if len(tasks) == 0 {
		return "(no tasks recorded yet)"
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s (%s): %s\n", t.ID, t.Title, t.Status, t.Description)
	}
	return b.String()
}

func formatReviewIssues(issues []store.ContextEntry) string {
	if len(issues) == 0 {
		return "(no outstanding review issues)"
	}
	var b strings.Builder
	for _, e := range issues {
		fmt.Fprintf(&b, "- %s\n", e.Content)
	}
	return b.String()
}

func renderAnalyzePrompt(run store.Run, tasks []store.Task, reviewIssues []store.ContextEntry) (string, error) {
	return fmt.Sprintf(`%s

Analyze the project at %q and interpret what the run is meant to accomplish.
Record notable discoveries with write_context{type: discovery}. When you are
done, write your interpretation of the run's intent as plain text followed by
the line ANALYZE_COMPLETE.`, toolServerPreamble, run.SpecPath), nil
}

func renderEnumeratePrompt(run store.Run, tasks []store.Task, reviewIssues []store.ContextEntry) (string, error) {
	return fmt.Sprintf(`%s

Run intent: %s

Enumerate the concrete tasks needed to satisfy the run. Create each task with
write_task, giving it a title, a description of at least a sentence, any
dependency task ids, and an estimated_iterations in roughly the 3-25 range.
Current tasks:
%s
When every task is recorded, end your reply with ENUMERATE_COMPLETE.`, toolServerPreamble, run.InterpretedIntent, formatTaskList(tasks)), nil
}

func renderPlanPrompt(run store.Run, tasks []store.Task, reviewIssues []store.ContextEntry) (string, error) {
	return fmt.Sprintf(`%s

Group the following tasks into ordered parallel batches, calling
add_plan_group once per batch (group_index starting at 0, task_ids
comma-separated). A task may only appear in a group once every task it
depends on has appeared in a strictly earlier group.
Tasks:
%s
When the plan is complete, end your reply with PLAN_COMPLETE.`, toolServerPreamble, formatTaskList(tasks)), nil
}

func renderReviewPrompt(run store.Run, tasks []store.Task, reviewIssues []store.ContextEntry) (string, error) {
	return fmt.Sprintf(`%s

Review the current state of the run (phase under review: %s). Examine the
recorded tasks and the codebase, then call set_review_result with your
pass/fail verdict. If you find problems, record each as
write_context{type: review_issue} before verdict. Tasks:
%s
When finished, end your reply with REVIEW_COMPLETE.`, toolServerPreamble, run.ReviewType, formatTaskList(tasks)), nil
}

func renderRevisePrompt(run store.Run, tasks []store.Task, reviewIssues []store.ContextEntry) (string, error) {
	return fmt.Sprintf(`%s

The %s phase failed review. Address each issue below, then re-run the
work for that phase.
Issues:
%s
When finished, end your reply with REVISE_COMPLETE.`, toolServerPreamble, run.ReviewType, formatReviewIssues(reviewIssues)), nil
}

func renderConflictPrompt(run store.Run, c store.PendingConflict) (string, error) {
	return fmt.Sprintf(`%s

Loop %s left a merge conflict in task %s touching: %s
Resolve the conflict in the worktree, preserving both sides' intent where
possible. When resolved, end your reply with CONFLICT_RESOLVED. If the
conflict cannot be resolved, end your reply with
CONFLICT_FAILED: <reason>.`, toolServerPreamble, c.LoopID, c.TaskID, strings.Join(c.ConflictFiles, ", ")), nil
}

func orchestratorPrompts() map[store.Phase]orchestrator.PromptFunc {
	return map[store.Phase]orchestrator.PromptFunc{
		store.PhaseAnalyze:   renderAnalyzePrompt,
		store.PhaseEnumerate: renderEnumeratePrompt,
		store.PhasePlan:      renderPlanPrompt,
		store.PhaseReview:    renderReviewPrompt,
		store.PhaseRevise:    renderRevisePrompt,
	}
}

func renderBuildPrompt(t store.Task, iteration int, reviewIssues []store.ContextEntry) (string, error) {
	return fmt.Sprintf(`%s

Work on task [%s] %s: %s
This is iteration %d. When the task's work is complete for this iteration,
end your reply with ITERATION_DONE. Once the whole task is finished, end
your reply with TASK_COMPLETE instead. If you are stuck, end your reply
with TASK_STUCK: <reason>.
Outstanding review issues for this task:
%s`, toolServerPreamble, t.ID, t.Title, t.Description, iteration, formatReviewIssues(reviewIssues)), nil
}

func renderLoopReviewPrompt(t store.Task, otherLoops []loopmgr.LoopSummary) (string, error) {
	var b strings.Builder
	for _, l := range otherLoops {
		fmt.Fprintf(&b, "- %s (%s): %s\n", l.IDPrefix, l.Status, strings.Join(l.Titles, ", "))
	}
	if b.Len() == 0 {
		b.WriteString("(no other active loops)\n")
	}
	subject := "a checkpoint across all active loops"
	if t.ID != "" {
		subject = fmt.Sprintf("task [%s] %s: %s", t.ID, t.Title, t.Description)
	}
	return fmt.Sprintf(`%s

Review %s. Call set_loop_review_result with your verdict, an
interpreted_intent restatement, and any issues found (one per line as
file:line:type:description[:suggestion]).
Other active loops:
%s`, toolServerPreamble, subject, b.String()), nil
}
