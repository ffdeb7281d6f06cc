package loopmgr

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sqrun/sqrun/internal/agent"
	"github.com/sqrun/sqrun/internal/store"
	"github.com/sqrun/sqrun/internal/stuck"
	"github.com/sqrun/sqrun/internal/workspace"
)

// BuildStepResult is what one call to BuildStep produced: newly completed
// tasks, any merge conflicts that need the conflict phase, and whether any
// loop is now considered stuck.
type BuildStepResult struct {
	CompletedTaskIDs []string
	Conflicts        []store.PendingConflict
	Stuck            bool
}

// BuildStep advances every active loop by one iteration and performs the
// bookkeeping (spawning, cost checks, stuck checks) around it, per
// spec.md §4.3's build-step algorithm (a)-(i).
func (m *Manager) BuildStep(ctx context.Context) (BuildStepResult, error) {
	// (a) phase cost check.
	phaseCost, err := m.store.GetPhaseCost(m.runID, store.PhaseBuild)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: reading build phase cost: %w", err)
	}
	if m.cfg.PerPhaseMaxUSD > 0 && phaseCost >= m.cfg.PerPhaseMaxUSD {
		active, err := m.store.ListLoopsByStatus(m.runID, store.LoopRunning, store.LoopPending, store.LoopInterrupted)
		if err != nil {
			return BuildStepResult{}, fmt.Errorf("loopmgr: listing active loops: %w", err)
		}
		for _, l := range active {
			_ = m.store.UpdateLoopStatus(l.ID, store.LoopFailed)
		}
		_, _ = m.store.WriteContext(store.ContextEntry{
			RunID: m.runID,
			Type:  store.ContextError,
			Content: fmt.Sprintf("build phase cost $%.2f exceeded limit $%.2f; every active loop marked failed",
				phaseCost, m.cfg.PerPhaseMaxUSD),
		})
		return BuildStepResult{Stuck: true}, nil
	}

	// (b) per-loop cost check.
	running, err := m.store.ListLoopsByStatus(m.runID, store.LoopRunning)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: listing running loops: %w", err)
	}
	if m.cfg.PerLoopMaxUSD > 0 && m.governor != nil {
		for _, l := range running {
			if m.governor.LoopTotal(l.ID) >= m.cfg.PerLoopMaxUSD {
				_ = m.store.UpdateLoopStatus(l.ID, store.LoopFailed)
			}
		}
		running, err = m.store.ListLoopsByStatus(m.runID, store.LoopRunning)
		if err != nil {
			return BuildStepResult{}, fmt.Errorf("loopmgr: re-listing running loops: %w", err)
		}
	}

	// (c) stuck check: any loop already flagged stuck short-circuits the step.
	stuckLoops, err := m.store.ListLoopsByStatus(m.runID, store.LoopStuck)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: listing stuck loops: %w", err)
	}
	if len(stuckLoops) > 0 {
		return BuildStepResult{Stuck: true}, nil
	}

	// (d) restart interrupted loops.
	interrupted, err := m.store.ListLoopsByStatus(m.runID, store.LoopInterrupted)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: listing interrupted loops: %w", err)
	}
	for _, l := range interrupted {
		if err := m.store.UpdateLoopStatus(l.ID, store.LoopRunning); err != nil {
			return BuildStepResult{}, fmt.Errorf("loopmgr: restarting loop %q: %w", l.ID, err)
		}
	}

	tasks, err := m.store.ListTasks(m.runID)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: listing tasks: %w", err)
	}
	tasksByID := make(map[string]store.Task, len(tasks))
	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		tasksByID[t.ID] = t
		if t.Status == store.TaskCompleted {
			completed[t.ID] = true
		}
	}

	allLoops, err := m.store.ListLoops(m.runID)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: listing all loops: %w", err)
	}
	taskHasLoop := make(map[string]bool)
	for _, l := range allLoops {
		for _, taskID := range l.TaskIDs {
			taskHasLoop[taskID] = true
		}
	}

	// (e) spawning: walk the parallel groups in order, creating a loop for
	// every task whose dependencies are all satisfied and that has no
	// loop yet, up to the capacity gate.
	planGroups, err := m.store.ListPlanGroups(m.runID)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: listing plan groups: %w", err)
	}
spawn:
	for _, g := range planGroups {
		for _, taskID := range g.TaskIDs {
			t, ok := tasksByID[taskID]
			if !ok || t.Status == store.TaskCompleted || taskHasLoop[taskID] {
				continue
			}
			if !dependenciesSatisfied(t.Dependencies, completed) {
				continue
			}
			ok, err := m.CanSpawnMore()
			if err != nil {
				return BuildStepResult{}, err
			}
			if !ok {
				break spawn
			}
			if _, err := m.Create(ctx, []string{taskID}, store.PhaseBuild); err != nil {
				return BuildStepResult{}, fmt.Errorf("loopmgr: spawning loop for task %q: %w", taskID, err)
			}
			taskHasLoop[taskID] = true
		}
	}

	// (f) advance every running loop by one iteration, concurrently.
	running, err = m.store.ListLoopsByStatus(m.runID, store.LoopRunning)
	if err != nil {
		return BuildStepResult{}, fmt.Errorf("loopmgr: listing running loops before advance: %w", err)
	}

	var (
		mu               sync.Mutex
		completedTaskIDs []string
		conflicts        []store.PendingConflict
		anyStuckSignal   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range running {
		l := l
		g.Go(func() error {
			outcome, err := m.advanceLoop(gctx, l, tasksByID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				_, _ = m.store.WriteContext(store.ContextEntry{
					RunID:  m.runID,
					Type:   store.ContextError,
					LoopID: l.ID,
					Content: fmt.Sprintf("loop %s iteration failed: %s", l.ID, err.Error()),
				})
				return nil // per-worker errors never abort the group
			}
			if outcome.completedTaskID != "" {
				completedTaskIDs = append(completedTaskIDs, outcome.completedTaskID)
			}
			if outcome.conflict != nil {
				conflicts = append(conflicts, *outcome.conflict)
			}
			if outcome.stuckSignal {
				anyStuckSignal = true
			}
			return nil
		})
	}
	_ = g.Wait()

	// (g)/(h): conflicts, if any, are returned immediately.
	if len(conflicts) > 0 {
		return BuildStepResult{CompletedTaskIDs: completedTaskIDs, Conflicts: conflicts}, nil
	}

	// (i) otherwise stuck iff any loop reported an idle timeout, exceeded
	// its revision ceiling, or was classified stuck this step.
	return BuildStepResult{CompletedTaskIDs: completedTaskIDs, Stuck: anyStuckSignal}, nil
}

func dependenciesSatisfied(deps []string, completed map[string]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}

// loopIterationOutcome is what advanceLoop produced for one loop's one
// iteration.
type loopIterationOutcome struct {
	completedTaskID string
	conflict        *store.PendingConflict
	stuckSignal     bool
}

// advanceLoop drives loop l through exactly one iteration: build a prompt,
// call the build agent under an idle monitor, classify its output, and
// (on TASK_COMPLETE) run a per-loop review and merge.
func (m *Manager) advanceLoop(ctx context.Context, l store.Loop, tasksByID map[string]store.Task) (loopIterationOutcome, error) {
	taskID := primaryTaskID(l, tasksByID)
	task, ok := tasksByID[taskID]
	if !ok {
		return loopIterationOutcome{}, fmt.Errorf("loopmgr: loop %q has no known task", l.ID)
	}

	iteration, err := m.IncrementIteration(l.ID)
	if err != nil {
		return loopIterationOutcome{}, fmt.Errorf("loopmgr: incrementing iteration for loop %q: %w", l.ID, err)
	}

	reviewIssues, err := m.relevantReviewIssues(taskID)
	if err != nil {
		return loopIterationOutcome{}, err
	}

	prompt, err := m.buildPrompt(task, iteration, reviewIssues)
	if err != nil {
		return loopIterationOutcome{}, fmt.Errorf("loopmgr: rendering build prompt for loop %q: %w", l.ID, err)
	}

	var before workspace.Snapshot
	if m.workspace != nil && l.WorktreePath != "" {
		before = m.workspace.Snapshot(ctx, l.WorktreePath)
	}

	opts := agent.RunOpts{
		Prompt:       prompt,
		Model:        m.cfg.Model,
		Effort:       m.cfg.Effort,
		AllowedTools: m.cfg.AllowedTools,
		OutputFormat: agent.OutputFormatStreamJSON,
		WorkDir:      l.WorktreePath,
	}
	callOutcome, err := invokeWithIdleMonitor(ctx, m.buildAgent, opts, m.cfg.IdleTimeout)
	if err != nil {
		return loopIterationOutcome{}, fmt.Errorf("loopmgr: build call for loop %q: %w", l.ID, err)
	}

	m.recordCost(l.ID, callOutcome.CostUSD)

	if err := m.UpdateLastActivity(l.ID); err != nil {
		return loopIterationOutcome{}, err
	}

	if callOutcome.Idle {
		return loopIterationOutcome{stuckSignal: true}, nil
	}

	text := callOutcome.FinalText
	sig, detail := DetectBuildSignal(text)
	if sig == "" && callOutcome.Result != nil {
		sig, detail = DetectBuildSignalFromJSONL(callOutcome.Result.Stdout)
	}

	var (
		errorMessage      string
		completedTaskID   string
		conflict          *store.PendingConflict
		exceededRevisions bool
	)

	switch sig {
	case SignalTaskComplete:
		completedTaskID, conflict, exceededRevisions, errorMessage = m.handleTaskComplete(ctx, l, task, tasksByID)
	case SignalTaskStuck:
		errorMessage = detail
	}

	var after workspace.Snapshot
	filesChanged := true
	if m.workspace != nil && l.WorktreePath != "" {
		after = m.workspace.Snapshot(ctx, l.WorktreePath)
		if !before.Empty() && !after.Empty() {
			filesChanged = !before.Equal(after)
		}
	}

	indicators := stuck.UpdateIndicators(l.StuckIndicators, iteration, errorMessage, filesChanged)
	if err := m.store.UpdateStuckIndicators(l.ID, indicators); err != nil {
		return loopIterationOutcome{}, fmt.Errorf("loopmgr: updating stuck indicators for loop %q: %w", l.ID, err)
	}

	verdict := stuck.Classify(iteration, l.MaxIterations, indicators, m.cfg.StuckThreshold)
	if verdict.Stuck() {
		if err := m.UpdateStatus(l.ID, store.LoopStuck); err != nil {
			return loopIterationOutcome{}, fmt.Errorf("loopmgr: marking loop %q stuck: %w", l.ID, err)
		}
		_, _ = m.store.WriteContext(store.ContextEntry{
			RunID:  m.runID,
			Type:   store.ContextError,
			LoopID: l.ID,
			Content: fmt.Sprintf("loop %s classified stuck (%s): %s", l.ID, verdict.Reason, verdict.Details),
		})
		exceededRevisions = true
	}

	if m.cfg.CheckpointReviewInterval > 0 && iteration-l.LastCheckpointReviewAt >= m.cfg.CheckpointReviewInterval {
		m.runCheckpointReview(ctx, l, taskID, tasksByID, iteration)
	}

	return loopIterationOutcome{
		completedTaskID: completedTaskID,
		conflict:        conflict,
		stuckSignal:     exceededRevisions,
	}, nil
}

// handleTaskComplete runs the per-loop review for a loop that just emitted
// TASK_COMPLETE and, on a pass, merges its branch. It returns the
// completed task id (empty if not completed this call), a recorded
// conflict (nil if none), whether the loop just exceeded its revision
// ceiling, and an error message suitable for stuck-indicator bookkeeping.
func (m *Manager) handleTaskComplete(ctx context.Context, l store.Loop, task store.Task, tasksByID map[string]store.Task) (completedTaskID string, conflict *store.PendingConflict, exceededRevisions bool, errorMessage string) {
	reviewOut, err := m.runReview(ctx, l, task, tasksByID)
	if err != nil {
		return "", nil, false, err.Error()
	}
	m.recordCost(l.ID, reviewOut.Cost)

	if !reviewOut.Passed {
		if err := m.UpdateReviewStatus(l.ID, store.ReviewFailed); err != nil {
			return "", nil, false, err.Error()
		}
		attempts, err := m.IncrementRevisionAttempts(l.ID)
		if err != nil {
			return "", nil, false, err.Error()
		}
		if m.HasExceededMaxRevisions(attempts) {
			if err := m.UpdateStatus(l.ID, store.LoopStuck); err != nil {
				return "", nil, false, err.Error()
			}
			return "", nil, true, describeReviewIssues(reviewOut.Review.Issues)
		}
		if err := m.store.ReplaceReviewIssues(m.runID, task.ID, reviewOut.Review.Issues); err != nil {
			return "", nil, false, err.Error()
		}
		return "", nil, false, describeReviewIssues(reviewOut.Review.Issues)
	}

	if err := m.ResetRevisionAttempts(l.ID); err != nil {
		return "", nil, false, err.Error()
	}
	if err := m.store.ReplaceReviewIssues(m.runID, task.ID, nil); err != nil {
		return "", nil, false, err.Error()
	}

	if m.workspace == nil {
		if err := m.store.CompleteTask(task.ID); err != nil {
			return "", nil, false, err.Error()
		}
		if err := m.UpdateStatus(l.ID, store.LoopCompleted); err != nil {
			return "", nil, false, err.Error()
		}
		return task.ID, nil, false, ""
	}

	mergeResult, err := m.workspace.Merge(ctx, l.ID, l.Branch, l.WorktreePath)
	if err != nil {
		return "", nil, false, err.Error()
	}
	switch mergeResult.Status {
	case workspace.MergeSuccess:
		if err := m.store.CompleteTask(task.ID); err != nil {
			return "", nil, false, err.Error()
		}
		if err := m.UpdateStatus(l.ID, store.LoopCompleted); err != nil {
			return "", nil, false, err.Error()
		}
		if err := m.workspace.Cleanup(ctx, l.ID); err != nil {
			return "", nil, false, err.Error()
		}
		return task.ID, nil, false, ""
	case workspace.MergeConflict:
		pc, err := m.store.RecordPendingConflict(store.PendingConflict{
			RunID: m.runID, LoopID: l.ID, TaskID: task.ID, ConflictFiles: mergeResult.ConflictFiles,
		})
		if err != nil {
			return "", nil, false, err.Error()
		}
		return "", pc, false, fmt.Sprintf("merge conflict: %v", mergeResult.ConflictFiles)
	default:
		return "", nil, false, fmt.Sprintf("unrecognized merge status %q", mergeResult.Status)
	}
}

// runCheckpointReview runs a review not tied to a task completion; it never
// aborts the loop, only replaces stored review issues on failure.
func (m *Manager) runCheckpointReview(ctx context.Context, l store.Loop, taskID string, tasksByID map[string]store.Task, iteration int) {
	cpOutcome, err := m.runReview(ctx, l, store.Task{}, tasksByID)
	if err != nil {
		return
	}
	m.recordCost(l.ID, cpOutcome.Cost)
	if !cpOutcome.Passed {
		_ = m.store.ReplaceReviewIssues(m.runID, taskID, cpOutcome.Review.Issues)
	}
	_ = m.MarkCheckpointReviewed(l.ID, iteration)
}

// recordCost attributes delta to the run, build-phase, and loop
// accumulators, and to the loop's durable cost column. A non-positive
// delta is a no-op.
func (m *Manager) recordCost(loopID string, delta float64) {
	if delta <= 0 {
		return
	}
	if m.governor != nil {
		_, _ = m.governor.Record(store.PhaseBuild, loopID, delta)
	}
	_, _ = m.store.AddLoopCost(loopID, delta)
}

// primaryTaskID picks the task a loop's iteration should be driven
// against: its first not-yet-completed task, or its first task id if all
// are already completed.
func primaryTaskID(l store.Loop, tasksByID map[string]store.Task) string {
	for _, taskID := range l.TaskIDs {
		if t, ok := tasksByID[taskID]; ok && t.Status != store.TaskCompleted {
			return taskID
		}
	}
	if len(l.TaskIDs) > 0 {
		return l.TaskIDs[0]
	}
	return ""
}

// relevantReviewIssues returns the stored review-issue context entries that
// apply to taskID: those scoped to it directly, plus cross-task entries
// (taskId is null), per spec.md §4.3.f.
func (m *Manager) relevantReviewIssues(taskID string) ([]store.ContextEntry, error) {
	all, err := m.store.ReadContext(store.ContextQuery{
		RunID: m.runID,
		Types: []store.ContextEntryType{store.ContextReviewIssue},
	})
	if err != nil {
		return nil, fmt.Errorf("loopmgr: reading review issues: %w", err)
	}
	var filtered []store.ContextEntry
	for _, e := range all {
		if e.TaskID == taskID || e.TaskID == "" {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}
