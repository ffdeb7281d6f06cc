// Package orchestrator implements the Phase Orchestrator: the top-level
// state machine that drives a run through analyze, enumerate, plan,
// build, review, revise, and conflict phases to completion (spec.md
// §4.1). One call to Step advances exactly one phase, checkpointing the
// new phase to the Context Store before returning -- the teacher's
// internal/pipeline orchestrator checkpoints the same way, just over a
// whole phase-loop per Run call rather than one phase per call.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sqrun/sqrun/internal/agent"
	"github.com/sqrun/sqrun/internal/budget"
	"github.com/sqrun/sqrun/internal/loopmgr"
	"github.com/sqrun/sqrun/internal/store"
)

// Logger is the subset of charmbracelet/log's interface the orchestrator
// depends on.
type Logger interface {
	Info(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
}

// PromptFunc renders the prompt for one agent-driven phase (analyze,
// enumerate, plan, review, revise). tasks and reviewIssues give the
// phase visibility into prior work; reviewIssues is non-empty only for
// the revise phase.
type PromptFunc func(run store.Run, tasks []store.Task, reviewIssues []store.ContextEntry) (string, error)

// ConflictPromptFunc renders the prompt for resolving one pending merge
// conflict.
type ConflictPromptFunc func(run store.Run, c store.PendingConflict) (string, error)

// Config bounds the orchestrator's behavior. Fields mirror the effort
// profile table in spec.md §6.
type Config struct {
	ReviewAfterEnumerate bool
	ReviewAfterPlan      bool
	PerRunMaxUSD         float64

	Model        string
	Effort       string
	AllowedTools string
	IdleTimeout  time.Duration

	Prompts        map[store.Phase]PromptFunc
	ConflictPrompt ConflictPromptFunc
}

// Orchestrator drives one run's phase state machine forward.
type Orchestrator struct {
	store    *store.Store
	runID    string
	governor *budget.Governor
	loopMgr  *loopmgr.Manager
	agent    agent.Agent
	cfg      Config
	logger   Logger
}

// New constructs an Orchestrator for one run. gov and lm must already be
// scoped to runID.
func New(st *store.Store, runID string, gov *budget.Governor, lm *loopmgr.Manager, ag agent.Agent, cfg Config, logger Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		runID:    runID,
		governor: gov,
		loopMgr:  lm,
		agent:    ag,
		cfg:      cfg,
		logger:   logger,
	}
}

// PhaseResult reports what one Step call did.
type PhaseResult struct {
	Phase     store.Phase
	NextPhase store.Phase
	Success   bool
	Summary   string
	Cost      float64
	Conflicts []store.PendingConflict
	Stuck     bool
	// Terminal is true when the run reached PhaseComplete this call,
	// either by finishing the build phase with no remaining work or by
	// a cost-limit breach (spec.md invariant 6).
	Terminal bool
}

// Step executes exactly one phase and returns. It never loops over
// phases internally -- spec.md §4.1 requires "one invocation ... one
// phase" so that a caller (CLI, scheduler) controls the pacing.
func (o *Orchestrator) Step(ctx context.Context) (PhaseResult, error) {
	run, err := o.store.GetRun(o.runID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("loading run: %w", err)
	}
	if run == nil {
		return PhaseResult{}, fmt.Errorf("run %q not found", o.runID)
	}

	if run.Phase == store.PhaseComplete {
		return PhaseResult{Phase: store.PhaseComplete, NextPhase: store.PhaseComplete, Success: true, Terminal: true}, nil
	}

	total, err := o.governor.RunTotal()
	if err != nil {
		return PhaseResult{}, fmt.Errorf("checking run cost: %w", err)
	}
	if o.cfg.PerRunMaxUSD > 0 && total >= o.cfg.PerRunMaxUSD {
		return o.terminateOnCostBreach(*run, total)
	}

	switch run.Phase {
	case store.PhaseBuild:
		return o.stepBuildPhase(ctx, *run)
	case store.PhaseConflict:
		return o.stepConflictPhase(ctx, *run)
	default:
		return o.stepAgentPhase(ctx, *run)
	}
}

// terminateOnCostBreach forces the run to PhaseComplete without invoking
// any agent, satisfying invariant 6: once runLimit <= totalCost, the
// next Step terminates without calling out.
func (o *Orchestrator) terminateOnCostBreach(run store.Run, total float64) (PhaseResult, error) {
	_ = o.store.AppendPhaseHistory(store.PhaseHistoryEntry{
		RunID:   run.ID,
		Phase:   run.Phase,
		Success: false,
		Summary: fmt.Sprintf("run cost %.4f reached per-run limit %.4f; terminating", total, o.cfg.PerRunMaxUSD),
	})
	run.Phase = store.PhaseComplete
	run.PendingReview = false
	run.ReviewType = ""
	if err := o.store.UpdateRun(run); err != nil {
		return PhaseResult{}, fmt.Errorf("persisting cost-breach termination: %w", err)
	}
	if o.logger != nil {
		o.logger.Info("run cost limit reached, terminating", "run_id", run.ID, "total", total, "limit", o.cfg.PerRunMaxUSD)
	}
	return PhaseResult{
		Phase:     run.Phase,
		NextPhase: store.PhaseComplete,
		Success:   false,
		Summary:   "per-run cost limit reached",
		Terminal:  true,
	}, nil
}

// stepAgentPhase handles every phase driven by a single agent call with a
// completion marker: analyze, enumerate, plan, review, revise.
func (o *Orchestrator) stepAgentPhase(ctx context.Context, run store.Run) (PhaseResult, error) {
	outcome, err := o.runAgentCall(ctx, run, run.Phase)
	if err != nil {
		return PhaseResult{}, err
	}
	return o.finishPhase(run, run.Phase, outcome)
}

// finishPhase records phase history and cost, and -- only on success --
// advances run.Phase per the transition rules, persisting the run.
func (o *Orchestrator) finishPhase(run store.Run, completed store.Phase, outcome agentPhaseOutcome) (PhaseResult, error) {
	_ = o.store.AppendPhaseHistory(store.PhaseHistoryEntry{
		RunID:   run.ID,
		Phase:   completed,
		Success: outcome.Success,
		Summary: outcome.Summary,
		Cost:    outcome.Cost,
	})
	if outcome.Cost > 0 {
		if _, err := o.governor.Record(completed, "", outcome.Cost); err != nil {
			return PhaseResult{}, fmt.Errorf("recording phase cost: %w", err)
		}
	}

	result := PhaseResult{Phase: completed, Success: outcome.Success, Summary: outcome.Summary, Cost: outcome.Cost}

	if !outcome.Success {
		// Do not advance on failure; retry the same phase next Step.
		result.NextPhase = completed
		if err := o.store.UpdateRun(run); err != nil {
			return PhaseResult{}, fmt.Errorf("persisting run: %w", err)
		}
		return result, nil
	}

	var next store.Phase
	var pendingReview bool
	var reviewType string

	switch completed {
	case store.PhaseReview:
		next = reviewOutcomeNext(run, outcome.ReviewPassed)
	case store.PhaseRevise:
		next, pendingReview, reviewType = computeNextPhase(run, o.cfg, completed, false, false)
	case store.PhaseAnalyze:
		run.InterpretedIntent = outcome.Summary
		next, pendingReview, reviewType = computeNextPhase(run, o.cfg, completed, false, false)
	default:
		next, pendingReview, reviewType = computeNextPhase(run, o.cfg, completed, false, false)
	}

	run.Phase = next
	run.PendingReview = pendingReview
	run.ReviewType = reviewType
	if next == store.PhaseComplete {
		result.Terminal = true
	}
	if err := o.store.UpdateRun(run); err != nil {
		return PhaseResult{}, fmt.Errorf("persisting run: %w", err)
	}
	result.NextPhase = next
	return result, nil
}

// stepBuildPhase delegates one iteration of every active loop to the
// Loop Manager, then decides whether the build phase as a whole is done.
func (o *Orchestrator) stepBuildPhase(ctx context.Context, run store.Run) (PhaseResult, error) {
	br, err := o.loopMgr.BuildStep(ctx)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("build step: %w", err)
	}

	cost := o.governor.LoopTotal("")
	result := PhaseResult{Phase: store.PhaseBuild, Success: true, Conflicts: br.Conflicts, Stuck: br.Stuck, Cost: cost}

	if len(br.Conflicts) > 0 {
		run.Phase = store.PhaseConflict
		if err := o.store.UpdateRun(run); err != nil {
			return PhaseResult{}, fmt.Errorf("persisting run: %w", err)
		}
		result.NextPhase = store.PhaseConflict
		result.Summary = fmt.Sprintf("%d task(s) in merge conflict", len(br.Conflicts))
		return result, nil
	}

	done, err := o.buildPhaseDone(run.ID)
	if err != nil {
		return PhaseResult{}, err
	}
	if !done {
		result.NextPhase = store.PhaseBuild
		result.Summary = fmt.Sprintf("%d task(s) completed this step", len(br.CompletedTaskIDs))
		return result, nil
	}

	next, pendingReview, reviewType := computeNextPhase(run, o.cfg, store.PhaseBuild, false, true)
	run.Phase = next
	run.PendingReview = pendingReview
	run.ReviewType = reviewType
	if err := o.store.UpdateRun(run); err != nil {
		return PhaseResult{}, fmt.Errorf("persisting run: %w", err)
	}
	result.NextPhase = next
	result.Success = true
	result.Summary = "all tasks terminal"
	if next == store.PhaseComplete {
		result.Terminal = true
	}
	return result, nil
}

// buildPhaseDone reports whether every task is terminal and no loop
// remains pending, interrupted, or active.
func (o *Orchestrator) buildPhaseDone(runID string) (bool, error) {
	tasks, err := o.store.ListTasks(runID)
	if err != nil {
		return false, fmt.Errorf("listing tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status != store.TaskCompleted && t.Status != store.TaskFailed {
			return false, nil
		}
	}
	for _, getter := range []func() ([]store.Loop, error){o.loopMgr.GetActive, o.loopMgr.GetPending, o.loopMgr.GetInterrupted} {
		loops, err := getter()
		if err != nil {
			return false, fmt.Errorf("listing loops: %w", err)
		}
		if len(loops) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// stepConflictPhase resolves every currently pending conflict via one
// agent call each, in this single Step invocation -- paralleling how
// one build Step advances every active loop.
func (o *Orchestrator) stepConflictPhase(ctx context.Context, run store.Run) (PhaseResult, error) {
	pending, err := o.store.ListPendingConflicts(run.ID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("listing pending conflicts: %w", err)
	}

	var totalCost float64
	allResolved := true
	for _, c := range pending {
		resolved, reason, cost, err := o.resolveConflict(ctx, run, c)
		totalCost += cost
		if err != nil {
			return PhaseResult{}, err
		}
		if !resolved {
			allResolved = false
			if o.logger != nil {
				o.logger.Info("conflict unresolved, will retry", "loop_id", c.LoopID, "task_id", c.TaskID, "reason", reason)
			}
			continue
		}
		if err := o.store.ResolvePendingConflict(c.ID); err != nil {
			return PhaseResult{}, fmt.Errorf("clearing resolved conflict: %w", err)
		}
		if err := o.loopMgr.UpdateStatus(c.LoopID, store.LoopRunning); err != nil {
			return PhaseResult{}, fmt.Errorf("resuming loop after conflict: %w", err)
		}
	}

	if totalCost > 0 {
		if _, err := o.governor.Record(store.PhaseConflict, "", totalCost); err != nil {
			return PhaseResult{}, fmt.Errorf("recording conflict-phase cost: %w", err)
		}
	}

	result := PhaseResult{Phase: store.PhaseConflict, Success: allResolved, Cost: totalCost}
	if !allResolved {
		result.NextPhase = store.PhaseConflict
		result.Summary = "one or more conflicts remain unresolved"
		return result, nil
	}

	run.Phase = store.PhaseBuild
	if err := o.store.UpdateRun(run); err != nil {
		return PhaseResult{}, fmt.Errorf("persisting run: %w", err)
	}
	result.NextPhase = store.PhaseBuild
	result.Summary = "all pending conflicts resolved"
	return result, nil
}

// resolveConflict runs one agent call against a single pending conflict
// and parses its CONFLICT_RESOLVED / CONFLICT_FAILED outcome.
func (o *Orchestrator) resolveConflict(ctx context.Context, run store.Run, c store.PendingConflict) (resolved bool, reason string, cost float64, err error) {
	if o.cfg.ConflictPrompt == nil {
		return false, "", 0, fmt.Errorf("no conflict prompt configured")
	}
	prompt, err := o.cfg.ConflictPrompt(run, c)
	if err != nil {
		return false, "", 0, fmt.Errorf("rendering conflict prompt: %w", err)
	}

	outcome, err := o.invokeAgent(ctx, agent.RunOpts{
		Prompt:       prompt,
		Model:        o.cfg.Model,
		Effort:       o.cfg.Effort,
		AllowedTools: o.cfg.AllowedTools,
		OutputFormat: "stream-json",
	})
	if err != nil {
		return false, "", 0, fmt.Errorf("invoking conflict-resolution agent: %w", err)
	}
	if outcome.Idle {
		return false, "idle timeout", outcome.CostUSD, nil
	}

	text := outcome.FinalText
	if text == "" && outcome.Result != nil {
		text = outcome.Result.Stdout
	}
	resolved, reason, found := parseConflictOutcome(text)
	if !found {
		return false, "no CONFLICT_RESOLVED/CONFLICT_FAILED marker found", outcome.CostUSD, nil
	}
	return resolved, reason, outcome.CostUSD, nil
}
