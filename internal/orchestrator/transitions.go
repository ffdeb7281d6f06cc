package orchestrator

import "github.com/sqrun/sqrun/internal/store"

// reviewGate reports whether phase should be followed by a review
// before advancing, per the effort profile table (spec.md §6). The
// build phase's review gate is unconditional: spec.md §4.1 names
// "review may transition to revise ... revise returns to build" as a
// first-class case with no effort flag guarding it, unlike the
// enumerate/plan gates.
func reviewGate(phase store.Phase, cfg Config) bool {
	switch phase {
	case store.PhaseEnumerate:
		return cfg.ReviewAfterEnumerate
	case store.PhasePlan:
		return cfg.ReviewAfterPlan
	case store.PhaseBuild:
		return true
	default:
		return false
	}
}

// afterPhase is the phase that directly follows phase when no review is
// inserted.
func afterPhase(phase store.Phase) store.Phase {
	switch phase {
	case store.PhaseAnalyze:
		return store.PhaseEnumerate
	case store.PhaseEnumerate:
		return store.PhasePlan
	case store.PhasePlan:
		return store.PhaseBuild
	case store.PhaseBuild:
		return store.PhaseComplete
	default:
		return store.PhaseComplete
	}
}

// computeNextPhase decides the phase to move to after completed phase
// finishes successfully, and whether that transition passes through a
// review (pendingReview, reviewType) first. hasConflicts and buildDone
// are only meaningful when completed is PhaseBuild.
func computeNextPhase(run store.Run, cfg Config, completed store.Phase, hasConflicts, buildDone bool) (next store.Phase, pendingReview bool, reviewType string) {
	switch completed {
	case store.PhaseBuild:
		if hasConflicts {
			return store.PhaseConflict, false, run.ReviewType
		}
		if !buildDone {
			return store.PhaseBuild, false, run.ReviewType
		}
	case store.PhaseConflict:
		return store.PhaseBuild, false, run.ReviewType
	case store.PhaseRevise:
		// Revise always returns to whichever phase's output was under
		// review, recorded in run.ReviewType when the review phase was
		// entered.
		return store.Phase(run.ReviewType), false, ""
	}

	if reviewGate(completed, cfg) {
		return store.PhaseReview, true, string(completed)
	}
	return afterPhase(completed), false, ""
}

// reviewOutcomeNext decides the phase following a completed review,
// given the reviewed phase recorded in run.ReviewType. A pass advances
// past the reviewed phase; a failure moves to revise.
func reviewOutcomeNext(run store.Run, passed bool) store.Phase {
	if passed {
		return afterPhase(store.Phase(run.ReviewType))
	}
	return store.PhaseRevise
}
