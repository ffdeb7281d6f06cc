package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sqrun/sqrun/internal/store"
)

func TestReviewGate_BuildAlwaysGated(t *testing.T) {
	cfg := Config{ReviewAfterEnumerate: false, ReviewAfterPlan: false}
	assert.True(t, reviewGate(store.PhaseBuild, cfg), "build phase review is unconditional")
}

func TestReviewGate_EnumerateAndPlanFollowConfig(t *testing.T) {
	cfg := Config{ReviewAfterEnumerate: true, ReviewAfterPlan: false}
	assert.True(t, reviewGate(store.PhaseEnumerate, cfg))
	assert.False(t, reviewGate(store.PhasePlan, cfg))
	assert.False(t, reviewGate(store.PhaseAnalyze, cfg))
}

func TestAfterPhase(t *testing.T) {
	assert.Equal(t, store.PhaseEnumerate, afterPhase(store.PhaseAnalyze))
	assert.Equal(t, store.PhasePlan, afterPhase(store.PhaseEnumerate))
	assert.Equal(t, store.PhaseBuild, afterPhase(store.PhasePlan))
	assert.Equal(t, store.PhaseComplete, afterPhase(store.PhaseBuild))
}

func TestComputeNextPhase_AnalyzeNoReview(t *testing.T) {
	run := store.Run{}
	cfg := Config{}
	next, pending, rt := computeNextPhase(run, cfg, store.PhaseAnalyze, false, false)
	assert.Equal(t, store.PhaseEnumerate, next)
	assert.False(t, pending)
	assert.Empty(t, rt)
}

func TestComputeNextPhase_EnumerateWithReviewGate(t *testing.T) {
	run := store.Run{}
	cfg := Config{ReviewAfterEnumerate: true}
	next, pending, rt := computeNextPhase(run, cfg, store.PhaseEnumerate, false, false)
	assert.Equal(t, store.PhaseReview, next)
	assert.True(t, pending)
	assert.Equal(t, string(store.PhaseEnumerate), rt)
}

func TestComputeNextPhase_BuildNotDoneStaysInBuild(t *testing.T) {
	run := store.Run{}
	cfg := Config{}
	next, pending, _ := computeNextPhase(run, cfg, store.PhaseBuild, false, false)
	assert.Equal(t, store.PhaseBuild, next)
	assert.False(t, pending)
}

func TestComputeNextPhase_BuildConflictsGoToConflict(t *testing.T) {
	run := store.Run{}
	cfg := Config{}
	next, _, _ := computeNextPhase(run, cfg, store.PhaseBuild, true, false)
	assert.Equal(t, store.PhaseConflict, next)
}

func TestComputeNextPhase_BuildDoneIsReviewed(t *testing.T) {
	run := store.Run{}
	cfg := Config{}
	next, pending, rt := computeNextPhase(run, cfg, store.PhaseBuild, false, true)
	assert.Equal(t, store.PhaseReview, next)
	assert.True(t, pending)
	assert.Equal(t, string(store.PhaseBuild), rt)
}

func TestComputeNextPhase_ConflictReturnsToBuild(t *testing.T) {
	run := store.Run{ReviewType: string(store.PhaseBuild)}
	cfg := Config{}
	next, pending, _ := computeNextPhase(run, cfg, store.PhaseConflict, false, false)
	assert.Equal(t, store.PhaseBuild, next)
	assert.False(t, pending)
}

func TestComputeNextPhase_ReviseReturnsToReviewedPhase(t *testing.T) {
	run := store.Run{ReviewType: string(store.PhasePlan)}
	cfg := Config{}
	next, pending, rt := computeNextPhase(run, cfg, store.PhaseRevise, false, false)
	assert.Equal(t, store.PhasePlan, next)
	assert.False(t, pending)
	assert.Empty(t, rt)
}

func TestReviewOutcomeNext_PassAdvancesPastReviewedPhase(t *testing.T) {
	run := store.Run{ReviewType: string(store.PhaseEnumerate)}
	assert.Equal(t, store.PhasePlan, reviewOutcomeNext(run, true))
}

func TestReviewOutcomeNext_FailGoesToRevise(t *testing.T) {
	run := store.Run{ReviewType: string(store.PhaseBuild)}
	assert.Equal(t, store.PhaseRevise, reviewOutcomeNext(run, false))
}
