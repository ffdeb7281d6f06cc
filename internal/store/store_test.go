package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- Test helpers -----------------------------------------------------------

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRun(t *testing.T, s *Store) *Run {
	t.Helper()
	r, err := s.CreateRun(Run{
		SpecPath:      "spec.md",
		Effort:        EffortMedium,
		MaxLoops:      4,
		MaxIterations: 20,
		BaseBranch:    "main",
		UseWorktrees:  true,
	})
	require.NoError(t, err)
	return r
}

// ---- Open / schema ----------------------------------------------------------

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, s.Path())
}

func TestOpen_IdempotentAcrossReopens(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	run, err := s1.CreateRun(Run{SpecPath: "spec.md", Effort: EffortLow, MaxLoops: 1, MaxIterations: 1, BaseBranch: "main"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
}

// ---- Runs -------------------------------------------------------------------

func TestCreateRun_AssignsIDAndDefaultPhase(t *testing.T) {
	s := newTestStore(t)
	r, err := s.CreateRun(Run{SpecPath: "spec.md", Effort: EffortHigh, MaxLoops: 3, MaxIterations: 10, BaseBranch: "main"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, PhaseAnalyze, r.Phase)
}

func TestGetRun_NotFound_ReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun("run-does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateRun_PersistsMutableFields(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	r.Phase = PhaseBuild
	r.PendingReview = true
	r.InterpretedIntent = "build a widget"
	r.IntentSatisfied = TriTrue
	require.NoError(t, s.UpdateRun(*r))

	got, err := s.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseBuild, got.Phase)
	assert.True(t, got.PendingReview)
	assert.Equal(t, "build a widget", got.InterpretedIntent)
	assert.Equal(t, TriTrue, got.IntentSatisfied)
}

func TestAddRunCost_AccumulatesIndependently(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	total, err := s.AddRunCost(r.ID, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, total)

	total, err = s.AddRunCost(r.ID, 2.25)
	require.NoError(t, err)
	assert.Equal(t, 3.75, total)
}

func TestLatestIncompleteRun_SkipsCompletedRuns(t *testing.T) {
	s := newTestStore(t)
	done, err := s.CreateRun(Run{SpecPath: "a.md", Effort: EffortLow, MaxLoops: 1, MaxIterations: 1, BaseBranch: "main", Phase: PhaseComplete})
	require.NoError(t, err)
	active := newTestRun(t, s)

	got, err := s.LatestIncompleteRun()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, active.ID, got.ID)
	assert.NotEqual(t, done.ID, got.ID)
}

func TestLatestIncompleteRun_NoneReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateRun(Run{SpecPath: "a.md", Effort: EffortLow, MaxLoops: 1, MaxIterations: 1, BaseBranch: "main", Phase: PhaseComplete})
	require.NoError(t, err)

	got, err := s.LatestIncompleteRun()
	require.NoError(t, err)
	assert.Nil(t, got)
}

// ---- Tasks and plan groups ---------------------------------------------------

func TestWriteTask_RoundTripsDependencies(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	t1, err := s.WriteTask(Task{RunID: r.ID, Title: "base", Dependencies: []string{}})
	require.NoError(t, err)
	t2, err := s.WriteTask(Task{RunID: r.ID, Title: "derived", Dependencies: []string{t1.ID}})
	require.NoError(t, err)

	got, err := s.GetTask(t2.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{t1.ID}, got.Dependencies)
	assert.Equal(t, TaskPending, got.Status)
}

func TestWriteTask_UpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	created, err := s.WriteTask(Task{RunID: r.ID, Title: "v1"})
	require.NoError(t, err)

	updated, err := s.WriteTask(Task{ID: created.ID, RunID: r.ID, Title: "v2", Status: TaskInProgress})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)

	all, err := s.ListTasks(r.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "v2", all[0].Title)
	assert.Equal(t, TaskInProgress, all[0].Status)
}

func TestCompleteTask_FailTask_UnknownIDErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.CompleteTask("task-nope")
	assert.Error(t, err)

	err = s.FailTask("task-nope")
	assert.Error(t, err)
}

func TestAssignLoop_MarksTaskInProgress(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	task, err := s.WriteTask(Task{RunID: r.ID, Title: "t"})
	require.NoError(t, err)

	require.NoError(t, s.AssignLoop(task.ID, "loop-1"))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "loop-1", got.AssignedLoopID)
	assert.Equal(t, TaskInProgress, got.Status)
}

func TestAddPlanGroup_OrderedByIndex(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	require.NoError(t, s.AddPlanGroup(PlanGroup{RunID: r.ID, GroupIndex: 1, TaskIDs: []string{"task-b"}}))
	require.NoError(t, s.AddPlanGroup(PlanGroup{RunID: r.ID, GroupIndex: 0, TaskIDs: []string{"task-a"}}))

	groups, err := s.ListPlanGroups(r.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, 0, groups[0].GroupIndex)
	assert.Equal(t, []string{"task-a"}, groups[0].TaskIDs)
	assert.Equal(t, 1, groups[1].GroupIndex)
}

func TestAddPlanGroup_UpsertsOnSameIndex(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	require.NoError(t, s.AddPlanGroup(PlanGroup{RunID: r.ID, GroupIndex: 0, TaskIDs: []string{"task-a"}}))
	require.NoError(t, s.AddPlanGroup(PlanGroup{RunID: r.ID, GroupIndex: 0, TaskIDs: []string{"task-a", "task-b"}}))

	groups, err := s.ListPlanGroups(r.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"task-a", "task-b"}, groups[0].TaskIDs)
}

// ---- Loops --------------------------------------------------------------

func TestCreateLoop_DefaultsStatusAndReviewStatus(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	l, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, LoopPending, l.Status)
	assert.Equal(t, ReviewPending, l.ReviewStatus)
	assert.False(t, l.LastActivityAt.IsZero())
}

func TestListLoopsByStatus_Filters(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	running, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)
	require.NoError(t, s.UpdateLoopStatus(running.ID, LoopRunning))

	_, err = s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-2"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)

	active, err := s.ListLoopsByStatus(r.ID, LoopRunning)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, running.ID, active[0].ID)
}

func TestIncrementIteration_ReturnsNewValue(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	l, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)

	n, err := s.IncrementIteration(l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementIteration(l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateStuckIndicators_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	l, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)

	ind := StuckIndicators{SameErrorCount: 3, NoProgressCount: 2, LastError: "boom", LastFileChangeIteration: 1}
	require.NoError(t, s.UpdateStuckIndicators(l.ID, ind))

	got, err := s.GetLoop(l.ID)
	require.NoError(t, err)
	assert.Equal(t, ind, got.StuckIndicators)
}

func TestIncrementRevisionAttempts_ResetRevisionAttempts(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	l, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)

	n, err := s.IncrementRevisionAttempts(l.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ResetRevisionAttempts(l.ID))
	got, err := s.GetLoop(l.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RevisionAttempts)
}

func TestAddLoopCost_Accumulates(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	l, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)

	total, err := s.AddLoopCost(l.ID, 0.4)
	require.NoError(t, err)
	assert.Equal(t, 0.4, total)

	total, err = s.AddLoopCost(l.ID, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, total, 1e-9)
}

func TestRestoreLoop_UpsertsExistingRow(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	l, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseBuild})
	require.NoError(t, err)

	l.Status = LoopInterrupted
	l.Iteration = 7
	require.NoError(t, s.RestoreLoop(*l))

	got, err := s.GetLoop(l.ID)
	require.NoError(t, err)
	assert.Equal(t, LoopInterrupted, got.Status)
	assert.Equal(t, 7, got.Iteration)
}

// ---- Context entries ------------------------------------------------------

func TestWriteContext_ReadContext_FiltersByType(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	_, err := s.WriteContext(ContextEntry{RunID: r.ID, Type: ContextDiscovery, Content: "found a thing"})
	require.NoError(t, err)
	_, err = s.WriteContext(ContextEntry{RunID: r.ID, Type: ContextError, Content: "it broke"})
	require.NoError(t, err)

	entries, err := s.ReadContext(ContextQuery{RunID: r.ID, Types: []ContextEntryType{ContextError}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ContextError, entries[0].Type)
}

func TestReadContext_RequiresRunID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadContext(ContextQuery{})
	assert.Error(t, err)
}

func TestReadContext_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	_, err := s.WriteContext(ContextEntry{RunID: r.ID, Type: ContextScratchpad, Content: "first"})
	require.NoError(t, err)
	_, err = s.WriteContext(ContextEntry{RunID: r.ID, Type: ContextScratchpad, Content: "second"})
	require.NoError(t, err)

	entries, err := s.ReadContext(ContextQuery{RunID: r.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Content)
	assert.Equal(t, "first", entries[1].Content)
}

func TestReplaceReviewIssues_ReplacesNotAccumulates(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	task, err := s.WriteTask(Task{RunID: r.ID, Title: "t"})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceReviewIssues(r.ID, task.ID, []ReviewIssue{
		{Description: "issue one", Type: IssueDeadCode},
	}))
	entries, err := s.ReadContext(ContextQuery{RunID: r.ID, Types: []ContextEntryType{ContextReviewIssue}, TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.ReplaceReviewIssues(r.ID, task.ID, []ReviewIssue{
		{Description: "issue two", Type: IssueOverEngineering},
		{Description: "issue three", Type: IssuePatternViolation},
	}))
	entries, err = s.ReadContext(ContextQuery{RunID: r.ID, Types: []ContextEntryType{ContextReviewIssue}, TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEqual(t, "issue one", e.Content)
	}
}

func TestSearchContext_FindsMatchingContent(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	_, err := s.WriteContext(ContextEntry{RunID: r.ID, Type: ContextDiscovery, Content: "the widget factory uses a singleton"})
	require.NoError(t, err)
	_, err = s.WriteContext(ContextEntry{RunID: r.ID, Type: ContextDiscovery, Content: "unrelated note about gadgets"})
	require.NoError(t, err)

	results, err := s.SearchContext(r.ID, "singleton", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "singleton")
}

// ---- Loop reviews ---------------------------------------------------------

func TestSetLoopReviewResult_UnknownLoopIDListsKnownLoops(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	known, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseReview})
	require.NoError(t, err)

	_, err = s.SetLoopReviewResult(LoopReview{RunID: r.ID, LoopID: "loop-bogus", Passed: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), known.ID)
}

func TestSetLoopReviewResult_UnknownTaskIDListsKnownTasks(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	loop, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseReview})
	require.NoError(t, err)
	task, err := s.WriteTask(Task{RunID: r.ID, Title: "t"})
	require.NoError(t, err)

	_, err = s.SetLoopReviewResult(LoopReview{RunID: r.ID, LoopID: loop.ID, TaskID: "task-bogus", Passed: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), task.ID)
}

func TestSetLoopReviewResult_WritesReviewAndIssuesAtomically(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)
	loop, err := s.CreateLoop(Loop{RunID: r.ID, TaskIDs: []string{"task-1"}, MaxIterations: 10, Phase: PhaseReview})
	require.NoError(t, err)
	task, err := s.WriteTask(Task{RunID: r.ID, Title: "t"})
	require.NoError(t, err)

	review, err := s.SetLoopReviewResult(LoopReview{
		RunID:  r.ID,
		LoopID: loop.ID,
		TaskID: task.ID,
		Passed: false,
		Issues: []ReviewIssue{
			{Description: "missing error handling", Type: IssueMissingErrorHandling},
			{Description: "dead code left behind", Type: IssueDeadCode},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, review.ID)

	reviews, err := s.ListLoopReviews(r.ID, loop.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.False(t, reviews[0].Passed)

	issues, err := s.ReadContext(ContextQuery{RunID: r.ID, Types: []ContextEntryType{ContextReviewIssue}, TaskID: task.ID})
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

// ---- Pending conflicts -----------------------------------------------------

func TestRecordPendingConflict_ListResolve(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	c, err := s.RecordPendingConflict(PendingConflict{
		RunID:         r.ID,
		LoopID:        "loop-1",
		TaskID:        "task-1",
		ConflictFiles: []string{"main.go", "util.go"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	conflicts, err := s.ListPendingConflicts(r.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, []string{"main.go", "util.go"}, conflicts[0].ConflictFiles)

	require.NoError(t, s.ResolvePendingConflict(c.ID))
	conflicts, err = s.ListPendingConflicts(r.ID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

// ---- Phase history and phase costs ----------------------------------------

func TestAppendPhaseHistory_IsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	require.NoError(t, s.AppendPhaseHistory(PhaseHistoryEntry{RunID: r.ID, Phase: PhaseAnalyze, Success: true, Summary: "looked around"}))
	require.NoError(t, s.AppendPhaseHistory(PhaseHistoryEntry{RunID: r.ID, Phase: PhaseEnumerate, Success: true, Summary: "listed tasks"}))

	history, err := s.ListPhaseHistory(r.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, PhaseAnalyze, history[0].Phase)
	assert.Equal(t, PhaseEnumerate, history[1].Phase)
}

func TestRecordPhaseCost_AccumulatesPerPhase(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	total, err := s.RecordPhaseCost(r.ID, PhaseBuild, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, total)

	total, err = s.RecordPhaseCost(r.ID, PhaseBuild, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, total)

	other, err := s.GetPhaseCost(r.ID, PhaseReview)
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestGetPhaseCost_UnrecordedReturnsZeroNotError(t *testing.T) {
	s := newTestStore(t)
	r := newTestRun(t, s)

	cost, err := s.GetPhaseCost(r.ID, PhaseRevise)
	require.NoError(t, err)
	assert.Zero(t, cost)
}
