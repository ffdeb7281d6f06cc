package cli

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqrun/sqrun/internal/store"
)

// ---- helpers -----------------------------------------------------------------

func makeResumeTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func saveResumeRun(t *testing.T, st *store.Store, specPath, phase string) *store.Run {
	t.Helper()
	run, err := st.CreateRun(store.Run{
		SpecPath: specPath,
		Effort:   store.EffortMedium,
		Phase:    store.Phase(phase),
	})
	require.NoError(t, err)
	return run
}

// ---- Command structure tests -------------------------------------------------

func TestNewResumeCmd_Registration(t *testing.T) {
	cmd := newResumeCmd()
	assert.Equal(t, "resume", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)
	assert.NotEmpty(t, cmd.Example)
}

func TestNewResumeCmd_FlagsRegistered(t *testing.T) {
	cmd := newResumeCmd()

	expectedFlags := []string{"run", "list", "dry-run", "clean", "clean-all", "force", "state-dir"}
	for _, name := range expectedFlags {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag --%s must be registered", name)
	}
}

func TestNewResumeCmd_FlagDefaults(t *testing.T) {
	cmd := newResumeCmd()

	listFlag := cmd.Flags().Lookup("list")
	require.NotNil(t, listFlag)
	assert.Equal(t, "false", listFlag.DefValue)

	dryRunFlag := cmd.Flags().Lookup("dry-run")
	require.NotNil(t, dryRunFlag)
	assert.Equal(t, "false", dryRunFlag.DefValue)

	cleanAllFlag := cmd.Flags().Lookup("clean-all")
	require.NotNil(t, cleanAllFlag)
	assert.Equal(t, "false", cleanAllFlag.DefValue)

	forceFlag := cmd.Flags().Lookup("force")
	require.NotNil(t, forceFlag)
	assert.Equal(t, "false", forceFlag.DefValue)
}

func TestResumeCmdRegisteredOnRoot(t *testing.T) {
	found := false
	for _, sub := range rootCmd.Commands() {
		if sub.Use == "resume" {
			found = true
			break
		}
	}
	assert.True(t, found, "resume command should be registered as a subcommand of root")
}

// ---- runIDPattern tests -------------------------------------------------------

func TestRunIDPattern_ValidIDs(t *testing.T) {
	t.Parallel()

	validIDs := []string{
		"run-1234567890",
		"abc",
		"ABC",
		"a1b2c3",
		"my_run",
		"run-abc-def",
		"RUN_001",
		"a",
		"1",
		"a-b_c",
	}
	for _, id := range validIDs {
		t.Run(id, func(t *testing.T) {
			assert.True(t, runIDPattern.MatchString(id), "ID %q should match pattern", id)
		})
	}
}

func TestRunIDPattern_InvalidIDs(t *testing.T) {
	t.Parallel()

	invalidIDs := []string{
		"../etc/passwd",
		"/absolute/path",
		"path/with/slashes",
		"has space",
		"has.dot",
		"has@at",
		"has!excl",
		"",
	}
	for _, id := range invalidIDs {
		t.Run(id, func(t *testing.T) {
			assert.False(t, runIDPattern.MatchString(id), "ID %q should NOT match pattern", id)
		})
	}
}

// ---- runResume flag validation tests ----------------------------------------

func TestRunResume_InvalidRunID_RejectsPathTraversal(t *testing.T) {
	cmd := newResumeCmd()
	var buf bytes.Buffer
	cmd.SetErr(&buf)

	flags := resumeFlags{RunID: "../etc/passwd"}
	err := runResume(cmd, flags)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run ID")
	assert.Contains(t, err.Error(), "../etc/passwd")
}

func TestRunResume_InvalidCleanID_RejectsPathTraversal(t *testing.T) {
	cmd := newResumeCmd()

	flags := resumeFlags{Clean: "/etc/shadow"}
	err := runResume(cmd, flags)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid run ID")
}

func TestRunResume_InvalidRunID_WithSlashes(t *testing.T) {
	tests := []struct {
		name  string
		runID string
	}{
		{"forward slash", "path/with/slashes"},
		{"dot-dot slash", "../parent"},
		{"absolute path", "/absolute"},
		{"space in id", "has space"},
		{"dot in id", "has.dot"},
		{"at sign", "has@symbol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newResumeCmd()
			var errBuf bytes.Buffer
			cmd.SetErr(&errBuf)

			flags := resumeFlags{RunID: tt.runID}
			err := runResume(cmd, flags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid run ID")
		})
	}
}

func TestRunResume_InvalidCleanID_VariousFormats(t *testing.T) {
	tests := []struct {
		name    string
		cleanID string
	}{
		{"path traversal", "../etc/passwd"},
		{"absolute path", "/etc/shadow"},
		{"forward slash", "dir/file"},
		{"space", "run id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newResumeCmd()
			flags := resumeFlags{Clean: tt.cleanID}
			err := runResume(cmd, flags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid run ID")
		})
	}
}

// ---- runListMode tests -------------------------------------------------------

func TestRunListMode_EmptyStore_ShowsMessage(t *testing.T) {
	st := makeResumeTestStore(t)

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runListMode(cmd, st)
	require.NoError(t, err)
	assert.Contains(t, errBuf.String(), "No resumable runs found")
}

func TestRunListMode_WithRuns_ShowsTable(t *testing.T) {
	st := makeResumeTestStore(t)
	saveResumeRun(t, st, "spec-a.md", "enumerate")
	saveResumeRun(t, st, "spec-b.md", "plan")

	cmd := &cobra.Command{}
	var outBuf bytes.Buffer
	cmd.SetOut(&outBuf)
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runListMode(cmd, st)
	require.NoError(t, err)

	out := outBuf.String()
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, "SPEC")
	assert.Contains(t, out, "PHASE")
	assert.Contains(t, out, "COST")
	assert.Contains(t, out, "LAST UPDATED")
	assert.Contains(t, out, "spec-a.md")
	assert.Contains(t, out, "spec-b.md")
}

func TestRunListMode_ThreeRuns_SortedByCreatedAtDesc(t *testing.T) {
	st := makeResumeTestStore(t)
	saveResumeRun(t, st, "spec-oldest.md", "analyze")
	saveResumeRun(t, st, "spec-middle.md", "analyze")
	saveResumeRun(t, st, "spec-newest.md", "analyze")

	cmd := &cobra.Command{}
	var outBuf bytes.Buffer
	cmd.SetOut(&outBuf)
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runListMode(cmd, st)
	require.NoError(t, err)

	out := outBuf.String()
	posNewest := strings.Index(out, "spec-newest.md")
	posMiddle := strings.Index(out, "spec-middle.md")
	posOldest := strings.Index(out, "spec-oldest.md")
	assert.Less(t, posNewest, posMiddle, "most recently created run must appear first")
	assert.Less(t, posMiddle, posOldest, "middle run must appear before oldest run")
}

// ---- runCleanMode tests ------------------------------------------------------

func TestRunCleanMode_ExistingRun_DeletesIt(t *testing.T) {
	st := makeResumeTestStore(t)
	run := saveResumeRun(t, st, "spec.md", "build")

	err := runCleanMode(st, run.ID)
	require.NoError(t, err)

	got, err := st.GetRun(run.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "deleted run should no longer be found")
}

func TestRunCleanMode_NonExistentRun_ReturnsError(t *testing.T) {
	st := makeResumeTestStore(t)

	err := runCleanMode(st, "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestRunCleanMode_MultipleDeletes(t *testing.T) {
	st := makeResumeTestStore(t)
	r1 := saveResumeRun(t, st, "spec-a.md", "analyze")
	r2 := saveResumeRun(t, st, "spec-b.md", "analyze")
	r3 := saveResumeRun(t, st, "spec-c.md", "analyze")

	require.NoError(t, runCleanMode(st, r1.ID))
	require.NoError(t, runCleanMode(st, r2.ID))

	runs, err := st.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r3.ID, runs[0].ID, "only the third run should remain")
}

// ---- runCleanAllMode tests ---------------------------------------------------

func TestRunCleanAllMode_EmptyStore_ShowsMessage(t *testing.T) {
	st := makeResumeTestStore(t)

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runCleanAllMode(cmd, st, true, os.Stdin)
	require.NoError(t, err)
	assert.Contains(t, errBuf.String(), "No runs found")
}

func TestRunCleanAllMode_WithForce_DeletesAll(t *testing.T) {
	st := makeResumeTestStore(t)
	saveResumeRun(t, st, "spec-a.md", "analyze")
	saveResumeRun(t, st, "spec-b.md", "analyze")
	saveResumeRun(t, st, "spec-c.md", "analyze")

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runCleanAllMode(cmd, st, true, os.Stdin)
	require.NoError(t, err)

	runs, err := st.ListRuns()
	require.NoError(t, err)
	assert.Empty(t, runs, "all runs should be deleted")
	assert.Contains(t, errBuf.String(), "Deleted 3 run(s)")
}

func TestRunCleanAllMode_SingleRun_Force(t *testing.T) {
	st := makeResumeTestStore(t)
	saveResumeRun(t, st, "spec.md", "analyze")

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runCleanAllMode(cmd, st, true, os.Stdin)
	require.NoError(t, err)
	assert.Contains(t, errBuf.String(), "Deleted 1 run(s)")
}

func TestRunCleanAllMode_NonInteractiveWithoutForce_ReturnsError(t *testing.T) {
	st := makeResumeTestStore(t)
	saveResumeRun(t, st, "spec.md", "analyze")

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	pw.Close()
	defer pr.Close()

	err = runCleanAllMode(cmd, st, false /* force */, pr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--clean-all")
	assert.Contains(t, err.Error(), "--force")
}

// ---- runResumeMode dry-run tests ----------------------------------------------

func TestRunResumeMode_NoRuns_ReturnsError(t *testing.T) {
	st := makeResumeTestStore(t)

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runResumeMode(cmd, st, resumeFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no resumable runs found")
}

func TestRunResumeMode_SpecificRunNotFound_ReturnsError(t *testing.T) {
	st := makeResumeTestStore(t)

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runResumeMode(cmd, st, resumeFlags{RunID: "nonexistent-run"})
	require.Error(t, err)
}

func TestRunResumeMode_DryRun_PrintsDescriptionNoExecution(t *testing.T) {
	st := makeResumeTestStore(t)
	run := saveResumeRun(t, st, "spec.md", "build")

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runResumeMode(cmd, st, resumeFlags{RunID: run.ID, DryRun: true})
	require.NoError(t, err)

	out := errBuf.String()
	assert.Contains(t, out, "Dry-run")
	assert.Contains(t, out, run.ID)
	assert.Contains(t, out, "build")
}

func TestRunResumeMode_DryRun_LatestRun_NoRunID(t *testing.T) {
	st := makeResumeTestStore(t)
	run := saveResumeRun(t, st, "spec-latest.md", "analyze")

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err := runResumeMode(cmd, st, resumeFlags{DryRun: true})
	require.NoError(t, err)

	out := errBuf.String()
	assert.Contains(t, out, "Dry-run")
	assert.Contains(t, out, run.ID)
}

func TestRunResumeMode_DryRun_ShowsTaskCountAndCost(t *testing.T) {
	st := makeResumeTestStore(t)
	run := saveResumeRun(t, st, "spec.md", "build")
	_, err := st.WriteTask(store.Task{RunID: run.ID, Title: "a task"})
	require.NoError(t, err)

	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	err = runResumeMode(cmd, st, resumeFlags{RunID: run.ID, DryRun: true})
	require.NoError(t, err)

	out := errBuf.String()
	assert.Contains(t, out, "Tasks recorded: 1")
	assert.Contains(t, out, "Cost so far:")
	assert.Contains(t, out, "Last updated:")
}

// ---- formatRunTable tests ----------------------------------------------------

func TestFormatRunTable_Headers(t *testing.T) {
	t.Parallel()

	runs := []store.Run{
		{ID: "run-001", SpecPath: "spec.md", Phase: store.PhaseBuild, TotalCost: 1.5, UpdatedAt: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	formatRunTable(runs, &buf)
	out := buf.String()

	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, "SPEC")
	assert.Contains(t, out, "PHASE")
	assert.Contains(t, out, "COST")
	assert.Contains(t, out, "LAST UPDATED")
}

func TestFormatRunTable_DataRows(t *testing.T) {
	t.Parallel()

	runs := []store.Run{
		{ID: "run-abc", SpecPath: "build.md", Phase: store.PhaseBuild, TotalCost: 2.5, UpdatedAt: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)},
		{ID: "run-xyz", SpecPath: "review.md", Phase: store.PhaseReview, TotalCost: 0.75, UpdatedAt: time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	formatRunTable(runs, &buf)
	out := buf.String()

	assert.Contains(t, out, "run-abc")
	assert.Contains(t, out, "build.md")
	assert.Contains(t, out, "run-xyz")
	assert.Contains(t, out, "review.md")
}

func TestFormatRunTable_EmptySlice_OnlyHeaders(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	formatRunTable(nil, &buf)
	out := buf.String()

	assert.Contains(t, out, "RUN ID")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, 2, len(lines), "empty table should have header + separator only")
}

func TestFormatRunTable_DateFormat(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 5, 14, 22, 33, 0, time.UTC)
	runs := []store.Run{
		{ID: "run-date", SpecPath: "x.md", Phase: store.PhaseComplete, UpdatedAt: at},
	}

	var buf bytes.Buffer
	formatRunTable(runs, &buf)
	out := buf.String()

	assert.Contains(t, out, "2026-03-05 14:22:33")
}

func TestFormatRunTable_SeparatorLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	formatRunTable(nil, &buf)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[1], "------")
}

func TestFormatRunTable_VeryLongRunID(t *testing.T) {
	t.Parallel()

	longID := strings.Repeat("a", 200)
	runs := []store.Run{
		{ID: longID, SpecPath: "x.md", Phase: store.PhaseAnalyze, UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	assert.NotPanics(t, func() { formatRunTable(runs, &buf) })
	out := buf.String()
	assert.Contains(t, out, longID)
}

// ---- isTerminal tests --------------------------------------------------------

func TestIsTerminal_RegularFile_ReturnsFalse(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "test-*.txt")
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, isTerminal(f), "regular file should not be detected as terminal")
}

func TestIsTerminal_Pipe_ReturnsFalse(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	assert.False(t, isTerminal(r), "pipe read end should not be detected as terminal")
	assert.False(t, isTerminal(w), "pipe write end should not be detected as terminal")
}

// ---- runIDPattern boundary cases --------------------------------------------

func TestRunIDPattern_BoundaryLengths(t *testing.T) {
	t.Parallel()

	assert.True(t, runIDPattern.MatchString("a"), "single char must match")
	assert.True(t, runIDPattern.MatchString("1"), "single digit must match")
	assert.True(t, runIDPattern.MatchString("-"), "single hyphen must match")
	assert.True(t, runIDPattern.MatchString("_"), "single underscore must match")

	longValid := strings.Repeat("ab-", 100)
	assert.True(t, runIDPattern.MatchString(longValid), "long valid ID must match")
}
