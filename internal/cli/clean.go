package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqrun/sqrun/internal/logging"
	"github.com/sqrun/sqrun/internal/store"
	"github.com/sqrun/sqrun/internal/workspace"
)

// cleanFlags holds the flag values for the clean command.
type cleanFlags struct {
	RunID    string
	StateDir string
	WorkRoot string
}

func newCleanCmd() *cobra.Command {
	var flags cleanFlags

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove loop worktrees and prune stale worktree registrations",
		Long: `Clean removes the git worktrees the Workspace Manager created for build
loops under --work-root. With --run, only the worktrees belonging to that
run's loops are removed; without it, every worktree under --work-root is
removed, matching internal/workspace.Manager.CleanupAll's enumeration.

This does not touch the context store's run/task/loop rows -- use
"sqrun resume --clean" or "--clean-all" to delete those.`,
		Example: `  sqrun clean --run run-1234567890
  sqrun clean`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.RunID, "run", "", "Only remove worktrees belonging to this run's loops")
	cmd.Flags().StringVar(&flags.StateDir, "state-dir", defaultStateDir, "Directory holding the context store")
	cmd.Flags().StringVar(&flags.WorkRoot, "work-root", ".sqrun/worktrees", "Root directory for per-loop git worktrees")

	return cmd
}

func init() {
	rootCmd.AddCommand(newCleanCmd())
}

func runClean(cmd *cobra.Command, flags cleanFlags) error {
	if flags.RunID != "" && !runIDPattern.MatchString(flags.RunID) {
		return fmt.Errorf("clean: invalid run ID %q: only alphanumeric characters, hyphens, and underscores are allowed", flags.RunID)
	}

	repoDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("clean: resolving working directory: %w", err)
	}
	logger := logging.New("clean")

	if flags.RunID == "" {
		ws := workspace.New(repoDir, flags.WorkRoot, "", "")
		if err := ws.CleanupAll(cmd.Context()); err != nil {
			return fmt.Errorf("clean: cleaning up all worktrees: %w", err)
		}
		logger.Info("removed all worktrees", "work_root", flags.WorkRoot)
		return nil
	}

	st, err := store.Open(flags.StateDir)
	if err != nil {
		return fmt.Errorf("clean: opening context store at %q: %w", flags.StateDir, err)
	}
	defer st.Close()

	run, err := st.GetRun(flags.RunID)
	if err != nil {
		return fmt.Errorf("clean: loading run %q: %w", flags.RunID, err)
	}
	if run == nil {
		return fmt.Errorf("clean: run %q not found", flags.RunID)
	}

	loops, err := st.ListLoops(run.ID)
	if err != nil {
		return fmt.Errorf("clean: listing loops for run %q: %w", run.ID, err)
	}

	ws := workspace.New(repoDir, flags.WorkRoot, run.BaseBranch, run.ID)
	removed := 0
	for _, l := range loops {
		if err := ws.Cleanup(cmd.Context(), l.ID); err != nil {
			return fmt.Errorf("clean: cleaning up loop %q: %w", l.ID, err)
		}
		removed++
	}
	logger.Info("removed worktrees for run", "run_id", run.ID, "count", removed)
	return nil
}
