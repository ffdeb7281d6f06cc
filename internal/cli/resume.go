package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqrun/sqrun/internal/budget"
	"github.com/sqrun/sqrun/internal/logging"
	"github.com/sqrun/sqrun/internal/loopmgr"
	"github.com/sqrun/sqrun/internal/orchestrator"
	"github.com/sqrun/sqrun/internal/store"
	"github.com/sqrun/sqrun/internal/workspace"
)

// defaultStateDir is the path used when no explicit state directory is configured.
const defaultStateDir = ".sqrun/state"

// runIDPattern validates that a --run value is a safe ID (not a file path).
// Only alphanumeric characters, hyphens, and underscores are permitted.
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// resumeFlags holds parsed flag values for the resume command.
type resumeFlags struct {
	RunID      string
	List       bool
	DryRun     bool
	Clean      string
	CleanAll   bool
	Force      bool
	StateDir   string
	Agent      string
	WorkRoot   string
	NoWorktree bool
}

// newResumeCmd creates the "sqrun resume" command.
func newResumeCmd() *cobra.Command {
	var flags resumeFlags

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted run",
		Long: `List resumable runs or resume a specific interrupted run from its
last checkpointed phase.

When invoked with no flags, the most recently updated incomplete run is
resumed automatically.

The state directory defaults to .sqrun/state/ relative to the current
working directory. The Phase Orchestrator persists run.phase to the
context store after every phase transition, so resuming simply re-enters
the phase loop at whatever phase was last recorded.`,
		Example: `  # List all resumable runs
  sqrun resume --list

  # Resume the most recently updated incomplete run
  sqrun resume

  # Resume a specific run by ID
  sqrun resume --run run-1234567890

  # Show what would be resumed without executing
  sqrun resume --run run-1234567890 --dry-run

  # Delete a specific run and its state
  sqrun resume --clean run-1234567890

  # Delete all runs (prompts for confirmation)
  sqrun resume --clean-all

  # Delete all runs without prompting (non-interactive environments)
  sqrun resume --clean-all --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.RunID, "run", "", "Resume a specific run by ID")
	cmd.Flags().BoolVar(&flags.List, "list", false, "List all resumable runs")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "Show what would be resumed without executing")
	cmd.Flags().StringVar(&flags.Clean, "clean", "", "Delete a specific run and its state by ID")
	cmd.Flags().BoolVar(&flags.CleanAll, "clean-all", false, "Delete all runs and their state")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "Skip confirmation prompt for --clean-all")
	cmd.Flags().StringVar(&flags.StateDir, "state-dir", defaultStateDir, "Directory holding the context store")
	cmd.Flags().StringVar(&flags.Agent, "agent", "claude", "Agent to use: claude, codex, gemini")
	cmd.Flags().StringVar(&flags.WorkRoot, "work-root", ".sqrun/worktrees", "Root directory for per-loop git worktrees")
	cmd.Flags().BoolVar(&flags.NoWorktree, "no-worktree", false, "Run all loops directly in the repo instead of isolated worktrees")

	return cmd
}

func init() {
	rootCmd.AddCommand(newResumeCmd())
}

// runResume is the RunE implementation for the resume command.
func runResume(cmd *cobra.Command, flags resumeFlags) error {
	if flags.RunID != "" && !runIDPattern.MatchString(flags.RunID) {
		return fmt.Errorf("resume: invalid run ID %q: only alphanumeric characters, hyphens, and underscores are allowed", flags.RunID)
	}
	if flags.Clean != "" && !runIDPattern.MatchString(flags.Clean) {
		return fmt.Errorf("resume: invalid run ID %q for --clean: only alphanumeric characters, hyphens, and underscores are allowed", flags.Clean)
	}

	st, err := store.Open(flags.StateDir)
	if err != nil {
		return fmt.Errorf("resume: opening context store at %q: %w", flags.StateDir, err)
	}
	defer st.Close()

	if flags.List {
		return runListMode(cmd, st)
	}
	if flags.CleanAll {
		return runCleanAllMode(cmd, st, flags.Force, os.Stdin)
	}
	if flags.Clean != "" {
		return runCleanMode(st, flags.Clean)
	}

	return runResumeMode(cmd, st, flags)
}

// runListMode lists all resumable runs in a formatted table.
func runListMode(cmd *cobra.Command, st *store.Store) error {
	runs, err := st.ListRuns()
	if err != nil {
		return fmt.Errorf("resume: listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No resumable runs found.")
		return nil
	}
	formatRunTable(runs, cmd.OutOrStdout())
	return nil
}

// runCleanMode deletes a single run and its state.
func runCleanMode(st *store.Store, runID string) error {
	if err := st.DeleteRun(runID); err != nil {
		return fmt.Errorf("resume: deleting run %q: %w", runID, err)
	}
	logging.New("resume").Info("run deleted", "run_id", runID)
	return nil
}

// runCleanAllMode deletes all runs. When the process is running in a
// terminal it prompts for confirmation unless --force is set. In
// non-interactive mode (e.g. CI) --force is required; without it the
// command returns an error rather than silently destroying state.
func runCleanAllMode(cmd *cobra.Command, st *store.Store, force bool, stdin *os.File) error {
	if !force {
		if isTerminal(stdin) {
			fmt.Fprint(cmd.ErrOrStderr(), "This will delete all runs and their state. Continue? [y/N] ")
			scanner := bufio.NewScanner(stdin)
			if !scanner.Scan() || !strings.EqualFold(strings.TrimSpace(scanner.Text()), "y") {
				fmt.Fprintln(cmd.ErrOrStderr(), "Aborted.")
				return nil
			}
		} else {
			return fmt.Errorf("resume: --clean-all in non-interactive mode requires --force to confirm deletion of all runs")
		}
	}

	runs, err := st.ListRuns()
	if err != nil {
		return fmt.Errorf("resume: listing runs for clean-all: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
		return nil
	}

	logger := logging.New("resume")
	var deleteErr error
	deleted := 0
	for _, r := range runs {
		if err := st.DeleteRun(r.ID); err != nil {
			logger.Error("failed to delete run", "run_id", r.ID, "error", err)
			deleteErr = err
			continue
		}
		deleted++
		logger.Info("run deleted", "run_id", r.ID)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Deleted %d run(s).\n", deleted)
	return deleteErr
}

// runResumeMode loads a run's checkpointed phase and re-enters the
// orchestrator's Step loop from there. If RunID is empty, the most
// recently updated incomplete run is used.
func runResumeMode(cmd *cobra.Command, st *store.Store, flags resumeFlags) error {
	var run *store.Run
	var err error

	if flags.RunID == "" {
		run, err = st.LatestIncompleteRun()
		if err != nil {
			return fmt.Errorf("resume: loading latest incomplete run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("resume: no resumable runs found")
		}
	} else {
		run, err = st.GetRun(flags.RunID)
		if err != nil {
			return fmt.Errorf("resume: loading run %q: %w", flags.RunID, err)
		}
		if run == nil {
			return fmt.Errorf("resume: run %q not found", flags.RunID)
		}
	}

	if flags.DryRun {
		tasks, err := st.ListTasks(run.ID)
		if err != nil {
			return fmt.Errorf("resume: listing tasks for dry run: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Dry-run: would resume run %q at phase %q\n", run.ID, run.Phase)
		fmt.Fprintf(cmd.ErrOrStderr(), "  Tasks recorded: %d\n", len(tasks))
		fmt.Fprintf(cmd.ErrOrStderr(), "  Cost so far:    $%.4f\n", run.TotalCost)
		fmt.Fprintf(cmd.ErrOrStderr(), "  Last updated:   %s\n", run.UpdatedAt.Format(time.RFC3339))
		return nil
	}

	logger := logging.New("resume")

	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return err
	}
	cfg := resolved.Config

	effortCfg, ok := cfg.EffortProfile(string(run.Effort))
	if !ok {
		return fmt.Errorf("resume: unknown effort tier %q recorded on run %q", run.Effort, run.ID)
	}

	gov := budget.New(st, run.ID, budget.Limits{
		PerLoopMaxUSD:  effortCfg.PerLoopMaxUSD,
		PerPhaseMaxUSD: effortCfg.PerPhaseMaxUSD,
		PerRunMaxUSD:   effortCfg.PerRunMaxUSD,
	})

	phaseAgent, buildAgent, reviewAgent, err := buildRunAgents(cfg.Agents, flags.Agent)
	if err != nil {
		return err
	}

	var ws *workspace.Manager
	if run.UseWorktrees {
		repoDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resume: resolving working directory: %w", err)
		}
		ws = workspace.New(repoDir, flags.WorkRoot, run.BaseBranch, run.ID)
	}

	lm := loopmgr.New(st, run.ID, ws, gov, buildAgent, reviewAgent, loopmgr.Config{
		MaxLoops:                 run.MaxLoops,
		MaxIterationsPerLoop:     run.MaxIterations,
		ReviewInterval:           effortCfg.ReviewInterval,
		MaxRevisionAttempts:      effortCfg.MaxRevisionAttempts,
		CheckpointReviewInterval: effortCfg.CheckpointReviewInterval,
		StuckThreshold:           effortCfg.StuckThreshold,
		IdleTimeout:              5 * time.Minute,
		PerLoopMaxUSD:            effortCfg.PerLoopMaxUSD,
		PerPhaseMaxUSD:           effortCfg.PerPhaseMaxUSD,
		Model:                    effortCfg.Model,
		Effort:                   string(run.Effort),
		AllowedTools:             cfg.Agents[flags.Agent].AllowedTools,
	}, renderBuildPrompt, renderLoopReviewPrompt, &runnerLogger{logger: logger})

	orch := orchestrator.New(st, run.ID, gov, lm, phaseAgent, orchestrator.Config{
		ReviewAfterEnumerate: effortCfg.ReviewAfterEnumerate,
		ReviewAfterPlan:      effortCfg.ReviewAfterPlan,
		PerRunMaxUSD:         effortCfg.PerRunMaxUSD,
		Model:                effortCfg.Model,
		Effort:               string(run.Effort),
		AllowedTools:         cfg.Agents[flags.Agent].AllowedTools,
		IdleTimeout:          5 * time.Minute,
		Prompts:              orchestratorPrompts(),
		ConflictPrompt:       renderConflictPrompt,
	}, &runnerLogger{logger: logger})

	logger.Info("resuming run", "run_id", run.ID, "phase", string(run.Phase), "cost_so_far", run.TotalCost)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return driveToCompletion(ctx, cmd, orch, run.ID, &runnerLogger{logger: logger})
}

// formatRunTable writes a tabwriter-aligned table of runs to w.
func formatRunTable(runs []store.Run, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "RUN ID\tSPEC\tPHASE\tCOST\tLAST UPDATED")
	fmt.Fprintln(tw, "------\t----\t-----\t----\t------------")

	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t$%.4f\t%s\n",
			r.ID, r.SpecPath, r.Phase, r.TotalCost, r.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

// isTerminal reports whether f is connected to a terminal (TTY), using
// os.ModeCharDevice so no extra dependency is needed for the check.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
