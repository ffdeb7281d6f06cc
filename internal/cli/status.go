package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/sqrun/sqrun/internal/store"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	Run      string // --run <id>, empty means the latest incomplete run
	StateDir string
	JSON     bool
	Verbose  bool
	Watch    bool
}

// statusTaskOutput is the JSON output type for a single task.
type statusTaskOutput struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Loop   string `json:"loop_id,omitempty"`
}

// statusLoopOutput is the JSON output type for a single loop.
type statusLoopOutput struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Iteration int     `json:"iteration"`
	Cost      float64 `json:"cost"`
}

// statusOutput is the top-level JSON output type for the status command.
type statusOutput struct {
	RunID      string             `json:"run_id"`
	SpecPath   string             `json:"spec_path"`
	Phase      string             `json:"phase"`
	TotalCost  float64            `json:"total_cost"`
	TotalTasks int                `json:"total_tasks"`
	Completed  int                `json:"completed"`
	InProgress int                `json:"in_progress"`
	Failed     int                `json:"failed"`
	Pending    int                `json:"pending"`
	Percent    float64            `json:"percent"`
	Tasks      []statusTaskOutput `json:"tasks,omitempty"`
	Loops      []statusLoopOutput `json:"loops,omitempty"`
}

// newStatusCmd creates the "sqrun status" command.
func newStatusCmd() *cobra.Command {
	var flags statusFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a run's phase, cost, and task progress",
		Long: `Display the current phase, accumulated cost, and task completion
progress for a run. With no --run flag, reports on the most recent
incomplete run in the context store.

Use --verbose to see per-task and per-loop status details. Use --json for
structured output suitable for scripting.`,
		Example: `  # Show the latest incomplete run
  sqrun status

  # Show a specific run
  sqrun status --run run-abc123

  # Per-task and per-loop details
  sqrun status --verbose

  # Structured JSON output
  sqrun status --json

  # Re-render whenever the context store changes, until interrupted
  sqrun status --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Run, "run", "", "Run id to report on (default: latest incomplete run)")
	cmd.Flags().StringVar(&flags.StateDir, "state-dir", defaultStateDir, "Directory holding the run's context store")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output structured JSON to stdout")
	cmd.Flags().BoolVar(&flags.Verbose, "verbose", false, "Show per-task and per-loop status details")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "Watch the context store and re-render on every change, until interrupted")

	return cmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

// runStatus is the command's RunE function. Opens the context store and
// either renders progress once or, with --watch, re-renders on every
// change to the store until interrupted.
func runStatus(cmd *cobra.Command, flags statusFlags) error {
	st, err := store.Open(flags.StateDir)
	if err != nil {
		return fmt.Errorf("opening context store: %w", err)
	}
	defer st.Close()

	if flags.Watch {
		return runStatusWatch(cmd, st, flags)
	}

	return renderStatusOnce(cmd, st, flags)
}

// renderStatusOnce resolves the target run and renders its progress a
// single time to cmd's output streams.
func renderStatusOnce(cmd *cobra.Command, st *store.Store, flags statusFlags) error {
	run, err := resolveStatusRun(st, flags.Run)
	if err != nil {
		return err
	}

	tasks, err := st.ListTasks(run.ID)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	loops, err := st.ListLoops(run.ID)
	if err != nil {
		return fmt.Errorf("listing loops: %w", err)
	}

	if flags.JSON {
		return renderStatusJSON(cmd.OutOrStdout(), *run, tasks, loops, flags.Verbose)
	}

	out := cmd.ErrOrStderr()
	fmt.Fprintln(out, renderStatusSummary(*run, tasks))
	fmt.Fprintln(out, renderTaskProgress(tasks))

	if flags.Verbose {
		if details := renderTaskDetails(tasks); details != "" {
			fmt.Fprintln(out, details)
		}
		if details := renderLoopDetails(loops); details != "" {
			fmt.Fprintln(out, details)
		}
	}

	return nil
}

// statusWatchDebounce coalesces a burst of SQLite WAL writes (state.db,
// state.db-wal, state.db-shm all change on a single commit) into one
// re-render.
const statusWatchDebounce = 250 * time.Millisecond

// runStatusWatch watches the context store's state directory with fsnotify
// and re-renders the status view each time it changes, debouncing bursts of
// writes into a single render. Runs until ctx is cancelled (Ctrl-C/SIGTERM).
func runStatusWatch(cmd *cobra.Command, st *store.Store, flags statusFlags) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("status: creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(flags.StateDir); err != nil {
		return fmt.Errorf("status: watching %q: %w", flags.StateDir, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := renderStatusOnce(cmd, st, flags); err != nil {
		return err
	}

	var pending *time.Timer
	render := make(chan struct{}, 1)
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("status: watcher error: %w", err)
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if pending == nil {
				pending = time.AfterFunc(statusWatchDebounce, func() {
					select {
					case render <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(statusWatchDebounce)
			}
		case <-render:
			pending = nil
			if err := renderStatusOnce(cmd, st, flags); err != nil {
				return err
			}
		}
	}
}

// resolveStatusRun looks up the run named by --run, or the latest
// incomplete run when no id was given.
func resolveStatusRun(st *store.Store, runID string) (*store.Run, error) {
	if runID != "" {
		run, err := st.GetRun(runID)
		if err != nil {
			return nil, fmt.Errorf("loading run %q: %w", runID, err)
		}
		return run, nil
	}
	run, err := st.LatestIncompleteRun()
	if err != nil {
		return nil, fmt.Errorf("finding latest incomplete run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("no incomplete run found; pass --run to inspect a completed one")
	}
	return run, nil
}

func taskCounts(tasks []store.Task) (completed, inProgress, failed, pending int) {
	for _, t := range tasks {
		switch t.Status {
		case store.TaskCompleted:
			completed++
		case store.TaskInProgress:
			inProgress++
		case store.TaskFailed:
			failed++
		default:
			pending++
		}
	}
	return
}

// renderStatusJSON serialises run/task/loop progress to JSON and writes it to w.
func renderStatusJSON(w io.Writer, run store.Run, tasks []store.Task, loops []store.Loop, verbose bool) error {
	completed, inProgress, failed, pending := taskCounts(tasks)
	pct := 0.0
	if len(tasks) > 0 {
		pct = float64(completed) / float64(len(tasks)) * 100
	}

	out := statusOutput{
		RunID:      run.ID,
		SpecPath:   run.SpecPath,
		Phase:      string(run.Phase),
		TotalCost:  run.TotalCost,
		TotalTasks: len(tasks),
		Completed:  completed,
		InProgress: inProgress,
		Failed:     failed,
		Pending:    pending,
		Percent:    pct,
	}

	if verbose {
		for _, t := range tasks {
			out.Tasks = append(out.Tasks, statusTaskOutput{
				ID: t.ID, Title: t.Title, Status: string(t.Status), Loop: t.AssignedLoopID,
			})
		}
		for _, l := range loops {
			out.Loops = append(out.Loops, statusLoopOutput{
				ID: l.ID, Status: string(l.Status), Iteration: l.Iteration, Cost: l.Cost,
			})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// renderStatusSummary returns an overall run summary header string.
//
//	Sqrun Status - spec.md
//	=======================
//	Phase: build
//	Cost: $1.2345
func renderStatusSummary(run store.Run, tasks []store.Task) string {
	headerStyle := lipgloss.NewStyle().Bold(true)

	title := fmt.Sprintf("Sqrun Status - %s", run.SpecPath)
	sep := strings.Repeat("=", len(title))

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(title))
	sb.WriteString("\n")
	sb.WriteString(sep)
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Phase: %s\n", run.Phase))
	sb.WriteString(fmt.Sprintf("Cost: $%.4f\n", run.TotalCost))
	return sb.String()
}

// renderTaskProgress returns a styled progress bar line for task completion.
//
//	████████████░░░░░░░░ 60% (12/20)
func renderTaskProgress(tasks []store.Task) string {
	const progressBarWidth = 40

	completedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))  // green
	inProgressStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	failedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))      // red

	completed, inProgress, failed, pending := taskCounts(tasks)
	total := len(tasks)

	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total)
	}

	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(progressBarWidth),
		progress.WithoutPercentage(),
	)
	barStr := bar.ViewAs(pct)

	fraction := fmt.Sprintf("%d/%d", completed, total)
	pctStr := fmt.Sprintf("%.0f%%", pct*100)

	var sb strings.Builder
	sb.WriteString(barStr)
	sb.WriteString(" ")
	sb.WriteString(pctStr)
	sb.WriteString(" (")
	sb.WriteString(fraction)
	sb.WriteString(")\n")

	var countParts []string
	if completed > 0 {
		countParts = append(countParts, completedStyle.Render(fmt.Sprintf("%d completed", completed)))
	}
	if inProgress > 0 {
		countParts = append(countParts, inProgressStyle.Render(fmt.Sprintf("%d in-progress", inProgress)))
	}
	if failed > 0 {
		countParts = append(countParts, failedStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	if pending > 0 {
		countParts = append(countParts, fmt.Sprintf("%d pending", pending))
	}
	if len(countParts) > 0 {
		sb.WriteString(strings.Join(countParts, ", "))
		sb.WriteString("\n")
	}

	return sb.String()
}

// renderTaskDetails returns a per-task status listing.
func renderTaskDetails(tasks []store.Task) string {
	if len(tasks) == 0 {
		return ""
	}

	completedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	inProgressStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	var sb strings.Builder
	sb.WriteString("Tasks:\n")
	for _, t := range tasks {
		var statusLabel string
		switch t.Status {
		case store.TaskCompleted:
			statusLabel = completedStyle.Render(string(t.Status))
		case store.TaskInProgress:
			statusLabel = inProgressStyle.Render(string(t.Status))
		case store.TaskFailed:
			statusLabel = failedStyle.Render(string(t.Status))
		default:
			statusLabel = string(t.Status)
		}

		title := t.Title
		if len(title) > 50 {
			title = title[:47] + "..."
		}

		line := fmt.Sprintf("  %s  %-50s  %s", t.ID, title, statusLabel)
		if t.AssignedLoopID != "" {
			line += fmt.Sprintf("  (loop %s)", t.AssignedLoopID)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderLoopDetails returns a per-loop status listing.
func renderLoopDetails(loops []store.Loop) string {
	if len(loops) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Loops:\n")
	for _, l := range loops {
		sb.WriteString(fmt.Sprintf("  %s  %-12s  iteration %d  $%.4f\n", l.ID, l.Status, l.Iteration, l.Cost))
	}
	return sb.String()
}
