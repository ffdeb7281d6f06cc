package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqrun/sqrun/internal/agent"
	"github.com/sqrun/sqrun/internal/budget"
	"github.com/sqrun/sqrun/internal/config"
	"github.com/sqrun/sqrun/internal/git"
	"github.com/sqrun/sqrun/internal/logging"
	"github.com/sqrun/sqrun/internal/loopmgr"
	"github.com/sqrun/sqrun/internal/orchestrator"
	"github.com/sqrun/sqrun/internal/store"
	"github.com/sqrun/sqrun/internal/workspace"
)

// runFlags holds parsed flag values for the run command.
type runFlags struct {
	Agent       string
	Effort      string
	StateDir    string
	BaseBranch  string
	WorkRoot    string
	NoWorktree  bool
	MaxLoops    int
	MaxIter     int
	MetricsAddr string
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <spec-path>",
		Short: "Run a spec through the phase orchestrator to completion",
		Long: `Run drives a spec file through the full phase pipeline -- analyze,
enumerate, plan, build, review, revise, and conflict resolution -- checkpointing
every phase transition to the SQLite-backed context store at <state-dir>/state.db
so the run can be resumed with "sqrun resume" if interrupted.`,
		Example: `  sqrun run spec.md --agent claude --effort medium
  sqrun run spec.md --agent claude --effort high --max-loops 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.Agent, "agent", "claude", "Agent to use: claude, codex, gemini")
	cmd.Flags().StringVar(&flags.Effort, "effort", "medium", "Effort tier: low, medium, high, max")
	cmd.Flags().StringVar(&flags.StateDir, "state-dir", defaultStateDir, "Directory holding the run's context store")
	cmd.Flags().StringVar(&flags.BaseBranch, "base-branch", "", "Base branch to build from (default: current branch)")
	cmd.Flags().StringVar(&flags.WorkRoot, "work-root", ".sqrun/worktrees", "Root directory for per-loop git worktrees")
	cmd.Flags().BoolVar(&flags.NoWorktree, "no-worktree", false, "Run all loops directly in the repo instead of isolated worktrees")
	cmd.Flags().IntVar(&flags.MaxLoops, "max-loops", 0, "Max concurrent loops (0 uses the default of 4)")
	cmd.Flags().IntVar(&flags.MaxIter, "max-iterations", 0, "Max iterations per loop (0 uses the default of 50)")
	cmd.Flags().StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus cost metrics at this address (e.g. :9090), disabled when empty")

	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func runRun(cmd *cobra.Command, specPath string, flags runFlags) error {
	logger := logging.New("run")

	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return err
	}
	cfg := resolved.Config

	effortCfg, ok := cfg.EffortProfile(flags.Effort)
	if !ok {
		return fmt.Errorf("run: unknown effort tier %q", flags.Effort)
	}

	if _, err := os.Stat(specPath); err != nil {
		return fmt.Errorf("run: reading spec %q: %w", specPath, err)
	}

	st, err := store.Open(flags.StateDir)
	if err != nil {
		return fmt.Errorf("run: opening context store: %w", err)
	}
	defer st.Close()

	baseBranch := flags.BaseBranch
	repoDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("run: resolving working directory: %w", err)
	}
	if baseBranch == "" {
		gitClient, err := git.NewGitClient(repoDir)
		if err != nil {
			return fmt.Errorf("run: opening git repo: %w", err)
		}
		baseBranch, err = gitClient.CurrentBranch(cmd.Context())
		if err != nil {
			return fmt.Errorf("run: detecting current branch: %w", err)
		}
	}

	run, err := st.CreateRun(store.Run{
		SpecPath:      specPath,
		Effort:        store.Effort(flags.Effort),
		Phase:         store.PhaseAnalyze,
		MaxLoops:      firstNonZero(flags.MaxLoops, 4),
		MaxIterations: firstNonZero(flags.MaxIter, 50),
		BaseBranch:    baseBranch,
		UseWorktrees:  !flags.NoWorktree,
	})
	if err != nil {
		return fmt.Errorf("run: creating run: %w", err)
	}
	logger.Info("run created", "run_id", run.ID, "effort", flags.Effort, "agent", flags.Agent)

	gov := budget.New(st, run.ID, budget.Limits{
		PerLoopMaxUSD:  effortCfg.PerLoopMaxUSD,
		PerPhaseMaxUSD: effortCfg.PerPhaseMaxUSD,
		PerRunMaxUSD:   effortCfg.PerRunMaxUSD,
	})
	serveMetrics(flags.MetricsAddr, gov, &runnerLogger{logger: logger})

	phaseAgent, buildAgent, reviewAgent, err := buildRunAgents(cfg.Agents, flags.Agent)
	if err != nil {
		return err
	}

	var ws *workspace.Manager
	if run.UseWorktrees {
		ws = workspace.New(repoDir, flags.WorkRoot, baseBranch, run.ID)
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
		Effort:                   flags.Effort,
		AllowedTools:             cfg.Agents[flags.Agent].AllowedTools,
	}, renderBuildPrompt, renderLoopReviewPrompt, &runnerLogger{logger: logger})

	orch := orchestrator.New(st, run.ID, gov, lm, phaseAgent, orchestrator.Config{
		ReviewAfterEnumerate: effortCfg.ReviewAfterEnumerate,
		ReviewAfterPlan:      effortCfg.ReviewAfterPlan,
		PerRunMaxUSD:         effortCfg.PerRunMaxUSD,
		Model:                effortCfg.Model,
		Effort:               flags.Effort,
		AllowedTools:         cfg.Agents[flags.Agent].AllowedTools,
		IdleTimeout:          5 * time.Minute,
		Prompts:              orchestratorPrompts(),
		ConflictPrompt:       renderConflictPrompt,
	}, &runnerLogger{logger: logger})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return driveToCompletion(ctx, cmd, orch, run.ID, &runnerLogger{logger: logger})
}

// driveToCompletion calls Step repeatedly until the run reaches the
// complete phase or the context is cancelled, printing each phase
// transition as it happens.
func driveToCompletion(ctx context.Context, cmd *cobra.Command, orch *orchestrator.Orchestrator, runID string, logger interface {
	Info(msg string, kv ...interface{})
}) error {
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(cmd.OutOrStdout(), "\nrun %s interrupted; resume with: sqrun resume --run %s\n", runID, runID)
			return ctx.Err()
		default:
		}

		result, err := orch.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintf(cmd.OutOrStdout(), "\nrun %s interrupted; resume with: sqrun resume --run %s\n", runID, runID)
				return err
			}
			return fmt.Errorf("run: step failed: %w", err)
		}

		logger.Info("phase step", "phase", string(result.Phase), "next", string(result.NextPhase), "success", result.Success, "cost", result.Cost)
		if result.Summary != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", result.Phase, result.Summary)
		}

		if result.Terminal {
			fmt.Fprintf(cmd.OutOrStdout(), "run %s complete\n", runID)
			return nil
		}
	}
}

// buildRunAgents constructs the single orchestrator-phase agent and the
// loop manager's build/review agents from the resolved config. The build
// and review agents default to the same named agent as the orchestrator
// phase agent unless the config defines dedicated "build"/"review"
// entries in [agents], letting a project route build work to one model
// and review work to another.
func buildRunAgents(agentCfgs map[string]config.AgentConfig, name string) (phase, build, review agent.Agent, err error) {
	registry := agent.NewRegistry()
	overrides := make(map[string]agent.Agent)
	for _, n := range []string{"claude", "codex", "gemini", "build", "review"} {
		c, ok := agentCfgs[n]
		if !ok {
			if n != name {
				continue
			}
			c = config.AgentConfig{}
		}
		a, buildErr := newConfiguredAgent(n, c)
		if buildErr != nil {
			return nil, nil, nil, buildErr
		}
		if a != nil {
			// The registry keys agents by Name() (claude, codex, gemini), so
			// the build/review entries are kept under their config key.
			if n == "build" || n == "review" {
				overrides[n] = a
				continue
			}
			if regErr := registry.Register(a); regErr != nil {
				return nil, nil, nil, fmt.Errorf("run: registering agent %q: %w", n, regErr)
			}
		}
	}

	phase, err = registry.Get(name)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("run: looking up agent %q: %w", name, err)
	}

	build = phase
	if b, ok := overrides["build"]; ok {
		build = b
	}
	review = phase
	if r, ok := overrides["review"]; ok {
		review = r
	}
	return phase, build, review, nil
}

// newConfiguredAgent constructs the concrete Agent backing one [agents.*]
// config entry, keyed by its CLI command (falling back to the config key
// name for the three well-known CLIs).
func newConfiguredAgent(name string, c config.AgentConfig) (agent.Agent, error) {
	kind := c.Command
	if kind == "" {
		kind = name
	}
	aCfg := agent.AgentConfig{
		Command:        c.Command,
		Model:          c.Model,
		Effort:         c.Effort,
		PromptTemplate: c.PromptTemplate,
		AllowedTools:   c.AllowedTools,
	}

	switch kind {
	case "claude":
		if aCfg.Command == "" {
			aCfg.Command = "claude"
		}
		return agent.NewClaudeAgent(aCfg, &agentDebugLogger{logger: logging.New("claude")}), nil
	case "codex":
		if aCfg.Command == "" {
			aCfg.Command = "codex"
		}
		return agent.NewCodexAgent(aCfg, &agentDebugLogger{logger: logging.New("codex")}), nil
	case "gemini":
		return agent.NewGeminiAgent(aCfg), nil
	default:
		return nil, nil
	}
}

// serveMetrics starts a /metrics endpoint backed by a fresh Prometheus
// registry and attaches it to gov, when addr is non-empty. The server runs
// for the lifetime of the process; a listen failure is logged, not fatal,
// since cost metrics are an observability add-on, not load-bearing.
func serveMetrics(addr string, gov *budget.Governor, logger interface {
	Info(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}) {
	if addr == "" {
		return
	}
	m := budget.NewMetrics()
	gov.SetMetrics(m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("serving cost metrics", "addr", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // internal diagnostics endpoint, not user-facing
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
