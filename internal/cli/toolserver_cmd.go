package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sqrun/sqrun/internal/budget"
	"github.com/sqrun/sqrun/internal/config"
	"github.com/sqrun/sqrun/internal/store"
	"github.com/sqrun/sqrun/internal/toolserver"
)

// newToolServerCmd creates the hidden "sqrun mcp-tool-server" command: the
// stdio MCP server agent CLIs are configured to spawn as their tool
// provider. It is not meant to be run by a human directly -- "sqrun run"
// and "sqrun resume" arrange for agent subprocesses to launch it with
// --run already filled in.
func newToolServerCmd() *cobra.Command {
	var (
		runID    string
		stateDir string
	)

	cmd := &cobra.Command{
		Use:    "mcp-tool-server",
		Short:  "Serve the context store as an MCP tool server over stdio",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("mcp-tool-server: --run is required")
			}
			st, err := store.Open(stateDir)
			if err != nil {
				return fmt.Errorf("mcp-tool-server: opening context store: %w", err)
			}
			defer st.Close()

			run, err := st.GetRun(runID)
			if err != nil {
				return fmt.Errorf("mcp-tool-server: loading run %q: %w", runID, err)
			}

			resolved, _, err := loadAndResolveConfig()
			if err != nil {
				return err
			}
			effortCfg, ok := resolved.Config.EffortProfile(string(run.Effort))
			if !ok {
				effortCfg, _ = config.NewDefaults().EffortProfile("medium")
			}

			gov := budget.New(st, run.ID, budget.Limits{
				PerLoopMaxUSD:  effortCfg.PerLoopMaxUSD,
				PerPhaseMaxUSD: effortCfg.PerPhaseMaxUSD,
				PerRunMaxUSD:   effortCfg.PerRunMaxUSD,
			})

			srv := toolserver.New(st, gov, run.ID)
			return srv.Serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run id to scope this tool server to (required)")
	cmd.Flags().StringVar(&stateDir, "state-dir", defaultStateDir, "Directory holding the run's context store")

	return cmd
}

func init() {
	rootCmd.AddCommand(newToolServerCmd())
}
