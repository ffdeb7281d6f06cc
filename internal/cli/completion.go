package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// completionCmd generates shell completion scripts for Sqrun.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for Sqrun.

To install completions:

  Bash (Linux):
    sqrun completion bash | sudo tee /etc/bash_completion.d/sqrun > /dev/null

  Bash (macOS with Homebrew):
    sqrun completion bash > $(brew --prefix)/etc/bash_completion.d/sqrun

  Zsh:
    sqrun completion zsh > "${fpath[1]}/_sqrun"
    # or
    sqrun completion zsh > ~/.zsh/completions/_sqrun

  Fish:
    sqrun completion fish > ~/.config/fish/completions/sqrun.fish

  PowerShell:
    sqrun completion powershell > sqrun.ps1
    # Then add ". sqrun.ps1" to your PowerShell profile`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		default:
			return fmt.Errorf("unsupported shell: %s", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
