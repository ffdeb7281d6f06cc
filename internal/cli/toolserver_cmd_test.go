package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewToolServerCmd_Registration(t *testing.T) {
	cmd := newToolServerCmd()
	assert.Equal(t, "mcp-tool-server", cmd.Use)
	assert.True(t, cmd.Hidden, "mcp-tool-server is an internal command, not meant for direct human use")
	assert.NotNil(t, cmd.Flags().Lookup("run"))
	assert.NotNil(t, cmd.Flags().Lookup("state-dir"))
}

func TestNewToolServerCmd_RequiresRunFlag(t *testing.T) {
	cmd := newToolServerCmd()
	cmd.SetArgs([]string{})
	err := cmd.RunE(cmd, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "--run is required")
}

func TestToolServerCmdRegisteredOnRoot(t *testing.T) {
	found := false
	for _, sub := range rootCmd.Commands() {
		if sub.Use == "mcp-tool-server" {
			found = true
			break
		}
	}
	assert.True(t, found, "mcp-tool-server command should be registered as a subcommand of root")
}
