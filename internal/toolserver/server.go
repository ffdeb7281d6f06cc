// Package toolserver exposes the Context Store as an MCP tool surface:
// the write_task/write_context/set_review_result/... tools spec.md §6
// names, backed directly by internal/store and internal/budget. Agents
// invoked by the orchestrator and loop manager talk to this server over
// stdio exactly like any other MCP tool server they're configured with.
package toolserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sqrun/sqrun/internal/budget"
	"github.com/sqrun/sqrun/internal/store"
)

// Server wraps one run's Context Store and Cost Governor as an MCP tool
// server. Every tool call is implicitly scoped to runID -- agents never
// pass a run id of their own, which would let a misbehaving agent read
// or write another run's state.
type Server struct {
	store    *store.Store
	governor *budget.Governor
	runID    string
	mcp      *server.MCPServer
}

// New builds a Server for one run and registers every tool.
func New(st *store.Store, gov *budget.Governor, runID string) *Server {
	s := &Server{
		store:    st,
		governor: gov,
		runID:    runID,
		mcp:      server.NewMCPServer("sqrun-context-store", "0.1.0"),
	}
	s.registerTools()
	return s
}

// Serve runs the server over stdio until ctx is cancelled or the
// transport closes.
func (s *Server) Serve(ctx context.Context) error {
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("toolserver: stdio transport: %w", err)
	}
	return nil
}

// arguments extracts the call's argument map. Tool schemas in this
// package are deliberately scalar-only (string/number/bool) rather than
// typed arrays, so every handler reads from the same flat map; list
// parameters (dependencies, task ids, conflict files) are passed as
// comma-separated strings and split by the handler.
func arguments(request mcp.CallToolRequest) map[string]any {
	if m, ok := request.Params.Arguments.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func argInt(args map[string]any, key string) int {
	return int(argFloat(args, key))
}

func argBool(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func textResult(format string, a ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(fmt.Sprintf(format, a...)), nil
}
