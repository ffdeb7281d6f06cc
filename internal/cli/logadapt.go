package cli

// charmLogger is the minimal interface satisfied by *charmbracelet/log.Logger.
// It uses interface{} for the message argument, unlike the string-typed
// interfaces required by internal packages.
type charmLogger interface {
	Info(msg interface{}, kv ...interface{})
	Debug(msg interface{}, kv ...interface{})
	Error(msg interface{}, kv ...interface{})
}

// runnerLogger wraps a charmbracelet/log.Logger to satisfy the string-typed
// Logger interfaces required by internal/loopmgr, internal/orchestrator,
// and the metrics server, which all take Info(msg string, ...) rather than
// interface{}.
type runnerLogger struct {
	logger charmLogger
}

func (l *runnerLogger) Info(msg string, kv ...interface{}) {
	l.logger.Info(msg, kv...)
}

func (l *runnerLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kv...)
}

func (l *runnerLogger) Error(msg string, kv ...interface{}) {
	l.logger.Error(msg, kv...)
}

// agentDebugLogger wraps a charmbracelet/log.Logger to satisfy the agent
// package's unexported claudeLogger and codexLogger interfaces, which require
// Debug(msg string, ...).
type agentDebugLogger struct {
	logger charmLogger
}

func (l *agentDebugLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kv...)
}
