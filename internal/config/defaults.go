package config

// NewDefaults returns a Config populated with all default values.
// These defaults match the PRD-specified defaults for a Go CLI project.
func NewDefaults() *Config {
	return &Config{
		Project: ProjectConfig{
			TasksDir:       "docs/tasks",
			TaskStateFile:  "docs/tasks/task-state.conf",
			PhasesConf:     "docs/tasks/phases.conf",
			ProgressFile:   "docs/tasks/PROGRESS.md",
			LogDir:         "scripts/logs",
			PromptDir:      "prompts",
			BranchTemplate: "phase/{phase_id}-{slug}",
		},
		Agents:    map[string]AgentConfig{},
		Workflows: map[string]WorkflowConfig{},
		Effort:    defaultEffortProfiles(),
	}
}

// defaultEffortProfiles hardcodes spec.md §6's abridged effort profile
// table: reviewAfterEnum, reviewAfterPlan, reviewInterval,
// checkpointInterval, stuckThreshold, maxRevisionAttempts, and the
// per-loop/phase/run USD caps, one row per tier.
func defaultEffortProfiles() map[string]EffortConfig {
	return map[string]EffortConfig{
		"low": {
			Model:                    "claude-haiku-4-5",
			ReviewAfterEnumerate:     false,
			ReviewAfterPlan:          false,
			ReviewInterval:           10,
			CheckpointReviewInterval: 0,
			StuckThreshold:           5,
			MaxRevisionAttempts:      2,
			PerLoopMaxUSD:            3,
			PerPhaseMaxUSD:           8,
			PerRunMaxUSD:             15,
		},
		"medium": {
			Model:                    "claude-sonnet-4-5",
			ReviewAfterEnumerate:     false,
			ReviewAfterPlan:          true,
			ReviewInterval:           5,
			CheckpointReviewInterval: 5,
			StuckThreshold:           4,
			MaxRevisionAttempts:      3,
			PerLoopMaxUSD:            2,
			PerPhaseMaxUSD:           5,
			PerRunMaxUSD:             15,
		},
		"high": {
			Model:                    "claude-sonnet-4-5",
			ReviewAfterEnumerate:     true,
			ReviewAfterPlan:          true,
			ReviewInterval:           3,
			CheckpointReviewInterval: 3,
			StuckThreshold:           3,
			MaxRevisionAttempts:      4,
			PerLoopMaxUSD:            5,
			PerPhaseMaxUSD:           10,
			PerRunMaxUSD:             30,
		},
		"max": {
			Model:                    "claude-opus-4-6",
			ReviewAfterEnumerate:     true,
			ReviewAfterPlan:          true,
			ReviewInterval:           1,
			CheckpointReviewInterval: 1,
			StuckThreshold:           2,
			MaxRevisionAttempts:      5,
			PerLoopMaxUSD:            10,
			PerPhaseMaxUSD:           25,
			PerRunMaxUSD:             100,
		},
	}
}
