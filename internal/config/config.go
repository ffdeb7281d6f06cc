package config

// Config is the top-level configuration structure mapping to sqrun.toml.
type Config struct {
	Project   ProjectConfig             `toml:"project"`
	Agents    map[string]AgentConfig    `toml:"agents"`
	Review    ReviewConfig              `toml:"review"`
	Workflows map[string]WorkflowConfig `toml:"workflows"`
	Effort    map[string]EffortConfig   `toml:"effort"`
	Budget    BudgetConfig              `toml:"budget"`
}

// EffortConfig maps to an [effort.<low|medium|high|max>] section: the
// model tier and phase-transition/stuck/revision/cost parameters that
// tier drives the orchestrator and loop manager with, per spec.md §6's
// effort profile table.
type EffortConfig struct {
	Model                    string  `toml:"model"`
	ReviewAfterEnumerate     bool    `toml:"review_after_enumerate"`
	ReviewAfterPlan          bool    `toml:"review_after_plan"`
	ReviewInterval           int     `toml:"review_interval"`
	CheckpointReviewInterval int     `toml:"checkpoint_review_interval"` // 0 disables checkpoint reviews
	StuckThreshold           int     `toml:"stuck_threshold"`
	MaxRevisionAttempts      int     `toml:"max_revision_attempts"`
	PerLoopMaxUSD            float64 `toml:"per_loop_max_usd"`
	PerPhaseMaxUSD           float64 `toml:"per_phase_max_usd"`
	PerRunMaxUSD             float64 `toml:"per_run_max_usd"`
}

// BudgetConfig maps to the top-level [budget] section: run-wide cost
// ceiling overrides that take precedence over the selected effort tier's
// own limits when non-zero, for operators who want one run-total cap
// independent of which effort level is chosen.
type BudgetConfig struct {
	PerLoopMaxUSD  float64 `toml:"per_loop_max_usd"`
	PerPhaseMaxUSD float64 `toml:"per_phase_max_usd"`
	PerRunMaxUSD   float64 `toml:"per_run_max_usd"`
}

// Resolve overlays non-zero BudgetConfig overrides onto an effort tier's
// own cost limits, giving the explicit [budget] section precedence.
func (b BudgetConfig) Resolve(e EffortConfig) EffortConfig {
	resolved := e
	if b.PerLoopMaxUSD > 0 {
		resolved.PerLoopMaxUSD = b.PerLoopMaxUSD
	}
	if b.PerPhaseMaxUSD > 0 {
		resolved.PerPhaseMaxUSD = b.PerPhaseMaxUSD
	}
	if b.PerRunMaxUSD > 0 {
		resolved.PerRunMaxUSD = b.PerRunMaxUSD
	}
	return resolved
}

// ProjectConfig maps to the [project] section in sqrun.toml.
type ProjectConfig struct {
	Name                 string   `toml:"name"`
	Language             string   `toml:"language"`
	TasksDir             string   `toml:"tasks_dir"`
	TaskStateFile        string   `toml:"task_state_file"`
	PhasesConf           string   `toml:"phases_conf"`
	ProgressFile         string   `toml:"progress_file"`
	LogDir               string   `toml:"log_dir"`
	PromptDir            string   `toml:"prompt_dir"`
	BranchTemplate       string   `toml:"branch_template"`
	VerificationCommands []string `toml:"verification_commands"`
}

// AgentConfig maps to an [agents.<name>] section in sqrun.toml.
type AgentConfig struct {
	Command        string `toml:"command"`
	Model          string `toml:"model"`
	Effort         string `toml:"effort"`
	PromptTemplate string `toml:"prompt_template"`
	AllowedTools   string `toml:"allowed_tools"`
}

// ReviewConfig maps to the [review] section in sqrun.toml.
type ReviewConfig struct {
	Extensions       string `toml:"extensions"`
	RiskPatterns     string `toml:"risk_patterns"`
	PromptsDir       string `toml:"prompts_dir"`
	RulesDir         string `toml:"rules_dir"`
	ProjectBriefFile string `toml:"project_brief_file"`
}

// WorkflowConfig maps to a [workflows.<name>] section in sqrun.toml.
type WorkflowConfig struct {
	Description string                       `toml:"description"`
	Steps       []string                     `toml:"steps"`
	Transitions map[string]map[string]string `toml:"transitions"`
}
