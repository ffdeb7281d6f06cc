package store

import "time"

// Effort selects the model tier, review cadence, and cost caps a run
// operates under. See internal/config for the concrete effort table.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
	EffortMax    Effort = "max"
)

// Phase is a state of the orchestrator's state machine.
type Phase string

const (
	PhaseAnalyze   Phase = "analyze"
	PhaseEnumerate Phase = "enumerate"
	PhasePlan      Phase = "plan"
	PhaseBuild     Phase = "build"
	PhaseReview    Phase = "review"
	PhaseRevise    Phase = "revise"
	PhaseConflict  Phase = "conflict"
	PhaseComplete  Phase = "complete"
)

// TriState models a boolean that may also be "unknown" -- used for fields
// the spec requires to default to unknown rather than false when absent
// (e.g. intentSatisfied).
type TriState string

const (
	TriUnknown TriState = ""
	TriTrue    TriState = "true"
	TriFalse   TriState = "false"
)

// Run represents one orchestrator invocation.
type Run struct {
	ID                string
	SpecPath          string
	Effort            Effort
	Phase             Phase
	PendingReview     bool
	ReviewType        string
	RevisionCount     int
	MaxLoops          int
	MaxIterations     int
	TotalCost         float64
	BaseBranch        string
	UseWorktrees      bool
	InterpretedIntent string
	IntentSatisfied   TriState
	WasEmptyProject   TriState
	CodebaseAnalysis  string // structured, stored as JSON text; optional
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of work enumerated from the spec.
type Task struct {
	ID                 string
	RunID              string
	Title              string
	Description        string
	Status             TaskStatus
	Dependencies       []string
	EstimatedIterations int
	AssignedLoopID     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PlanGroup is an ordered parallel batch of tasks; group GroupIndex's
// tasks may only depend on tasks in groups with a lower index.
type PlanGroup struct {
	RunID      string
	GroupIndex int
	TaskIDs    []string
}

// LoopStatus is the lifecycle status of a Loop.
type LoopStatus string

const (
	LoopPending     LoopStatus = "pending"
	LoopRunning     LoopStatus = "running"
	LoopStuck       LoopStatus = "stuck"
	LoopCompleted   LoopStatus = "completed"
	LoopFailed      LoopStatus = "failed"
	LoopInterrupted LoopStatus = "interrupted"
)

// ReviewStatus is the per-loop review lifecycle status.
type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "pending"
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewPassed     ReviewStatus = "passed"
	ReviewFailed     ReviewStatus = "failed"
)

// StuckIndicators tracks the raw counters the Idle & Stuck Detector
// classifies against a threshold. See internal/stuck.
type StuckIndicators struct {
	SameErrorCount        int
	NoProgressCount       int
	LastError             string
	LastFileChangeIteration int
}

// Loop is a single worker driving one or more tasks through iterations.
type Loop struct {
	ID                     string
	RunID                  string
	TaskIDs                []string
	Iteration              int
	MaxIterations          int
	ReviewInterval         int
	LastReviewAt           int
	Status                 LoopStatus
	StuckIndicators        StuckIndicators
	LastActivityAt         time.Time
	Cost                   float64
	WorktreePath           string
	Branch                 string
	Phase                  Phase
	ReviewStatus           ReviewStatus
	LastReviewID           string
	RevisionAttempts       int
	LastCheckpointReviewAt int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PhaseHistoryEntry is an append-only record of one orchestrator phase
// invocation.
type PhaseHistoryEntry struct {
	ID        string
	RunID     string
	Phase     Phase
	Success   bool
	Summary   string
	Cost      float64
	Timestamp time.Time
}

// PhaseCost is the accumulated cost for (run, phase); unique on the
// composite key.
type PhaseCost struct {
	RunID string
	Phase Phase
	Cost  float64
}

// ContextEntryType discriminates the kind of note an agent or the core
// itself recorded against a run.
type ContextEntryType string

const (
	ContextDiscovery        ContextEntryType = "discovery"
	ContextError             ContextEntryType = "error"
	ContextDecision          ContextEntryType = "decision"
	ContextReviewIssue       ContextEntryType = "review_issue"
	ContextScratchpad        ContextEntryType = "scratchpad"
	ContextCodebaseAnalysis  ContextEntryType = "codebase_analysis"
)

// ContextEntry is a typed note written by an agent (or the core) against
// a run, optionally scoped to a task, loop, and file/line.
type ContextEntry struct {
	ID        string
	RunID     string
	Type      ContextEntryType
	Content   string
	TaskID    string
	LoopID    string
	File      string
	Line      int
	CreatedAt time.Time
}

// ReviewIssueType classifies a single review_issue context entry.
type ReviewIssueType string

const (
	IssueOverEngineering       ReviewIssueType = "over-engineering"
	IssueMissingErrorHandling  ReviewIssueType = "missing-error-handling"
	IssuePatternViolation      ReviewIssueType = "pattern-violation"
	IssueDeadCode              ReviewIssueType = "dead-code"
	IssueSpecIntentMismatch    ReviewIssueType = "spec-intent-mismatch"
	IssueArchitectureConcern   ReviewIssueType = "architecture-concern"
)

// ReviewIssue is the structured payload of a review_issue ContextEntry,
// as submitted by set_loop_review_result.
type ReviewIssue struct {
	File        string
	Line        int
	Type        ReviewIssueType
	Description string
	Suggestion  string
}

// LoopReview is a single review record -- per-task when TaskID is set,
// or a checkpoint review (not tied to task completion) when absent.
type LoopReview struct {
	ID                string
	RunID             string
	LoopID            string
	TaskID            string
	Passed            bool
	InterpretedIntent string
	IntentSatisfied   TriState
	ReviewedAt        time.Time
	Cost              float64
	Issues            []ReviewIssue
}

// PendingConflict is a merge conflict recorded by the build phase and
// consumed by the conflict phase.
type PendingConflict struct {
	ID            string
	RunID         string
	LoopID        string
	TaskID        string
	ConflictFiles []string
	CreatedAt     time.Time
}

// CostLimits are the three independent budget accumulator ceilings.
type CostLimits struct {
	PerLoopMaxUSD float64
	PerPhaseMaxUSD float64
	PerRunMaxUSD  float64
}
