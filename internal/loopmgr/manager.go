// Package loopmgr implements the Loop Manager: the lifecycle of loops
// (create, restart interrupted, advance iteration, track per-loop review
// state and revision attempts) and the concurrent build step that drives
// every active loop through one iteration per call.
package loopmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/sqrun/sqrun/internal/agent"
	"github.com/sqrun/sqrun/internal/budget"
	"github.com/sqrun/sqrun/internal/store"
	"github.com/sqrun/sqrun/internal/workspace"
)

// Logger is the subset of charmbracelet/log's interface the teacher's
// components depend on.
type Logger interface {
	Info(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
}

// BuildPromptFunc renders the BUILD template for one loop iteration.
// reviewIssues is pre-filtered to entries where TaskID matches t.ID or is
// empty (cross-task concerns), per spec.md §4.3.f.
type BuildPromptFunc func(t store.Task, iteration int, reviewIssues []store.ContextEntry) (string, error)

// ReviewPromptFunc renders the per-loop (or checkpoint, when t is the
// zero value) review prompt.
type ReviewPromptFunc func(t store.Task, otherLoops []LoopSummary) (string, error)

// LoopSummary is the "other loops" view a review prompt is given: id
// prefix, status, and the titles of the tasks it drives.
type LoopSummary struct {
	IDPrefix string
	Status   store.LoopStatus
	Titles   []string
}

// Config bounds the Loop Manager's behavior.
type Config struct {
	MaxLoops                 int
	MaxIterationsPerLoop      int
	ReviewInterval            int
	MaxRevisionAttempts       int
	CheckpointReviewInterval  int // 0 disables checkpoint reviews
	StuckThreshold            int
	IdleTimeout               time.Duration
	PerLoopMaxUSD             float64
	PerPhaseMaxUSD            float64
	Model                     string
	Effort                    string
	AllowedTools              string
}

// Manager owns every loop for one run.
type Manager struct {
	store     *store.Store
	runID     string
	workspace *workspace.Manager // nil when the run does not use worktrees
	governor  *budget.Governor

	buildAgent  agent.Agent
	reviewAgent agent.Agent

	buildPrompt  BuildPromptFunc
	reviewPrompt ReviewPromptFunc

	cfg    Config
	logger Logger
}

// New creates a Loop Manager for one run. ws may be nil when the run
// does not isolate loops into worktrees (spec.md's workspace manager is
// then a no-op and merges apply directly to the task's completion).
func New(
	st *store.Store,
	runID string,
	ws *workspace.Manager,
	gov *budget.Governor,
	buildAgent, reviewAgent agent.Agent,
	cfg Config,
	buildPrompt BuildPromptFunc,
	reviewPrompt ReviewPromptFunc,
	logger Logger,
) *Manager {
	return &Manager{
		store:        st,
		runID:        runID,
		workspace:    ws,
		governor:     gov,
		buildAgent:   buildAgent,
		reviewAgent:  reviewAgent,
		buildPrompt:  buildPrompt,
		reviewPrompt: reviewPrompt,
		cfg:          cfg,
		logger:       logger,
	}
}

// CanSpawnMore reports whether the run is under its max-loops capacity
// gate: total (running + pending + interrupted) loops.
func (m *Manager) CanSpawnMore() (bool, error) {
	loops, err := m.store.ListLoopsByStatus(m.runID, store.LoopRunning, store.LoopPending, store.LoopInterrupted)
	if err != nil {
		return false, fmt.Errorf("loopmgr: counting active loops: %w", err)
	}
	return len(loops) < m.cfg.MaxLoops, nil
}

// Create allocates a loop id, optionally creates a worktree, persists the
// row, and assigns each task to it. Returns an error if the capacity gate
// is already exhausted.
func (m *Manager) Create(ctx context.Context, taskIDs []string, phase store.Phase) (*store.Loop, error) {
	ok, err := m.CanSpawnMore()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("loopmgr: at max-loops capacity (%d)", m.cfg.MaxLoops)
	}

	loop := store.Loop{
		RunID:          m.runID,
		TaskIDs:        taskIDs,
		MaxIterations:  m.cfg.MaxIterationsPerLoop,
		ReviewInterval: m.cfg.ReviewInterval,
		Phase:          phase,
		Status:         store.LoopPending,
	}

	created, err := m.store.CreateLoop(loop)
	if err != nil {
		return nil, fmt.Errorf("loopmgr: creating loop: %w", err)
	}

	if m.workspace != nil {
		worktreePath, branch, err := m.workspace.Create(ctx, created.ID)
		if err != nil {
			return nil, fmt.Errorf("loopmgr: creating worktree for loop %q: %w", created.ID, err)
		}
		created.WorktreePath = worktreePath
		created.Branch = branch
		if err := m.store.RestoreLoop(*created); err != nil {
			return nil, fmt.Errorf("loopmgr: persisting worktree for loop %q: %w", created.ID, err)
		}
	}

	for _, taskID := range taskIDs {
		if err := m.store.AssignLoop(taskID, created.ID); err != nil {
			return nil, fmt.Errorf("loopmgr: assigning loop %q to task %q: %w", created.ID, taskID, err)
		}
	}

	if m.governor != nil {
		m.governor.SeedLoopCost(created.ID, 0)
	}

	return created, nil
}

// GetActive returns every running loop.
func (m *Manager) GetActive() ([]store.Loop, error) {
	return m.store.ListLoopsByStatus(m.runID, store.LoopRunning)
}

// GetPending returns every pending loop.
func (m *Manager) GetPending() ([]store.Loop, error) {
	return m.store.ListLoopsByStatus(m.runID, store.LoopPending)
}

// GetInterrupted returns every interrupted loop.
func (m *Manager) GetInterrupted() ([]store.Loop, error) {
	return m.store.ListLoopsByStatus(m.runID, store.LoopInterrupted)
}

// GetAll returns every loop for the run regardless of status.
func (m *Manager) GetAll() ([]store.Loop, error) {
	return m.store.ListLoops(m.runID)
}

// UpdateStatus sets a loop's status; idempotent.
func (m *Manager) UpdateStatus(id string, status store.LoopStatus) error {
	return m.store.UpdateLoopStatus(id, status)
}

// IncrementIteration bumps a loop's iteration counter and returns the new
// value.
func (m *Manager) IncrementIteration(id string) (int, error) {
	return m.store.IncrementIteration(id)
}

// NeedsReview reports whether l is due a per-loop review: iteration minus
// the iteration of its last review is at least its configured interval.
func (m *Manager) NeedsReview(l store.Loop) bool {
	if l.ReviewInterval <= 0 {
		return false
	}
	return l.Iteration-l.LastReviewAt >= l.ReviewInterval
}

// MarkReviewed records that l was reviewed at the given iteration.
func (m *Manager) MarkReviewed(id string, atIteration int) error {
	return m.store.MarkReviewed(id, atIteration)
}

// UpdateLastActivity stamps a loop's last-activity time to now.
func (m *Manager) UpdateLastActivity(id string) error {
	return m.store.UpdateLastActivity(id)
}

// Restore reinserts a loop row loaded from storage, used on resume.
func (m *Manager) Restore(l store.Loop) error {
	return m.store.RestoreLoop(l)
}

// UpdateReviewStatus sets a loop's per-task review status.
func (m *Manager) UpdateReviewStatus(id string, status store.ReviewStatus) error {
	return m.store.UpdateReviewStatus(id, status)
}

// IncrementRevisionAttempts bumps a loop's revision-attempt counter and
// returns the new value.
func (m *Manager) IncrementRevisionAttempts(id string) (int, error) {
	return m.store.IncrementRevisionAttempts(id)
}

// ResetRevisionAttempts zeroes a loop's revision-attempt counter.
func (m *Manager) ResetRevisionAttempts(id string) error {
	return m.store.ResetRevisionAttempts(id)
}

// MarkCheckpointReviewed records that l had a checkpoint review at the
// given iteration.
func (m *Manager) MarkCheckpointReviewed(id string, atIteration int) error {
	return m.store.MarkCheckpointReviewed(id, atIteration)
}

// HasExceededMaxRevisions reports whether attempts has reached the
// configured revision-attempt ceiling.
func (m *Manager) HasExceededMaxRevisions(attempts int) bool {
	return m.cfg.MaxRevisionAttempts > 0 && attempts >= m.cfg.MaxRevisionAttempts
}
