// Package budget implements the Cost Governor: three independent cost
// accumulators (per-run, per-phase, per-loop) and the breach checks the
// Phase Orchestrator and Loop Manager consult after every agent call.
package budget

import (
	"fmt"
	"sync"

	"github.com/sqrun/sqrun/internal/store"
)

// Limits is the set of USD ceilings a run operates under, selected by the
// run's effort profile.
type Limits struct {
	PerLoopMaxUSD  float64
	PerPhaseMaxUSD float64
	PerRunMaxUSD   float64
}

// Scope identifies which of the three independent accumulators a cost
// applies to when recording or checking a breach.
type Scope int

const (
	ScopeRun Scope = iota
	ScopePhase
	ScopeLoop
)

func (s Scope) String() string {
	switch s {
	case ScopeRun:
		return "run"
	case ScopePhase:
		return "phase"
	case ScopeLoop:
		return "loop"
	default:
		return "unknown"
	}
}

// Governor tracks accumulated cost for one run and reports limit breaches.
// The run-total and per-phase accumulators are read back from the Context
// Store (the durable source of truth); per-loop totals are cached here
// since breach checks happen on the hot path of every agent result and the
// governor is the only writer within a build step's barrier.
//
// Per spec.md's two-level budget accounting: the three counters are kept
// independent and never derived from one another.
type Governor struct {
	mu      sync.Mutex
	store   *store.Store
	runID   string
	limits  Limits
	metrics *Metrics

	loopCosts map[string]float64
}

// SetMetrics attaches a Prometheus metrics sink; every subsequent Record
// call updates its gauges in addition to the Context Store. Optional --
// a Governor with no metrics attached behaves exactly as before.
func (g *Governor) SetMetrics(m *Metrics) {
	g.metrics = m
}

// New creates a Governor for one run, bound to the Context Store that owns
// the durable run- and phase-cost accumulators.
func New(st *store.Store, runID string, limits Limits) *Governor {
	return &Governor{
		store:     st,
		runID:     runID,
		limits:    limits,
		loopCosts: make(map[string]float64),
	}
}

// Record adds delta to the run total, the given phase's accumulator, and
// (if loopID is non-empty) that loop's accumulator. It returns a Breach
// for every scope whose limit the new total meets or exceeds; an empty
// slice means no limit was breached.
func (g *Governor) Record(phase store.Phase, loopID string, delta float64) ([]Breach, error) {
	runTotal, err := g.store.AddRunCost(g.runID, delta)
	if err != nil {
		return nil, fmt.Errorf("budget: recording run cost: %w", err)
	}
	phaseTotal, err := g.store.RecordPhaseCost(g.runID, phase, delta)
	if err != nil {
		return nil, fmt.Errorf("budget: recording phase cost: %w", err)
	}

	var loopTotal float64
	if loopID != "" {
		g.mu.Lock()
		g.loopCosts[loopID] += delta
		loopTotal = g.loopCosts[loopID]
		g.mu.Unlock()
	}

	var breaches []Breach
	if g.limits.PerRunMaxUSD > 0 && runTotal >= g.limits.PerRunMaxUSD {
		breaches = append(breaches, Breach{Scope: ScopeRun, Spent: runTotal, Limit: g.limits.PerRunMaxUSD})
	}
	if g.limits.PerPhaseMaxUSD > 0 && phaseTotal >= g.limits.PerPhaseMaxUSD {
		breaches = append(breaches, Breach{Scope: ScopePhase, Phase: phase, Spent: phaseTotal, Limit: g.limits.PerPhaseMaxUSD})
	}
	if loopID != "" && g.limits.PerLoopMaxUSD > 0 && loopTotal >= g.limits.PerLoopMaxUSD {
		breaches = append(breaches, Breach{Scope: ScopeLoop, LoopID: loopID, Spent: loopTotal, Limit: g.limits.PerLoopMaxUSD})
	}

	if g.metrics != nil {
		g.metrics.observe(g.runID, string(phase), loopID, runTotal, phaseTotal, loopTotal)
		for _, b := range breaches {
			g.metrics.observeBreach(g.runID, b.Scope.String())
		}
	}

	return breaches, nil
}

// RunTotal reports the run's accumulated cost without recording anything.
func (g *Governor) RunTotal() (float64, error) {
	r, err := g.store.GetRun(g.runID)
	if err != nil {
		return 0, fmt.Errorf("budget: reading run total: %w", err)
	}
	if r == nil {
		return 0, fmt.Errorf("budget: run %q not found", g.runID)
	}
	return r.TotalCost, nil
}

// LoopTotal reports a loop's cached accumulated cost.
func (g *Governor) LoopTotal(loopID string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loopCosts[loopID]
}

// SeedLoopCost primes the in-memory loop accumulator from a durable value,
// used when the Loop Manager restores loops on resume.
func (g *Governor) SeedLoopCost(loopID string, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loopCosts[loopID] = cost
}

// Breach describes one accumulator meeting or exceeding its limit.
type Breach struct {
	Scope  Scope
	Phase  store.Phase // set when Scope == ScopePhase
	LoopID string      // set when Scope == ScopeLoop
	Spent  float64
	Limit  float64
}

// Error implements the error interface so a Breach can be returned or
// wrapped directly by callers that want to fail fast.
func (b Breach) Error() string {
	return formatCostExceededError(b)
}

// formatCostExceededError renders a human-readable message for a cost
// breach, per spec.md §4.8.
func formatCostExceededError(b Breach) string {
	switch b.Scope {
	case ScopeRun:
		return fmt.Sprintf("run cost limit exceeded: spent $%.2f of $%.2f", b.Spent, b.Limit)
	case ScopePhase:
		return fmt.Sprintf("phase %q cost limit exceeded: spent $%.2f of $%.2f", b.Phase, b.Spent, b.Limit)
	case ScopeLoop:
		return fmt.Sprintf("loop %q cost limit exceeded: spent $%.2f of $%.2f", b.LoopID, b.Spent, b.Limit)
	default:
		return fmt.Sprintf("cost limit exceeded: spent $%.2f of $%.2f", b.Spent, b.Limit)
	}
}

// BreachForScope returns the first breach matching scope, or false if none
// of the given scope is present. Callers use this to decide which
// remediation applies: run breach completes the run, phase breach fails
// the phase and its active loops, loop breach fails only that loop.
func BreachForScope(breaches []Breach, scope Scope) (Breach, bool) {
	for _, b := range breaches {
		if b.Scope == scope {
			return b, true
		}
	}
	return Breach{}, false
}
