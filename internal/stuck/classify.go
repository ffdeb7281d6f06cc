package stuck

import (
	"fmt"

	"github.com/sqrun/sqrun/internal/store"
)

// Reason classifies why a loop is considered stuck.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMaxIterations Reason = "MAX_ITERATIONS"
	ReasonRepeatedError Reason = "REPEATED_ERROR"
	ReasonNoProgress    Reason = "NO_PROGRESS"
)

// Verdict is the result of classifying a loop against its stuck
// indicators: a reason (ReasonNone when not stuck) and a human-readable
// detail string for the none-stuck case too, so callers can log why a
// loop is healthy as easily as why it is stuck.
type Verdict struct {
	Reason  Reason
	Details string
}

// Stuck reports whether this verdict represents a stuck loop.
func (v Verdict) Stuck() bool {
	return v.Reason != ReasonNone
}

// Classify applies the stuck-classification rules to a loop's current
// iteration and stuck indicators, given the effort profile's threshold T.
// Order matters: MAX_ITERATIONS is checked first, then REPEATED_ERROR,
// then NO_PROGRESS.
func Classify(iteration, maxIterations int, ind store.StuckIndicators, threshold int) Verdict {
	if iteration > maxIterations {
		return Verdict{
			Reason:  ReasonMaxIterations,
			Details: fmt.Sprintf("iteration %d exceeds max iterations %d", iteration, maxIterations),
		}
	}
	if ind.SameErrorCount >= threshold {
		return Verdict{
			Reason:  ReasonRepeatedError,
			Details: fmt.Sprintf("same error %d times: %s", ind.SameErrorCount, ind.LastError),
		}
	}
	noProgressSpan := iteration - ind.LastFileChangeIteration
	if ind.NoProgressCount >= threshold || noProgressSpan >= threshold+2 {
		return Verdict{
			Reason:  ReasonNoProgress,
			Details: fmt.Sprintf("no file changes in %d iterations", noProgressSpan),
		}
	}
	return Verdict{Reason: ReasonNone}
}

// UpdateIndicators applies one iteration's outcome to a loop's stuck
// indicators, per spec.md §4.6's "indicator updates each iteration" rule.
// errorMessage is empty when the iteration produced no error. filesChanged
// reflects the pre/post-iteration workspace snapshot comparison; an empty
// snapshot (no VCS) is treated as "changed" by the caller before this is
// invoked, to avoid false stuck detection.
func UpdateIndicators(prev store.StuckIndicators, iteration int, errorMessage string, filesChanged bool) store.StuckIndicators {
	next := prev

	if errorMessage != "" {
		if errorMessage == prev.LastError {
			next.SameErrorCount = prev.SameErrorCount + 1
		} else {
			next.SameErrorCount = 1
			next.LastError = errorMessage
		}
	} else {
		next.SameErrorCount = 0
		next.LastError = ""
	}

	if filesChanged {
		next.LastFileChangeIteration = iteration
		next.NoProgressCount = 0
	} else {
		next.NoProgressCount = prev.NoProgressCount + 1
	}

	return next
}
