// Package stuck implements the Idle & Stuck Detector: an IdleMonitor that
// races an agent call's event stream against a fixed inactivity timeout,
// and the stuck-classification rules applied to a loop's stuck indicators
// after each iteration.
package stuck

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrIdleTimeout is returned by IdleMonitor.Wait when no activity was
// recorded within the configured timeout.
var ErrIdleTimeout = errors.New("stuck: idle timeout: no agent activity")

// IdleMonitor resolves with ErrIdleTimeout after a fixed inactivity period.
// Every event received from the Agent Runner resets the clock by calling
// RecordActivity. The loop's agent call runs as the winner of a race
// between the event-stream consumer and the monitor; the loser is
// cancelled when the race ends.
type IdleMonitor struct {
	timeout time.Duration

	mu     sync.Mutex
	reset  chan struct{}
	done   chan struct{}
	result error
	once   sync.Once
}

// NewIdleMonitor creates a monitor with the given inactivity timeout. The
// exact duration is implementation-defined configuration, not specified by
// content; callers pick it from the effort profile or a flag.
func NewIdleMonitor(timeout time.Duration) *IdleMonitor {
	return &IdleMonitor{
		timeout: timeout,
		reset:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// RecordActivity resets the inactivity clock. Safe to call concurrently and
// after the monitor has already fired (a no-op in that case).
func (m *IdleMonitor) RecordActivity() {
	select {
	case m.reset <- struct{}{}:
	default:
		// A pending reset is already queued; the timer loop will see it.
	}
}

// Wait blocks until either ctx is cancelled, the timeout elapses without an
// intervening RecordActivity, or Stop is called. Returns ErrIdleTimeout on
// timeout, ctx.Err() on cancellation, and nil on Stop.
func (m *IdleMonitor) Wait(ctx context.Context) error {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.finish(ctx.Err())
			return ctx.Err()
		case <-m.done:
			return m.result
		case <-m.reset:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(m.timeout)
		case <-timer.C:
			m.finish(ErrIdleTimeout)
			return ErrIdleTimeout
		}
	}
}

// Stop ends the race with no error, used when the event-stream consumer
// finishes normally and the monitor goroutine should be cancelled.
func (m *IdleMonitor) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *IdleMonitor) finish(err error) {
	m.mu.Lock()
	m.result = err
	m.mu.Unlock()
	m.once.Do(func() { close(m.done) })
}
