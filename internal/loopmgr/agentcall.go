package loopmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sqrun/sqrun/internal/agent"
	"github.com/sqrun/sqrun/internal/agentevents"
	"github.com/sqrun/sqrun/internal/stuck"
)

// agentCallOutcome is the result of invokeWithIdleMonitor: either the
// agent call's own result, or an idle timeout that preempted it.
type agentCallOutcome struct {
	Result    *agent.RunResult
	FinalText string
	CostUSD   float64
	Idle      bool
}

// invokeWithIdleMonitor runs one agent call as the winner of a race
// against an IdleMonitor seeded by every event the call's stream
// produces (spec.md §4.6). The loser is cancelled: an idle timeout
// cancels the in-flight agent call; a completed call stops the monitor.
func invokeWithIdleMonitor(ctx context.Context, ag agent.Agent, opts agent.RunOpts, idleTimeout time.Duration) (agentCallOutcome, error) {
	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := stuck.NewIdleMonitor(idleTimeout)
	demux := agentevents.New(monitorActivity{monitor})

	streamCh := make(chan agent.StreamEvent, 256)
	opts.StreamEvents = streamCh

	var costUSD float64
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for ev := range streamCh {
			if ev.Type == agent.StreamEventResult {
				costUSD = ev.CostUSD
			}
			for _, fe := range agentevents.FromStreamEvent(ev) {
				demux.Feed(fe)
			}
		}
	}()

	type runOutcome struct {
		result *agent.RunResult
		err    error
	}
	resultCh := make(chan runOutcome, 1)
	go func() {
		res, err := ag.Run(agentCtx, opts)
		close(streamCh)
		<-consumerDone
		resultCh <- runOutcome{res, err}
	}()

	idleErrCh := make(chan error, 1)
	go func() { idleErrCh <- monitor.Wait(ctx) }()

	select {
	case out := <-resultCh:
		monitor.Stop()
		<-idleErrCh
		if out.err != nil {
			return agentCallOutcome{}, fmt.Errorf("invoking agent: %w", out.err)
		}
		return agentCallOutcome{Result: out.result, FinalText: demux.FinalText(), CostUSD: costUSD}, nil

	case idleErr := <-idleErrCh:
		if errors.Is(idleErr, stuck.ErrIdleTimeout) {
			cancel()
			<-resultCh // drain the now-cancelled call
			return agentCallOutcome{Idle: true}, nil
		}
		// ctx itself was cancelled; propagate as a real error.
		cancel()
		<-resultCh
		return agentCallOutcome{}, fmt.Errorf("agent call cancelled: %w", idleErr)
	}
}

// monitorActivity adapts an IdleMonitor to agentevents.ActivityRecorder.
type monitorActivity struct {
	m *stuck.IdleMonitor
}

func (a monitorActivity) RecordActivity() { a.m.RecordActivity() }
