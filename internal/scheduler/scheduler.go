// Package scheduler implements the FrequentScheduler (spec.md §4.6): a 1Hz
// tick loop that fires each configured named flow (Heartbeat, Authorize,
// Charge) on its own delay, skips a tick while the previous run of that
// flow is still in flight, and exits once every entry has exhausted its
// run count — joining any still-running task first. Grounded on
// device/simulator.py's loop_flow_frequent in the Python original.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/flow"
)

// Flow names a schedulable flow. Only the three named flows spec.md §4.6
// lists are schedulable; TriggerMessage/RemoteStart/etc. are inbound-only
// side effects wired through Orchestrator.RunWithDelay instead.
type Flow string

const (
	FlowHeartbeat Flow = "heartbeat"
	FlowAuthorize Flow = "authorize"
	FlowCharge    Flow = "charge"
)

// Entry is one frequent_flows[...] configuration (spec.md §6
// SimulationConfig.frequentFlows): run this flow every DelaySeconds ticks,
// up to Count times (Count < 0 means unbounded).
type Entry struct {
	Flow         Flow
	DelaySeconds int
	Count        int

	runLastTime int // tick index of the last run, -1 before the first run
	runCounter  int
}

// FrequentScheduler drives Entry against an Orchestrator on a 1-second
// tick, the Go equivalent of loop_flow_frequent's `await asyncio.sleep(1)`
// poll loop.
type FrequentScheduler struct {
	orch    *flow.Orchestrator
	entries []*Entry
	opts    *flow.Options
	log     zerolog.Logger
}

// New constructs a FrequentScheduler. opts is forwarded to every
// Authorize/Charge invocation, mirroring flow_charge_options in the Python
// original.
func New(orch *flow.Orchestrator, entries []Entry, opts *flow.Options, log zerolog.Logger) *FrequentScheduler {
	owned := make([]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		e.runLastTime = -1
		owned[i] = &e
	}
	return &FrequentScheduler{orch: orch, entries: owned, opts: opts, log: log}
}

// Run blocks until ctx is cancelled or every entry has exhausted its Count,
// in which case it first joins all in-flight tasks before returning.
func (s *FrequentScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	inFlight := make(map[Flow]chan struct{})
	timeLoop := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		timeLoop++

		for _, e := range s.entries {
			if done, running := inFlight[e.Flow]; running {
				select {
				case <-done:
					delete(inFlight, e.Flow)
				default:
					continue
				}
			}

			delaySeconds := e.DelaySeconds
			if delaySeconds <= 0 {
				delaySeconds = 60
			}
			due := e.runLastTime < 0 || timeLoop-e.runLastTime >= delaySeconds
			exhausted := e.Count >= 0 && e.runCounter >= e.Count
			if !due || exhausted {
				continue
			}

			done := make(chan struct{})
			inFlight[e.Flow] = done
			s.log.Info().Str("flow", string(e.Flow)).Int("tick", timeLoop).Msg("frequent flow started")
			s.orch.Spawn(string(e.Flow), s.runnerFor(ctx, e.Flow), done)

			e.runCounter++
			e.runLastTime = timeLoop
		}

		if s.allExhausted() {
			s.log.Info().Msg("no more frequent flow to run, waiting for in-flight tasks")
			for _, done := range inFlight {
				<-done
			}
			s.log.Info().Msg("no more frequent flow to run, exiting loop")
			return
		}
	}
}

func (s *FrequentScheduler) runnerFor(ctx context.Context, f Flow) func() bool {
	switch f {
	case FlowHeartbeat:
		return func() bool { return s.orch.Heartbeat(ctx) }
	case FlowAuthorize:
		return func() bool { return s.orch.Authorize(ctx, s.opts) }
	case FlowCharge:
		return func() bool { return s.orch.Charge(ctx, true, s.opts) }
	default:
		return func() bool { return false }
	}
}

func (s *FrequentScheduler) allExhausted() bool {
	for _, e := range s.entries {
		if e.Count < 0 || e.runCounter < e.Count {
			return false
		}
	}
	return true
}
