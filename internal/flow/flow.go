// Package flow implements the FlowOrchestrator (spec.md §4.5, component
// C5): it sequences the named flows (flow_charge, flow_authorize,
// flow_heartbeat) a Device exposes, runs the shared chargeOngoingLoop
// template (scripted vs periodic meter-value modes), and wraps every
// spawned flow task so a panic surfaces as an UnknownException ErrorEvent
// rather than crashing the scheduler. Grounded on device/abstract.py's
// flow_charge_ongoing_loop and on each dialect's flow_charge in the Python
// original — sequencing differs per dialect (spec.md §4.5 dialect
// variations), so FlowCharge itself stays a Device method; this package
// owns only what is genuinely shared.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
)

// ScriptedMeterValue is one entry of the scripted chargeOngoingLoop mode
// (spec.md §4.5): sleep, then emit exactly this meter value/timestamp
// pair.
type ScriptedMeterValue struct {
	MeterValue     int64
	Timestamp      time.Time
	SecondsToSleep int
}

// Options carries the opaque flow_charge_options forwarded from the
// YAML simulation config (spec.md §6), plus the fields every dialect's
// flow_charge consults.
type Options struct {
	IDTag                             string
	ConnectorID                       int
	EVSEID                            int
	ChargedWhPerMinute                int64
	MeterStart                        int64
	ChargeStartTime                   time.Time
	MeterStop                         int64
	ChargeStopTime                    time.Time
	IsRemoteStarted                   bool
	AutoActionsLoopDisableMeterValues bool
	ScriptedMeterValues               []ScriptedMeterValue

	// MeterValueOverride/TimestampOverride pin one MeterValues/
	// TransactionEvent(Updated) emission to an exact value instead of the
	// device's running meterNow() computation — used by scripted mode.
	MeterValueOverride *int64
	TimestampOverride  *time.Time

	// OngoingLoopInterval/OngoingLoopFinalDelay override the periodic
	// mode's tick interval (default 15s) and post-loop settle delay
	// (default 5s). Zero means "use the default" — production callers
	// never set these; tests shorten them to exercise a RemoteStop
	// against a live FlowCharge without a multi-second sleep.
	OngoingLoopInterval   time.Duration
	OngoingLoopFinalDelay time.Duration
}

// OngoingActionsDevice is what RunOngoingLoop needs from a Device to drive
// the periodic/scripted chargeOngoingLoop (spec.md §4.5), independent of
// wire dialect.
type OngoingActionsDevice interface {
	Session() *session.Session
	// EmitScriptedMeterValue sends exactly one MeterValue/TransactionEvent
	// pinned to meterValue/timestamp (scripted mode).
	EmitScriptedMeterValue(ctx context.Context, meterValue int64, timestamp time.Time) bool
	// ChargeOngoingActions sends a MeterValue + status ping (periodic
	// mode), or just the status ping if
	// AutoActionsLoopDisableMeterValues is set.
	ChargeOngoingActions(ctx context.Context, opts *Options) bool
}

// RunOngoingLoop implements chargeOngoingLoop (spec.md §4.5). It blocks
// the calling flow task, so callers always invoke it from a dedicated
// goroutine (see Orchestrator.Spawn).
func RunOngoingLoop(ctx context.Context, d OngoingActionsDevice, autoStop bool, opts *Options) bool {
	if len(opts.ScriptedMeterValues) > 0 {
		for _, step := range opts.ScriptedMeterValues {
			if !sleepCtx(ctx, time.Duration(step.SecondsToSleep)*time.Second) {
				return false
			}
			if !d.EmitScriptedMeterValue(ctx, step.MeterValue, step.Timestamp) {
				return false
			}
		}
		return true
	}

	interval := opts.OngoingLoopInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	finalDelay := opts.OngoingLoopFinalDelay
	if finalDelay <= 0 {
		finalDelay = 5 * time.Second
	}

	counter := 0
	for d.Session().Charging() {
		if !sleepCtx(ctx, interval) {
			return false
		}
		counter++
		if !d.ChargeOngoingActions(ctx, opts) {
			return false
		}
		if autoStop && counter >= 5 {
			break
		}
	}
	sleepCtx(ctx, finalDelay)
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// FlowDevice is the set of named flows a FrequentScheduler entry or an
// inbound server request can trigger (spec.md §4.5/§4.6).
type FlowDevice interface {
	FlowHeartbeat(ctx context.Context) bool
	FlowAuthorize(ctx context.Context, opts *Options) bool
	FlowCharge(ctx context.Context, autoStop bool, opts *Options) bool
}

// Orchestrator wraps a FlowDevice so every invocation — whether from the
// FrequentScheduler's tick loop or from a delayed inbound-request side
// effect (RemoteStart, Reset, Ensto's scmd triggers) — runs with the same
// panic-to-ErrorEvent trapping (spec.md §4.6 "Error trapping").
type Orchestrator struct {
	device FlowDevice
	emit   func(errevent.Event)
}

func NewOrchestrator(device FlowDevice, emit func(errevent.Event)) *Orchestrator {
	return &Orchestrator{device: device, emit: emit}
}

// Spawn runs fn in its own goroutine, converting any panic into an
// UnknownException ErrorEvent instead of crashing the process (spec.md
// §4.6). done, if non-nil, is closed once fn returns or panics, letting
// callers (the scheduler) join in-flight tasks before exiting.
func (o *Orchestrator) Spawn(name string, fn func() bool, done chan<- struct{}) {
	go func() {
		if done != nil {
			defer close(done)
		}
		defer func() {
			if r := recover(); r != nil {
				o.emit(errevent.Event{
					Kind:        errevent.KindUnknownException,
					Description: fmt.Sprintf("flow %s panicked: %v", name, r),
				})
			}
		}()
		fn()
	}()
}

// Heartbeat runs flow_heartbeat synchronously.
func (o *Orchestrator) Heartbeat(ctx context.Context) bool {
	return o.device.FlowHeartbeat(ctx)
}

// Authorize runs flow_authorize synchronously.
func (o *Orchestrator) Authorize(ctx context.Context, opts *Options) bool {
	return o.device.FlowAuthorize(ctx, opts)
}

// Charge runs flow_charge synchronously.
func (o *Orchestrator) Charge(ctx context.Context, autoStop bool, opts *Options) bool {
	return o.device.FlowCharge(ctx, autoStop, opts)
}

// RunWithDelay schedules fn (typically o.Charge/Authorize wrapped as a
// bool closure) to run after d, trapped the same way as Spawn — grounded
// on device/utility.py's run_with_delay, used by the RemoteStart/Reset/
// TriggerMessage inbound side effects (spec.md §4.4).
func (o *Orchestrator) RunWithDelay(ctx context.Context, name string, d time.Duration, fn func() bool) {
	o.Spawn(name, func() bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return fn()
		case <-ctx.Done():
			return false
		}
	}, nil)
}
