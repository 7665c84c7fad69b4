package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
)

type fakeOngoingDevice struct {
	sess            *session.Session
	scriptedCalls   []int64
	ongoingCalls    int
	failChargeAfter int
}

func (f *fakeOngoingDevice) Session() *session.Session { return f.sess }

func (f *fakeOngoingDevice) EmitScriptedMeterValue(ctx context.Context, meterValue int64, timestamp time.Time) bool {
	f.scriptedCalls = append(f.scriptedCalls, meterValue)
	return true
}

func (f *fakeOngoingDevice) ChargeOngoingActions(ctx context.Context, opts *Options) bool {
	f.ongoingCalls++
	if f.failChargeAfter > 0 && f.ongoingCalls >= f.failChargeAfter {
		return false
	}
	return true
}

func TestRunOngoingLoop_ScriptedModeEmitsEachStepInOrder(t *testing.T) {
	dev := &fakeOngoingDevice{sess: &session.Session{}}
	opts := &Options{
		ScriptedMeterValues: []ScriptedMeterValue{
			{MeterValue: 100, SecondsToSleep: 0},
			{MeterValue: 200, SecondsToSleep: 0},
			{MeterValue: 300, SecondsToSleep: 0},
		},
	}

	ok := RunOngoingLoop(context.Background(), dev, false, opts)
	assert.True(t, ok)
	assert.Equal(t, []int64{100, 200, 300}, dev.scriptedCalls)
	assert.Zero(t, dev.ongoingCalls)
}

func TestRunOngoingLoop_ScriptedModeStopsOnCtxCancel(t *testing.T) {
	dev := &fakeOngoingDevice{sess: &session.Session{}}
	opts := &Options{
		ScriptedMeterValues: []ScriptedMeterValue{
			{MeterValue: 100, SecondsToSleep: 10},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := RunOngoingLoop(ctx, dev, false, opts)
	assert.False(t, ok)
	assert.Empty(t, dev.scriptedCalls)
}

func TestRunOngoingLoop_PeriodicModeStopsWhenSessionEnds(t *testing.T) {
	sess := &session.Session{}
	dev := &fakeOngoingDevice{sess: sess}

	// Charging() is false on a zero-value Session, so the periodic loop
	// exits immediately without ever calling ChargeOngoingActions.
	ok := RunOngoingLoop(context.Background(), dev, false, &Options{})
	assert.True(t, ok)
	assert.Zero(t, dev.ongoingCalls)
}

func TestOrchestrator_HeartbeatAuthorizeChargeDelegateToDevice(t *testing.T) {
	dev := &recordingFlowDevice{}
	o := NewOrchestrator(dev, func(errevent.Event) {})

	assert.True(t, o.Heartbeat(context.Background()))
	assert.True(t, o.Authorize(context.Background(), &Options{IDTag: "TAG1"}))
	assert.True(t, o.Charge(context.Background(), true, &Options{}))

	assert.Equal(t, 1, dev.heartbeats)
	assert.Equal(t, "TAG1", dev.lastIDTag)
	assert.True(t, dev.lastAutoStop)
}

func TestOrchestrator_Spawn_RecoversPanicAsUnknownException(t *testing.T) {
	var captured errevent.Event
	done := make(chan struct{})
	o := NewOrchestrator(&recordingFlowDevice{}, func(ev errevent.Event) { captured = ev })

	o.Spawn("flow_charge", func() bool {
		panic("boom")
	}, done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned task never completed")
	}

	assert.Equal(t, errevent.KindUnknownException, captured.Kind)
	assert.Contains(t, captured.Description, "flow_charge")
	assert.Contains(t, captured.Description, "boom")
}

func TestOrchestrator_Spawn_ClosesDoneOnNormalReturn(t *testing.T) {
	o := NewOrchestrator(&recordingFlowDevice{}, func(errevent.Event) {})
	done := make(chan struct{})

	o.Spawn("flow_heartbeat", func() bool { return true }, done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel was never closed")
	}
}

func TestOrchestrator_RunWithDelay_RunsFnAfterDelay(t *testing.T) {
	o := NewOrchestrator(&recordingFlowDevice{}, func(errevent.Event) {})

	ran := make(chan struct{})
	o.RunWithDelay(context.Background(), "reset", 10*time.Millisecond, func() bool {
		close(ran)
		return true
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("delayed function never ran")
	}
}

func TestOrchestrator_RunWithDelay_SkipsFnWhenCtxCancelledFirst(t *testing.T) {
	o := NewOrchestrator(&recordingFlowDevice{}, func(errevent.Event) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ranFn bool
	o.RunWithDelay(ctx, "reset", 200*time.Millisecond, func() bool {
		ranFn = true
		return true
	})

	time.Sleep(250 * time.Millisecond)
	assert.False(t, ranFn)
}

type recordingFlowDevice struct {
	heartbeats   int
	lastIDTag    string
	lastAutoStop bool
}

func (r *recordingFlowDevice) FlowHeartbeat(ctx context.Context) bool {
	r.heartbeats++
	return true
}

func (r *recordingFlowDevice) FlowAuthorize(ctx context.Context, opts *Options) bool {
	r.lastIDTag = opts.IDTag
	return true
}

func (r *recordingFlowDevice) FlowCharge(ctx context.Context, autoStop bool, opts *Options) bool {
	r.lastAutoStop = autoStop
	return true
}
