package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
)

type countingDevice struct {
	heartbeats int32
	charges    int32
	blockUntil chan struct{}
}

func (d *countingDevice) FlowHeartbeat(ctx context.Context) bool {
	atomic.AddInt32(&d.heartbeats, 1)
	return true
}

func (d *countingDevice) FlowAuthorize(ctx context.Context, opts *flow.Options) bool { return true }

func (d *countingDevice) FlowCharge(ctx context.Context, autoStop bool, opts *flow.Options) bool {
	atomic.AddInt32(&d.charges, 1)
	if d.blockUntil != nil {
		<-d.blockUntil
	}
	return true
}

func noopEmit(errevent.Event) {}

func TestFrequentScheduler_RunsEntryUpToCount(t *testing.T) {
	dev := &countingDevice{}
	orch := flow.NewOrchestrator(dev, noopEmit)
	s := New(orch, []Entry{{Flow: FlowHeartbeat, DelaySeconds: 1, Count: 3}}, &flow.Options{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	s.Run(ctx)

	assert.EqualValues(t, 3, atomic.LoadInt32(&dev.heartbeats))
}

func TestFrequentScheduler_ExitsImmediatelyWithNoEntries(t *testing.T) {
	dev := &countingDevice{}
	orch := flow.NewOrchestrator(dev, noopEmit)
	s := New(orch, nil, &flow.Options{}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler with no entries did not exit promptly")
	}
}

func TestFrequentScheduler_SkipsTickWhileTaskStillRunning(t *testing.T) {
	dev := &countingDevice{blockUntil: make(chan struct{})}
	orch := flow.NewOrchestrator(dev, noopEmit)
	s := New(orch, []Entry{{Flow: FlowCharge, DelaySeconds: 1, Count: 5}}, &flow.Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	time.Sleep(2500 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dev.charges), "only one charge should be in flight while it blocks")
	close(dev.blockUntil)
	cancel()

	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
