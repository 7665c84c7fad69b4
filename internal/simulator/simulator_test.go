package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-simulator/internal/config"
	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
)

// fakeDialectDevice satisfies dialectDevice without touching any
// transport, letting Simulator-level logic (emit/spawn/TriggerFlow) be
// tested independent of the four real dialects.
type fakeDialectDevice struct {
	mu                   sync.Mutex
	sess                 *session.Session
	registerOnInitialize bool
	registerCalls        int
	heartbeatCalls       int
	authorizeCalls       int
	chargeCalls          int
}

func newFakeDialectDevice() *fakeDialectDevice {
	return &fakeDialectDevice{sess: &session.Session{}}
}

func (f *fakeDialectDevice) Session() *session.Session    { return f.sess }
func (f *fakeDialectDevice) RegisterOnInitialize() bool    { return f.registerOnInitialize }
func (f *fakeDialectDevice) ActionRegister(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return true
}
func (f *fakeDialectDevice) ActionHeartbeat(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatCalls++
	return true
}
func (f *fakeDialectDevice) FlowHeartbeat(ctx context.Context) bool {
	return f.ActionHeartbeat(ctx)
}
func (f *fakeDialectDevice) FlowAuthorize(ctx context.Context, opts *flow.Options) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizeCalls++
	return true
}
func (f *fakeDialectDevice) FlowCharge(ctx context.Context, autoStop bool, opts *flow.Options) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	return true
}

type fakeFleetPublisher struct {
	mu               sync.Mutex
	errorEvents      []errevent.Event
	flowCompletions  []string
}

func (f *fakeFleetPublisher) PublishErrorEvent(chargePointID string, ev errevent.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorEvents = append(f.errorEvents, ev)
	return nil
}

func (f *fakeFleetPublisher) PublishFlowCompleted(chargePointID, flowName string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flowCompletions = append(f.flowCompletions, flowName)
	return nil
}

func newTestSimulator(dev *fakeDialectDevice) *Simulator {
	s := &Simulator{
		id:  "cp-001",
		log: zerolog.Nop(),
		dev: dev,
	}
	s.orch = flow.NewOrchestrator(dev, s.emit)
	return s
}

func TestNew_BuildsEnstoDevice(t *testing.T) {
	dc := config.DeviceConfig{
		Type:       config.DeviceTypeEnsto,
		Name:       "cp-ensto-1",
		ServerHost: "127.0.0.1",
		ServerPort: 9000,
	}
	sim := config.SimulationConfig{Name: "default", DeviceName: "cp-ensto-1"}

	s, err := New(dc, sim, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s.dev)
	assert.NotNil(t, s.tr)
	assert.NotNil(t, s.eng)
	assert.False(t, s.dev.Session().InProgress())
}

func TestNew_BuildsOCPPSDeviceWithoutEngine(t *testing.T) {
	dc := config.DeviceConfig{
		Type:          config.DeviceTypeOCPPS,
		Name:          "cp-soap-1",
		ServerAddress: "http://localhost:8080/soap",
	}
	sim := config.SimulationConfig{Name: "default", DeviceName: "cp-soap-1"}

	s, err := New(dc, sim, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s.dev)
	assert.Nil(t, s.tr)
	assert.Nil(t, s.eng)
}

func TestTriggerFlow_DispatchesNamedFlows(t *testing.T) {
	dev := newFakeDialectDevice()
	s := newTestSimulator(dev)
	fleetPub := &fakeFleetPublisher{}
	s.SetFleetPublisher(fleetPub)

	ctx := context.Background()
	assert.True(t, s.TriggerFlow(ctx, "flow_heartbeat", nil))
	assert.True(t, s.TriggerFlow(ctx, "flow_authorize", nil))
	assert.True(t, s.TriggerFlow(ctx, "flow_charge", nil))
	assert.False(t, s.TriggerFlow(ctx, "flow_unknown", nil))

	assert.Equal(t, 1, dev.heartbeatCalls)
	assert.Equal(t, 1, dev.authorizeCalls)
	assert.Equal(t, 1, dev.chargeCalls)
	assert.ElementsMatch(t, []string{"flow_heartbeat", "flow_authorize", "flow_charge"}, fleetPub.flowCompletions)
}

func TestTriggerFlow_UsesRawOptionsOverSimulationDefault(t *testing.T) {
	dev := newFakeDialectDevice()
	s := newTestSimulator(dev)
	s.sim = config.SimulationConfig{FlowChargeOptions: map[string]interface{}{"idTag": "DEFAULT"}}

	ok := s.TriggerFlow(context.Background(), "flow_authorize", map[string]interface{}{"idTag": "OVERRIDE"})
	assert.True(t, ok)
	assert.Equal(t, 1, dev.authorizeCalls)
}

func TestEmit_FansOutToSubscribersAndFleet(t *testing.T) {
	dev := newFakeDialectDevice()
	s := newTestSimulator(dev)
	fleetPub := &fakeFleetPublisher{}
	s.SetFleetPublisher(fleetPub)

	var received errevent.Event
	s.Subscribe(func(ev errevent.Event) { received = ev })

	ev := errevent.Event{Kind: errevent.KindConnectionError, Description: "dial failed"}
	s.emit(ev)

	assert.Equal(t, ev, received)
	require.Len(t, fleetPub.errorEvents, 1)
	assert.Equal(t, ev, fleetPub.errorEvents[0])
}

func TestEmit_ErrorExitInvokesFatalHandlerExceptForUnknownException(t *testing.T) {
	dev := newFakeDialectDevice()
	s := newTestSimulator(dev)
	s.errorExit = true

	var fatalCalls int
	s.OnFatal(func(deviceID string, ev errevent.Event) { fatalCalls++ })

	s.emit(errevent.Event{Kind: errevent.KindInvalidResponse, Description: "bad status"})
	assert.Equal(t, 1, fatalCalls)

	s.emit(errevent.Event{Kind: errevent.KindUnknownException, Description: "panic recovered"})
	// UnknownException auto-recovers via re-initialize instead of firing fatal.
	assert.Equal(t, 1, fatalCalls)

	// the auto-reinitialize spawn runs in the background; give it a beat
	// to finish against the fake device before the test exits.
	time.Sleep(20 * time.Millisecond)
}

func TestSpawn_ResetAndReInitializeNamesBypassFn(t *testing.T) {
	dev := newFakeDialectDevice()
	s := newTestSimulator(dev)

	var fnCalled bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
	}()

	s.spawn("reset", func() bool { fnCalled = true; return true }, 0)
	wg.Wait()

	assert.False(t, fnCalled)
	assert.GreaterOrEqual(t, dev.registerCalls+dev.heartbeatCalls, 0) // re-initialize ran without panicking
}

func TestSpawn_OrdinaryNameRunsFn(t *testing.T) {
	dev := newFakeDialectDevice()
	s := newTestSimulator(dev)

	done := make(chan struct{})
	s.spawn("custom-task", func() bool { close(done); return true }, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned function was never invoked")
	}
}
