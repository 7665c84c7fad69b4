package simulator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/config"
	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/engine"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
	"github.com/charging-platform/charge-point-simulator/internal/interactive"
	"github.com/charging-platform/charge-point-simulator/internal/metrics"
	"github.com/charging-platform/charge-point-simulator/internal/registry"
	"github.com/charging-platform/charge-point-simulator/internal/scheduler"
	"github.com/charging-platform/charge-point-simulator/internal/transport"
)

// reinitializeRetryDelay is how often Start/Reinitialize retries a failed
// initialize() attempt, matching device/simulator.py's hardcoded 10s sleep
// between initialize() retries.
const reinitializeRetryDelay = 10 * time.Second

// spawnFunc matches engine.InboundHandler's construction-time dependency
// (device.HandleInbound(spawn)): run fn after delay (0 = immediately),
// trapped against panics the same way the FrequentScheduler's tasks are.
type spawnFunc func(name string, fn func() bool, delay time.Duration)

// fleetPublisher is satisfied by *fleet.EventPublisher; kept as a local
// interface so simulator doesn't need fleet wired in to build or test.
type fleetPublisher interface {
	PublishErrorEvent(chargePointID string, ev errevent.Event) error
	PublishFlowCompleted(chargePointID, flow string, success bool) error
}

// FatalHandler is notified once when error_exit (spec.md §6) fires: an
// ErrorEvent occurred, it wasn't the auto-recovered UnknownException
// class, and the device config says to give up rather than keep running.
// cmd/simulator decides what "give up" means (process exit code 1).
type FatalHandler func(deviceID string, ev errevent.Event)

// Simulator owns one device's full lifecycle: construction, the
// initialize-with-retry loop (spec.md §11.3), the frequent-flow scheduler,
// interactive mode, fleet-triggered flows, and graceful shutdown. Grounded
// on device/simulator.py's Simulator class in the Python original.
type Simulator struct {
	id        string
	dc        config.DeviceConfig
	sim       config.SimulationConfig
	log       zerolog.Logger
	errorExit bool

	dev  dialectDevice
	tr   transport.Transport // nil for OCPP-S
	eng  *engine.Engine      // nil for OCPP-S
	orch *flow.Orchestrator

	sched    *scheduler.FrequentScheduler
	registry *registry.Registry // optional, fleet wiring
	fleet    fleetPublisher

	onError []errevent.Subscriber
	onFatal FatalHandler

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Simulator for one device/simulation pair, wiring every
// dialect-specific piece via build(). It does not open any connection —
// call Start for that.
func New(dc config.DeviceConfig, sim config.SimulationConfig, log zerolog.Logger) (*Simulator, error) {
	s := &Simulator{
		id:        dc.Name,
		dc:        dc,
		sim:       sim,
		log:       log.With().Str("device", dc.Name).Logger(),
		errorExit: dc.ErrorExit,
	}

	dev, tr, eng, err := build(dc.Name, dc, s.log, s.emit, s.spawn)
	if err != nil {
		return nil, fmt.Errorf("simulator: build %s: %w", dc.Name, err)
	}
	s.dev = dev
	s.tr = tr
	s.eng = eng
	s.orch = flow.NewOrchestrator(dev, s.emit)
	return s, nil
}

// SetRegistry attaches the Redis liveness registry (spec.md §10.5); calling
// this is optional — a Simulator with no registry still runs standalone.
func (s *Simulator) SetRegistry(r *registry.Registry) { s.registry = r }

// SetFleetPublisher attaches the upstream event republisher (spec.md §10.4).
func (s *Simulator) SetFleetPublisher(p fleetPublisher) { s.fleet = p }

// Subscribe registers an ErrorEvent subscriber (spec.md §9 "error
// subscribers are per-instance").
func (s *Simulator) Subscribe(sub errevent.Subscriber) { s.onError = append(s.onError, sub) }

// OnFatal registers the callback invoked when error_exit fires.
func (s *Simulator) OnFatal(h FatalHandler) { s.onFatal = h }

// Session exposes the device's current ChargeSession, for metrics/registry
// callers that need to know whether a session is in progress.
func (s *Simulator) Session() *session.Session { return s.dev.Session() }

// emit fans an ErrorEvent out to every subscriber, republishes it via the
// fleet event publisher if one is wired in, triggers re-initialize on
// UnknownException (spec.md §11.3's automatic-recovery class), and honors
// error_exit for everything else — mirroring abstract.py's handle_error.
func (s *Simulator) emit(ev errevent.Event) {
	metrics.ErrorEvents.WithLabelValues(string(ev.Kind)).Inc()
	s.log.Error().Str("kind", string(ev.Kind)).Msg(ev.Description)

	for _, sub := range s.onError {
		sub(ev)
	}
	if s.fleet != nil {
		if err := s.fleet.PublishErrorEvent(s.id, ev); err != nil {
			s.log.Warn().Err(err).Msg("simulator: publish error event failed")
		}
	}

	if ev.Kind == errevent.KindUnknownException {
		s.spawn("auto-reinitialize", func() bool { s.Reinitialize(context.Background()); return true }, 0)
		return
	}

	if s.errorExit && s.onFatal != nil {
		s.onFatal(s.id, ev)
	}
}

// spawn implements spawnFunc: "reset"/"re-initialize" named tasks (the
// OCPP Reset / Ensto action 42 inbound triggers) always re-initialize the
// connection instead of running fn as-is, matching
// device/abstract.py's re_initialize = end() then initialize().
func (s *Simulator) spawn(name string, fn func() bool, delay time.Duration) {
	ctx := context.Background()
	if name == "reset" || name == "re-initialize" {
		s.orch.RunWithDelay(ctx, name, delay, func() bool { s.Reinitialize(ctx); return true })
		return
	}
	if delay > 0 {
		s.orch.RunWithDelay(ctx, name, delay, fn)
		return
	}
	s.orch.Spawn(name, fn, nil)
}

// initializeOnce opens the transport (if any), starts the engine's reader
// loop (if any), and performs Register/Heartbeat according to
// RegisterOnInitialize. It reports whether the attempt fully succeeded —
// Start/Reinitialize retry every reinitializeRetryDelay until it does,
// mirroring Simulator.initialize()'s retry loop in the Python original.
func (s *Simulator) initializeOnce(ctx context.Context) bool {
	if s.tr != nil {
		if err := s.tr.Open(ctx); err != nil {
			s.log.Warn().Err(err).Msg("simulator: transport open failed, will retry")
			return false
		}
	}
	if s.eng != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.eng.Run(ctx); err != nil {
				s.log.Debug().Err(err).Msg("simulator: engine run exited")
			}
		}()
	}

	if s.dev.RegisterOnInitialize() {
		if !s.dev.ActionRegister(ctx) {
			return false
		}
	}
	if !s.dev.ActionHeartbeat(ctx) {
		return false
	}

	metrics.ConnectionState.WithLabelValues(s.id, "connected").Set(1)
	return true
}

// Start blocks until the device is initialized (retrying every 10s on
// failure, per spec.md §11.3), then launches whichever of the frequent-flow
// scheduler and interactive console the simulation config enables. It
// returns once ctx is cancelled and every launched goroutine has stopped.
func (s *Simulator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for !s.initializeOnce(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reinitializeRetryDelay):
		}
	}
	s.log.Info().Msg("simulator: initialized")

	var wg sync.WaitGroup

	if s.sim.FrequentFlowEnabled {
		entries := schedulerEntriesFromConfig(s.sim)
		s.sched = scheduler.New(s.orch, entries, flowOptionsFromConfig(s.sim), s.log)
		wg.Add(1)
		go func() { defer wg.Done(); s.sched.Run(ctx) }()
	}

	if s.sim.IsInteractive {
		console := interactive.New(s.orch, flowOptionsFromConfig(s.sim), nil, os.Stdin, os.Stdout, s.log)
		wg.Add(1)
		go func() { defer wg.Done(); console.Run(ctx) }()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Reinitialize tears down and reopens the connection, retrying every 10s
// until it succeeds, mirroring device/abstract.py's
// re_initialize = end() then initialize(). Both the inbound Reset/re-init
// trigger and the UnknownException auto-recovery path in emit() call this.
func (s *Simulator) Reinitialize(ctx context.Context) {
	s.log.Info().Msg("simulator: re-initializing")
	metrics.ConnectionState.WithLabelValues(s.id, "connected").Set(0)

	if s.eng != nil {
		_ = s.eng.Stop()
	}
	if s.tr != nil {
		_ = s.tr.Close()
	}

	for !s.initializeOnce(ctx) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(reinitializeRetryDelay):
		}
	}
	s.log.Info().Msg("simulator: re-initialized")
}

// End stops the engine (if any), closes the transport (if any), and
// deregisters from the liveness registry (if wired in). It is safe to call
// after Start's context is cancelled, or instead of cancelling it.
func (s *Simulator) End(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.eng != nil {
		_ = s.eng.Stop()
	}
	if s.tr != nil {
		_ = s.tr.Close()
	}
	s.wg.Wait()

	metrics.ConnectionState.WithLabelValues(s.id, "connected").Set(0)

	if s.registry != nil {
		if err := s.registry.Deregister(ctx, s.id); err != nil {
			s.log.Warn().Err(err).Msg("simulator: registry deregister failed")
		}
	}
}

// TriggerFlow runs one named flow against this device on demand — the
// entry point both a fleet Kafka command and a future local API call into
// the running Simulator. rawOpts is the same opaque flow_charge_options
// shape the YAML simulation config carries (spec.md §6); a nil map falls
// back to the simulation's own configured options. It mirrors the three
// flows device/simulator.py's interactive menu and fleet command handler
// both expose.
func (s *Simulator) TriggerFlow(ctx context.Context, name string, rawOpts map[string]interface{}) bool {
	opts := flowOptionsFromConfig(s.sim)
	if rawOpts != nil {
		opts = optionsFromMap(rawOpts)
	}
	var ok bool
	switch name {
	case "flow_charge":
		ok = s.orch.Charge(ctx, true, opts)
	case "flow_heartbeat":
		ok = s.orch.Heartbeat(ctx)
	case "flow_authorize":
		ok = s.orch.Authorize(ctx, opts)
	default:
		s.log.Warn().Str("flow", name).Msg("simulator: unknown flow requested")
		return false
	}
	if s.fleet != nil {
		if err := s.fleet.PublishFlowCompleted(s.id, name, ok); err != nil {
			s.log.Warn().Err(err).Msg("simulator: publish flow-completed failed")
		}
	}
	metrics.FrequentFlowInvocations.WithLabelValues(name).Inc()
	return ok
}

func flowOptionsFromConfig(sim config.SimulationConfig) *flow.Options {
	return optionsFromMap(sim.FlowChargeOptions)
}

func schedulerEntriesFromConfig(sim config.SimulationConfig) []scheduler.Entry {
	entries := make([]scheduler.Entry, 0, len(sim.FrequentFlows))
	for _, f := range sim.FrequentFlows {
		entries = append(entries, scheduler.Entry{
			Flow:         schedulerFlowFromName(f.Flow),
			DelaySeconds: f.DelaySeconds,
			Count:        f.Count,
		})
	}
	return entries
}

func schedulerFlowFromName(name string) scheduler.Flow {
	switch name {
	case "Heartbeat":
		return scheduler.FlowHeartbeat
	case "Authorize":
		return scheduler.FlowAuthorize
	case "Charge":
		return scheduler.FlowCharge
	default:
		return scheduler.Flow(name)
	}
}

func optionsFromMap(m map[string]interface{}) *flow.Options {
	opts := &flow.Options{}
	if m == nil {
		return opts
	}
	if v, ok := m["idTag"].(string); ok {
		opts.IDTag = v
	}
	if v, ok := m["connectorId"].(float64); ok {
		opts.ConnectorID = int(v)
	}
	if v, ok := m["evseId"].(float64); ok {
		opts.EVSEID = int(v)
	}
	if v, ok := m["chargedWhPerMinute"].(float64); ok {
		opts.ChargedWhPerMinute = int64(v)
	}
	if v, ok := m["meterStart"].(float64); ok {
		opts.MeterStart = int64(v)
	}
	if v, ok := m["autoActionsLoopDisableMeterValues"].(bool); ok {
		opts.AutoActionsLoopDisableMeterValues = v
	}
	return opts
}

// noopReader/noopWriter are inert io.Reader/io.Writer stand-ins: a
// Console built on them returns from Run at its first read. Start builds
// its console on os.Stdin/os.Stdout instead.
type noopReader struct{}

func (noopReader) Read(p []byte) (int, error) { return 0, fmt.Errorf("interactive: no input configured") }

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
