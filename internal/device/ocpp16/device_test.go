package ocpp16

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/charging-platform/charge-point-simulator/internal/codec/ocppj"
	"github.com/charging-platform/charge-point-simulator/internal/domain/session"
	"github.com/charging-platform/charge-point-simulator/internal/engine"
	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
)

// centralSystemTransport is an in-memory transport.Transport standing in
// for the OCPP-J central system: every outbound request frame is handed
// to onSend so the test can script the response (and, for
// RemoteStopTransaction, inject its own server-initiated request).
type centralSystemTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed chan struct{}
	closeC chan struct{}
	onSend func(action, id string, payload json.RawMessage)
}

func newCentralSystemTransport() *centralSystemTransport {
	return &centralSystemTransport{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
		closeC: make(chan struct{}),
	}
}

func (c *centralSystemTransport) Open(ctx context.Context) error { return nil }

func (c *centralSystemTransport) SendFrame(frame []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, frame)
	c.mu.Unlock()

	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err == nil && len(raw) >= 4 {
		var id, action string
		_ = json.Unmarshal(raw[1], &id)
		_ = json.Unmarshal(raw[2], &action)
		if c.onSend != nil {
			c.onSend(action, id, raw[3])
		}
	}
	return nil
}

func (c *centralSystemTransport) ReceiveFrame() ([]byte, error) {
	select {
	case frame, ok := <-c.inbox:
		if !ok {
			return nil, errTransportClosed
		}
		return frame, nil
	case <-c.closeC:
		return nil, errTransportClosed
	}
}

func (c *centralSystemTransport) Close() error {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	return nil
}

func (c *centralSystemTransport) Closed() <-chan struct{} { return c.closed }
func (c *centralSystemTransport) CloseErr() error          { return nil }

func (c *centralSystemTransport) reply(id string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	env, _ := json.Marshal([]interface{}{3, id, json.RawMessage(raw)})
	c.inbox <- env
}

func (c *centralSystemTransport) pushRequest(id, action string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	env, _ := json.Marshal([]interface{}{2, id, action, json.RawMessage(raw)})
	c.inbox <- env
}

type transportClosedErr struct{}

func (transportClosedErr) Error() string { return "central system transport closed" }

var errTransportClosed = transportClosedErr{}

// TestFlowCharge_RemoteStopTerminatesOngoingLoopAndCompletesStopSequence
// drives a real Device + Engine over an in-memory transport through a
// RemoteStart-style charge (autoStop=false, the case the frequent
// scheduler never naturally ends), then has the central system send
// RemoteStopTransaction mid-charge. Before the session.Charging() fix,
// flow.RunOngoingLoop's periodic mode never noticed the Stopping
// transition and FlowCharge ran forever instead of completing
// StatusNotification(Finishing)/StopTransaction.
func TestFlowCharge_RemoteStopTerminatesOngoingLoopAndCompletesStopSequence(t *testing.T) {
	tr := newCentralSystemTransport()
	dev := New("cp-001", Identity{}, false, zerolog.Nop(), func(errevent.Event) {})

	var spawnMu sync.Mutex
	var spawnedRemoteStop bool
	spawn := func(name string, fn func() bool, delay time.Duration) {
		if name == "remote-stop" {
			spawnMu.Lock()
			spawnedRemoteStop = true
			spawnMu.Unlock()
		}
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			fn()
		}()
	}

	eng := engine.New(engine.Config{
		Transport:       tr,
		Decode:          ocppj.Decode,
		EncodeResponse:  ocppj.EncodeResponse,
		ResponseTimeout: 2 * time.Second,
		Inbound:         dev.HandleInbound(spawn),
		EmitError:       func(errevent.Event) {},
		Logger:          zerolog.Nop(),
	})
	dev.AttachEngine(eng)

	go func() { _ = eng.Run(context.Background()) }()
	defer eng.Stop()

	var sentMu sync.Mutex
	remoteStopSent := false
	tr.onSend = func(action, id string, payload json.RawMessage) {
		switch action {
		case "Authorize":
			tr.reply(id, map[string]interface{}{"idTagInfo": map[string]string{"status": "Accepted"}})
		case "StartTransaction":
			tr.reply(id, map[string]interface{}{
				"idTagInfo":     map[string]string{"status": "Accepted"},
				"transactionId": 555,
			})
			sentMu.Lock()
			alreadySent := remoteStopSent
			remoteStopSent = true
			sentMu.Unlock()
			if !alreadySent {
				go func() {
					// Give the FlowCharge goroutine time to unmarshal the
					// StartTransaction response and Activate() the session
					// before the "server" asks it to stop.
					time.Sleep(50 * time.Millisecond)
					tr.pushRequest("srv-remote-stop", "RemoteStopTransaction", map[string]interface{}{
						"transactionId": 555,
					})
				}()
			}
		case "StatusNotification", "MeterValues", "StopTransaction":
			tr.reply(id, map[string]interface{}{})
		}
	}

	opts := &flow.Options{
		IDTag:                 "TAG1",
		ConnectorID:           1,
		ChargedWhPerMinute:    1000,
		OngoingLoopInterval:   100 * time.Millisecond,
		OngoingLoopFinalDelay: 50 * time.Millisecond,
	}

	result := make(chan bool, 1)
	go func() { result <- dev.FlowCharge(context.Background(), false, opts) }()

	select {
	case ok := <-result:
		assert.True(t, ok, "FlowCharge should complete the stop sequence and return true")
	case <-time.After(5 * time.Second):
		t.Fatal("FlowCharge never returned after RemoteStopTransaction — the ongoing loop never noticed the stop")
	}

	spawnMu.Lock()
	assert.True(t, spawnedRemoteStop, "RemoteStopTransaction should have spawned the remote-stop side effect")
	spawnMu.Unlock()

	assert.Equal(t, session.Idle, dev.Session().State, "session must be Reset to Idle once the stop sequence completes")
	assert.False(t, dev.Session().InProgress())
}
