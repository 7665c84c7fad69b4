package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/wire"
)

// fakeTransport is an in-memory transport.Transport: SendFrame appends to
// sent, ReceiveFrame drains inbox, and closing stops both.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	inbox    chan []byte
	closed   chan struct{}
	closeErr error
	closeCh  chan struct{}
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:   make(chan []byte, 8),
		closed:  make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }

func (f *fakeTransport) SendFrame(frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ReceiveFrame() ([]byte, error) {
	select {
	case frame, ok := <-f.inbox:
		if !ok {
			return nil, fakeClosedErr
		}
		return frame, nil
	case <-f.closeCh:
		return nil, fakeClosedErr
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closeCh:
	default:
		close(f.closeCh)
	}
	return nil
}

func (f *fakeTransport) Closed() <-chan struct{} { return f.closed }
func (f *fakeTransport) CloseErr() error          { return f.closeErr }

// peerClose simulates the parallel watcher noticing the peer hung up,
// independent of the reader loop's next ReceiveFrame call.
func (f *fakeTransport) peerClose(err error) {
	f.closeErr = err
	close(f.closed)
}

var fakeClosedErr = &wireClosedErr{}

type wireClosedErr struct{}

func (*wireClosedErr) Error() string { return "fake transport closed" }

func jsonDecode(frame []byte) (wire.Message, bool, error) {
	var env struct {
		Kind    wire.Kind       `json:"kind"`
		ID      string          `json:"id"`
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return wire.Message{}, false, err
	}
	return wire.Message{Kind: env.Kind, ID: env.ID, Action: env.Action, Payload: env.Payload}, true, nil
}

func encodeResp(id string, payload interface{}) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"kind": wire.KindResp, "id": id, "payload": payload})
}

func newTestEngine(tr *fakeTransport, inbound InboundHandler, timeout time.Duration) *Engine {
	return New(Config{
		Transport:       tr,
		Decode:          jsonDecode,
		EncodeResponse:  encodeResp,
		ResponseTimeout: timeout,
		Inbound:         inbound,
		EmitError:       func(errevent.Event) {},
		Logger:          zerolog.Nop(),
	})
}

func TestRequest_ResolvesOnMatchingResponse(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr, nil, time.Second)

	go func() {
		ctx := context.Background()
		_ = e.Run(ctx)
	}()

	go func() {
		time.Sleep(10 * time.Millisecond)
		frame, _ := json.Marshal(map[string]interface{}{
			"kind": wire.KindResp, "id": "req-1", "payload": json.RawMessage(`{"status":"Accepted"}`),
		})
		tr.inbox <- frame
	}()

	payload, err := e.Request(context.Background(), "req-1", "Heartbeat", []byte("frame"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(payload))

	_ = e.Stop()
}

func TestRequest_TimesOutWhenNoResponseArrives(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr, nil, 20*time.Millisecond)

	go func() { _ = e.Run(context.Background()) }()

	_, err := e.Request(context.Background(), "req-2", "Heartbeat", []byte("frame"), nil)
	require.Error(t, err)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.ErrorIs(t, err, ErrTimeout)

	_ = e.Stop()
}

func TestRequest_ResolvesViaValidAlternateID(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr, nil, time.Second)

	go func() { _ = e.Run(context.Background()) }()

	go func() {
		time.Sleep(10 * time.Millisecond)
		frame, _ := json.Marshal(map[string]interface{}{
			"kind": wire.KindAmbiguous, "id": "alt-99", "payload": json.RawMessage(`{}`),
		})
		tr.inbox <- frame
	}()

	payload, err := e.Request(context.Background(), "req-3", "StartTransaction", []byte("frame"), []string{"alt-99"})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(payload))

	_ = e.Stop()
}

func TestRequest_ErrResponseReturnsError(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr, nil, time.Second)

	go func() { _ = e.Run(context.Background()) }()

	go func() {
		time.Sleep(10 * time.Millisecond)
		callErr, _ := json.Marshal(wire.CallError{ErrorCode: "NotSupported", ErrorDescription: "unsupported action"})
		frame, _ := json.Marshal(map[string]interface{}{
			"kind": wire.KindErr, "id": "req-4", "payload": json.RawMessage(callErr),
		})
		tr.inbox <- frame
	}()

	_, err := e.Request(context.Background(), "req-4", "Heartbeat", []byte("frame"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotSupported")
	assert.Contains(t, err.Error(), "unsupported action")

	_ = e.Stop()
}

func TestRequest_ConnectionCloseFailsPending(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr, nil, time.Second)

	go func() { _ = e.Run(context.Background()) }()

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.peerClose(nil)
	}()

	_, err := e.Request(context.Background(), "req-5", "Heartbeat", []byte("frame"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	_ = e.Stop()
}

func TestDispatchInbound_RespondsViaTransport(t *testing.T) {
	tr := newFakeTransport()
	inbound := func(ctx context.Context, id, action string, payload json.RawMessage) (interface{}, bool) {
		assert.Equal(t, "RemoteStartTransaction", action)
		return map[string]string{"status": "Accepted"}, false
	}
	e := newTestEngine(tr, inbound, time.Second)

	done := make(chan struct{})
	go func() {
		_ = e.Run(context.Background())
		close(done)
	}()

	frame, _ := json.Marshal(map[string]interface{}{
		"kind": wire.KindReq, "id": "srv-1", "action": "RemoteStartTransaction", "payload": json.RawMessage(`{}`),
	})
	tr.inbox <- frame

	require.Eventually(t, func() bool { return len(tr.sentFrames()) == 1 }, time.Second, 5*time.Millisecond)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(tr.sentFrames()[0], &env))
	assert.Equal(t, "srv-1", env["id"])

	_ = e.Stop()
	<-done
}

func TestDispatchInbound_SuppressSendsNoReply(t *testing.T) {
	tr := newFakeTransport()
	inbound := func(ctx context.Context, id, action string, payload json.RawMessage) (interface{}, bool) {
		return nil, true
	}
	e := newTestEngine(tr, inbound, time.Second)

	go func() { _ = e.Run(context.Background()) }()

	frame, _ := json.Marshal(map[string]interface{}{
		"kind": wire.KindReq, "id": "srv-2", "action": "UnknownAction", "payload": json.RawMessage(`{}`),
	})
	tr.inbox <- frame

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.sentFrames())

	_ = e.Stop()
}

func TestStop_FailsAllPendingRequests(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(tr, nil, time.Second)

	go func() { _ = e.Run(context.Background()) }()

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Request(context.Background(), "req-6", "Heartbeat", []byte("frame"), nil)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Stop())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was never failed on Stop")
	}
}
