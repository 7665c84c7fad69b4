// Package engine implements the ProtocolEngine (spec.md §4.3): couples a
// Transport with a decode/encode pair, owns the pending-request
// correlation table, enforces response timeouts, and dispatches
// server-initiated requests to a registered inbound handler. Grounded on
// device/ocpp_j/abstract_device_ocpp_j.py's __loop_internal /
// by_device_req_send_raw and device/ensto/device_ensto.py's
// __loop_internal / by_device_req_send in the Python original, generalized
// to the one-engine-three-dialects shape spec.md §9 calls for.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/transport"
	"github.com/charging-platform/charge-point-simulator/internal/wire"
)

// ErrTimeout is the sentinel a pending request resolves to when its
// deadline elapses (spec.md §4.3 "TimeoutSentinel").
var ErrTimeout = errors.New("engine: response timeout")

// ErrConnectionClosed is the sentinel every pending request resolves to
// when the transport closes or Stop is called.
var ErrConnectionClosed = errors.New("engine: connection closed")

// TimeoutError carries the exact "response timeout, N seconds passed"
// message (spec.md §7) and unwraps to ErrTimeout.
type TimeoutError struct {
	Action  string
	Seconds int
}

func (e *TimeoutError) Error() string { return errevent.Timeout(e.Seconds) }
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ConnectionError unwraps to ErrConnectionClosed and carries the close
// reason reported by the transport's parallel watcher.
type ConnectionError struct {
	Reason error
}

func (e *ConnectionError) Error() string {
	if e.Reason == nil {
		return "engine: connection closed"
	}
	return fmt.Sprintf("engine: connection closed: %v", e.Reason)
}
func (e *ConnectionError) Unwrap() error { return ErrConnectionClosed }

// ResponseEncoder renders an inbound-request response payload into a wire
// frame addressed by the original request id (`[3, id, payload]` for
// OCPP-J, the `id=<n>&...` echo for Ensto).
type ResponseEncoder func(id string, payload interface{}) ([]byte, error)

// Decoder parses one raw frame into the uniform Message shape. ok==false
// means "log-and-drop", not an error (spec.md §4.2).
type Decoder func(frame []byte) (msg wire.Message, ok bool, err error)

// InboundHandler handles one server-initiated request. A nil response
// with suppress==true means "no reply is sent" (the SOAP dialect never
// calls this; the Ensto handler returns it for an unknown action, after
// logging a warning).
type InboundHandler func(ctx context.Context, id, action string, payload json.RawMessage) (response interface{}, suppress bool)

type requestOutcome struct {
	msg wire.Message
	err error
}

type pendingRequest struct {
	id                string
	action            string
	validAlternateIds []string
	done              chan requestOutcome
}

// Engine is the per-connection ProtocolEngine instance. It is safe for
// concurrent use by the flow/device layer issuing Request calls while Run
// drives the reader loop in its own goroutine.
type Engine struct {
	transport       transport.Transport
	decode          Decoder
	encodeResponse  ResponseEncoder
	responseTimeout time.Duration
	inbound         InboundHandler
	emit            func(errevent.Event)
	log             zerolog.Logger

	mu      sync.Mutex
	pending map[string][]*pendingRequest

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config bundles the construction-time dependencies of an Engine.
type Config struct {
	Transport       transport.Transport
	Decode          Decoder
	EncodeResponse  ResponseEncoder
	ResponseTimeout time.Duration
	Inbound         InboundHandler
	EmitError       func(errevent.Event)
	Logger          zerolog.Logger
}

func New(cfg Config) *Engine {
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		transport:       cfg.Transport,
		decode:          cfg.Decode,
		encodeResponse:  cfg.EncodeResponse,
		responseTimeout: timeout,
		inbound:         cfg.Inbound,
		emit:            cfg.EmitError,
		log:             cfg.Logger,
		pending:         make(map[string][]*pendingRequest),
		stopCh:          make(chan struct{}),
	}
}

// Request enqueues an already-encoded outbound frame under requestID,
// sends it, and suspends until a matching response arrives or
// responseTimeout elapses (spec.md §4.3 algorithm). validAlternateIds is
// used only by the Ensto dialect, where a reply may carry a related but
// unequal id.
func (e *Engine) Request(ctx context.Context, requestID, action string, frame []byte, validAlternateIds []string) (json.RawMessage, error) {
	pr := &pendingRequest{
		id:                requestID,
		action:            action,
		validAlternateIds: validAlternateIds,
		done:              make(chan requestOutcome, 1),
	}

	e.mu.Lock()
	e.pending[requestID] = append(e.pending[requestID], pr)
	e.mu.Unlock()

	if err := e.transport.SendFrame(frame); err != nil {
		e.removePending(requestID, pr)
		return nil, err
	}

	timer := time.NewTimer(e.responseTimeout)
	defer timer.Stop()

	select {
	case outcome := <-pr.done:
		if outcome.err != nil {
			return nil, outcome.err
		}
		if outcome.msg.Kind == wire.KindErr {
			var callErr wire.CallError
			_ = json.Unmarshal(outcome.msg.Payload, &callErr)
			return nil, fmt.Errorf("engine: %s error response: %s: %s", action, callErr.ErrorCode, callErr.ErrorDescription)
		}
		return outcome.msg.Payload, nil
	case <-timer.C:
		e.removePending(requestID, pr)
		seconds := int(e.responseTimeout.Seconds())
		e.log.Warn().Str("action", action).Str("id", requestID).Msg(errevent.Timeout(seconds))
		return nil, &TimeoutError{Action: action, Seconds: seconds}
	case <-e.stopCh:
		return nil, &ConnectionError{}
	case <-ctx.Done():
		e.removePending(requestID, pr)
		return nil, ctx.Err()
	}
}

func (e *Engine) removePending(id string, target *pendingRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.pending[id]
	for i, pr := range list {
		if pr == target {
			e.pending[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.pending[id]) == 0 {
		delete(e.pending, id)
	}
}

// Run starts the reader loop. It blocks until the transport closes, ctx is
// done, or Stop is called, then returns.
func (e *Engine) Run(ctx context.Context) error {
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-e.transport.Closed():
			e.failAll(&ConnectionError{Reason: e.transport.CloseErr()})
			e.emit(errevent.Event{Kind: errevent.KindConnectionError, Description: fmt.Sprintf("connection closed: %v", e.transport.CloseErr())})
		case <-e.stopCh:
		case <-ctx.Done():
		}
	}()

	var runErr error
loop:
	for {
		frame, err := e.transport.ReceiveFrame()
		if err != nil {
			runErr = err
			break loop
		}

		msg, ok, decodeErr := e.decode(frame)
		if decodeErr != nil {
			e.log.Warn().Err(decodeErr).Msg("engine: failed to decode inbound frame")
			continue
		}
		if !ok {
			e.log.Debug().Msg("engine: dropped unrecognized frame")
			continue
		}

		switch msg.Kind {
		case wire.KindResp, wire.KindErr:
			e.resolve(msg)
		case wire.KindReq:
			e.dispatchInbound(ctx, msg)
		case wire.KindAmbiguous:
			// Ensto carries no kind tag: try correlating against the
			// pending table first, and only treat it as a
			// server-initiated request if nothing was waiting on it.
			if !e.resolve(msg) {
				e.dispatchInbound(ctx, msg)
			}
		}

		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-e.stopCh:
			break loop
		default:
		}
	}

	<-watcherDone
	return runErr
}

// resolve attempts to deliver msg to a waiting pendingRequest and reports
// whether one was found. On a miss it logs a warning for a message that can
// only ever be a response (OCPP-J), which the caller then drops; for
// KindAmbiguous (Ensto) it stays silent and the caller falls back to
// inbound dispatch.
func (e *Engine) resolve(msg wire.Message) bool {
	e.mu.Lock()
	list, ok := e.pending[msg.ID]
	if ok && len(list) > 0 {
		pr := list[0]
		e.pending[msg.ID] = list[1:]
		if len(e.pending[msg.ID]) == 0 {
			delete(e.pending, msg.ID)
		}
		e.mu.Unlock()
		pr.done <- requestOutcome{msg: msg}
		return true
	}

	// Not found by direct id: scan for a pending entry whose
	// validAlternateIds admits this id (Ensto dialect, spec.md §4.3).
	for ownerID, owned := range e.pending {
		for i, pr := range owned {
			if containsString(pr.validAlternateIds, msg.ID) {
				e.pending[ownerID] = append(owned[:i], owned[i+1:]...)
				if len(e.pending[ownerID]) == 0 {
					delete(e.pending, ownerID)
				}
				e.mu.Unlock()
				pr.done <- requestOutcome{msg: msg}
				return true
			}
		}
	}
	e.mu.Unlock()

	if msg.Kind != wire.KindAmbiguous {
		e.log.Warn().Str("id", msg.ID).Msg("engine: response for unknown or already-resolved request id, dropped")
	}
	return false
}

func (e *Engine) dispatchInbound(ctx context.Context, msg wire.Message) {
	if e.inbound == nil {
		e.log.Warn().Str("action", msg.Action).Msg("engine: no inbound handler registered, dropping server request")
		return
	}
	response, suppress := e.inbound(ctx, msg.ID, msg.Action, msg.Payload)
	if suppress {
		return
	}
	frame, err := e.encodeResponse(msg.ID, response)
	if err != nil {
		e.log.Error().Err(err).Str("action", msg.Action).Msg("engine: failed to encode inbound response")
		return
	}
	if err := e.transport.SendFrame(frame); err != nil {
		e.log.Error().Err(err).Str("action", msg.Action).Msg("engine: failed to send inbound response")
	}
}

// Stop cancels all pending requests with ConnectionError and closes the
// transport (spec.md §4.3).
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.failAll(&ConnectionError{})
	})
	return e.transport.Close()
}

func (e *Engine) failAll(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string][]*pendingRequest)
	e.mu.Unlock()

	for _, list := range pending {
		for _, pr := range list {
			select {
			case pr.done <- requestOutcome{err: err}:
			default:
			}
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
