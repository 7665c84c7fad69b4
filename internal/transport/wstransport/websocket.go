// Package wstransport implements the OCPP-J Transport over a client-side
// WebSocket connection (spec.md §4.1). Grounded on the gateway's
// internal/transport/websocket manager (ConnectionWrapper's read/write
// deadlines, ping loop, pong handler), adapted from a server-side
// Upgrader to a client-side Dialer — the simulator calls out to a central
// system rather than accepting inbound connections.
package wstransport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/domain/connection"
	"github.com/charging-platform/charge-point-simulator/internal/transport"
)

// Config mirrors the gateway's websocket.Config fields relevant to a
// client connection; PingInterval/PongTimeout/MaxMessageSize keep the same
// meaning as the server-side manager.
type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

// Transport dials the central system and exchanges OCPP-J text frames.
type Transport struct {
	*closeSignalEmbed

	cfg    Config
	wsCfg  connection.WebSocketConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	log    zerolog.Logger

	negotiatedSubprotocol string
}

// closeSignalEmbed re-exposes the shared parallel-watcher plumbing
// (transport.closeSignal is unexported, so Transport composes it via this
// tiny local type rather than depending on transport package internals).
type closeSignalEmbed struct {
	closed  chan struct{}
	closeFn func() error
	errFn   func() error
}

func (c *closeSignalEmbed) Closed() <-chan struct{} { return c.closed }
func (c *closeSignalEmbed) CloseErr() error         { return c.errFn() }

func New(cfg Config, wsCfg connection.WebSocketConfig, log zerolog.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		wsCfg:  wsCfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    log,
	}
}

// Subprotocol returns the protocol negotiated during Open, used to decide
// the OCPP dialect (spec.md §6 "protocols ... if contains ocpp2.0.1").
func (t *Transport) Subprotocol() string { return t.negotiatedSubprotocol }

func (t *Transport) Open(ctx context.Context) error {
	url := t.wsCfg.URL()
	t.log.Info().Str("url", url).Strs("subprotocols", t.wsCfg.Subprotocols).Msg("wstransport: dialing")

	header := make(map[string][]string)
	for _, p := range t.wsCfg.Subprotocols {
		t.dialer.Subprotocols = append(t.dialer.Subprotocols, p)
	}

	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("wstransport: dial %s: %w", url, err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(t.cfg.MaxMessageSize)
	t.negotiatedSubprotocol = conn.Subprotocol()

	done := make(chan struct{})
	var closeErr error
	var closeOnce closeOnceGuard

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PingInterval + t.cfg.PongTimeout))
		return nil
	})
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PingInterval + t.cfg.PongTimeout))

	fire := func(err error) {
		closeOnce.do(func() {
			closeErr = err
			close(done)
		})
	}

	t.conn = conn
	t.closeSignalEmbed = &closeSignalEmbed{
		closed:  done,
		closeFn: conn.Close,
		errFn:   func() error { return closeErr },
	}

	go t.pingLoop(fire)

	t.log.Info().Str("negotiated_protocol", t.negotiatedSubprotocol).Msg("wstransport: connected")
	return nil
}

type closeOnceGuard struct {
	done bool
}

func (g *closeOnceGuard) do(f func()) {
	if g.done {
		return
	}
	g.done = true
	f()
}

func (t *Transport) pingLoop(fire func(error)) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			fire(fmt.Errorf("wstransport: ping failed: %w", err))
			return
		}
	}
}

func (t *Transport) SendFrame(frame []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *Transport) ReceiveFrame() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
