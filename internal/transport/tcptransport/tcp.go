// Package tcptransport implements the Ensto Transport: a raw,
// newline-delimited TCP byte stream (spec.md §4.1). Grounded on
// device/ensto/device_ensto.py's asyncio.open_connection / __loop_internal
// in the Python original.
package tcptransport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/domain/connection"
	"github.com/charging-platform/charge-point-simulator/internal/transport"
)

type Config struct {
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{DialTimeout: 10 * time.Second}
}

// Transport dials a plain TCP socket and frames messages by newline, in
// both directions — writes append '\n' if the caller didn't, per
// spec.md §4.1 ("the writer MUST append the delimiter if the codec did
// not").
type Transport struct {
	cfg    Config
	tcpCfg connection.TCPConfig
	log    zerolog.Logger

	conn   net.Conn
	reader *bufio.Reader

	once   sync.Once
	done   chan struct{}
	muErr  sync.Mutex
	closeErr error
}

func New(cfg Config, tcpCfg connection.TCPConfig, log zerolog.Logger) *Transport {
	return &Transport{cfg: cfg, tcpCfg: tcpCfg, log: log, done: make(chan struct{})}
}

func (t *Transport) Open(ctx context.Context) error {
	addr := t.tcpCfg.Addr()
	t.log.Info().Str("addr", addr).Msg("tcptransport: dialing")
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcptransport: dial %s: %w", addr, err)
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.log.Info().Str("addr", addr).Msg("tcptransport: connected")
	return nil
}

func (t *Transport) fire(err error) {
	t.once.Do(func() {
		t.muErr.Lock()
		t.closeErr = err
		t.muErr.Unlock()
		close(t.done)
	})
}

func (t *Transport) SendFrame(frame []byte) error {
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		frame = append(frame, '\n')
	}
	_, err := t.conn.Write(frame)
	if err != nil {
		t.fire(fmt.Errorf("tcptransport: write: %w", err))
	}
	return err
}

func (t *Transport) ReceiveFrame() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", transport.ErrClosed, err)
		t.fire(wrapped)
		return nil, wrapped
	}
	return line, nil
}

func (t *Transport) Close() error {
	err := t.conn.Close()
	t.fire(err)
	return err
}

func (t *Transport) Closed() <-chan struct{} { return t.done }

func (t *Transport) CloseErr() error {
	t.muErr.Lock()
	defer t.muErr.Unlock()
	return t.closeErr
}
