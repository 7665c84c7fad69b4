// Package transport defines the Transport contract (spec.md §4.1): open a
// connection, exchange frames, close it, and surface an asymmetric
// peer-initiated close to a watcher independent of the blocking reader.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by SendFrame/ReceiveFrame once the transport has
// been closed, locally or by the peer.
var ErrClosed = errors.New("transport: closed")

// Transport owns one underlying connection. Implementations: WebSocket
// (OCPP-J) and raw TCP (Ensto). The OCPP-S HTTP SOAP client has no reader
// loop and does not implement this interface (see soaptransport).
type Transport interface {
	Open(ctx context.Context) error
	SendFrame(frame []byte) error
	// ReceiveFrame blocks until a frame arrives, the transport closes, or
	// ctx (passed to Open) is done. Returns ErrClosed (wrapped) on close.
	ReceiveFrame() ([]byte, error)
	Close() error
	// Closed is closed exactly once a parallel watcher detects the peer
	// closed the connection — independent of, and possibly before, the
	// reader loop's next ReceiveFrame call returns. CloseErr reports why.
	Closed() <-chan struct{}
	CloseErr() error
}

// closeSignal is a reusable form of the "parallel watcher" behavior
// (spec.md §4.1). It is unexported and no implementation embeds it:
// wstransport and tcptransport each carry their own equivalent.
type closeSignal struct {
	once sync.Once
	ch   chan struct{}
	mu   sync.Mutex
	err  error
}

func newCloseSignal() *closeSignal {
	return &closeSignal{ch: make(chan struct{})}
}

// fire is safe to call from multiple goroutines (the reader loop hitting
// EOF, a ping watcher noticing a failed write, an explicit Close call) —
// only the first call's err sticks.
func (c *closeSignal) fire(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.ch)
	})
}

func (c *closeSignal) Closed() <-chan struct{} { return c.ch }

func (c *closeSignal) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
