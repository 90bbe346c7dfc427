package wsclient

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is one client-side WebSocket connection: the socket pair, the
// reader/writer goroutines, the negotiated extensions, and the listener
// fan-out. Construct one with Config.Dial; the zero value is not usable.
type Conn struct {
	id uuid.UUID

	netConn net.Conn
	br      *bufio.Reader

	cfg *Config

	state     stateVar
	listeners listenerList
	outq      *outboundQueue

	subprotocol string
	deflate     *deflateParams
	compressIn  *deflateCodec
	compressOut *deflateCodec

	rng func([]byte) (int, error)

	readerDone chan struct{}
	writerDone chan struct{}

	localClose      atomic.Pointer[CloseFrame]
	remoteClose     atomic.Pointer[CloseFrame]
	closedByServer  atomic.Bool
	closeAfterWrite atomic.Bool

	closeOnce sync.Once
	pingStop  chan struct{}
}

func newConn(cfg *Config, netConn net.Conn) *Conn {
	c := &Conn{
		id:         uuid.New(),
		netConn:    netConn,
		br:         bufio.NewReader(netConn),
		cfg:        cfg,
		outq:       newOutboundQueue(),
		rng:        randReader.Read,
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		pingStop:   make(chan struct{}),
	}
	c.state.Set(StateCreated)
	return c
}

// ID returns the connection's random identity, assigned at construction and
// stable for the lifetime of the Conn. It carries no protocol meaning; see
// the connection identity notes for why it exists.
func (c *Conn) ID() uuid.UUID { return c.id }

// State returns the connection's current lifecycle state. The result is
// eventually consistent with the internal transition in progress.
func (c *Conn) State() State { return c.state.Get() }

// Subprotocol returns the subprotocol negotiated during the opening
// handshake, or "" if none was requested or accepted.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// AddListener registers ln to receive lifecycle and traffic notifications.
func (c *Conn) AddListener(ln Listener) { c.listeners.Add(ln) }

// RemoveListener unregisters ln.
func (c *Conn) RemoveListener(ln Listener) { c.listeners.Remove(ln) }

// SendText enqueues a TEXT message. It may be split into multiple frames by
// the writer loop if it exceeds the configured max payload size.
func (c *Conn) SendText(text string) error {
	return c.send(OpText, []byte(text))
}

// SendBinary enqueues a BINARY message.
func (c *Conn) SendBinary(data []byte) error {
	return c.send(OpBinary, data)
}

// SendPing enqueues a PING control frame with the given payload (at most 125
// bytes).
func (c *Conn) SendPing(payload []byte) error {
	return c.send(OpPing, payload)
}

// SendPong enqueues a PONG control frame with the given payload.
func (c *Conn) SendPong(payload []byte) error {
	return c.send(OpPong, payload)
}

// SendClose starts the local-initiated closing handshake (section 4.4): it
// enqueues a CLOSE frame and transitions the connection to CLOSING.
func (c *Conn) SendClose(code StatusCode, reason string) error {
	if !c.state.CompareAndSet(StateOpen, StateClosing) && c.state.Get() != StateClosing {
		return newErr(CodeNotInCreatedState, nil)
	}
	c.localClose.Store(&CloseFrame{Code: code, Reason: reason})
	return c.send(OpClose, formatCloseMessage(code, reason))
}

func (c *Conn) send(op Opcode, payload []byte) error {
	f := &Frame{Fin: true, Opcode: op, Payload: payload}
	c.listeners.each(func(ln Listener) { ln.OnSendingFrame(c, f) })
	if c.state.Get() == StateClosed || !c.outq.push(f) {
		c.listeners.each(func(ln Listener) { ln.OnFrameUnsent(c, f) })
		return newErr(CodeNotInCreatedState, nil)
	}
	return nil
}

// Disconnect tears the connection down. Before OPEN it cancels the pending
// connect; after OPEN it performs a local CLOSE with StatusNormalClosure and
// waits (bounded by ctx) for the closing handshake to finish.
func (c *Conn) Disconnect(ctx context.Context) error {
	switch c.state.Get() {
	case StateCreated, StateConnecting:
		c.forceClose()
		return nil
	case StateClosed:
		return nil
	}
	if err := c.SendClose(StatusNormalClosure, ""); err != nil {
		return err
	}

	done := make(chan struct{})
	closeTimeout := c.cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 5 * time.Second
	}
	go func() {
		c.waitClosed(closeTimeout)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.forceClose()
		return ctx.Err()
	}
}

func (c *Conn) forceClose() {
	c.closeOnce.Do(func() {
		close(c.pingStop)
		c.outq.close()
		c.netConn.Close()
		c.state.Set(StateClosed)
	})
}

func (c *Conn) startLoops() {
	go c.readLoop()
	go c.writeLoop()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(c.cfg.PingInterval)
	}
	if c.cfg.PongInterval > 0 {
		go c.pongLoop(c.cfg.PongInterval)
	}
}

func (c *Conn) fireConnected() {
	c.listeners.each(func(ln Listener) { ln.OnConnected(c) })
}

func (c *Conn) fireDisconnected() {
	c.listeners.each(func(ln Listener) {
		ln.OnDisconnected(c, c.remoteClose.Load(), c.localClose.Load(), c.closedByServer.Load())
	})
}

func (c *Conn) fireError(err error) {
	c.listeners.each(func(ln Listener) { ln.OnError(c, err) })
}

// waitClosed blocks until both loops have exited or closeTimeout elapses,
// per the writer termination rule in section 4.3.
func (c *Conn) waitClosed(closeTimeout time.Duration) {
	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()

	readerDone, writerDone := c.readerDone, c.writerDone
	for readerDone != nil || writerDone != nil {
		select {
		case <-readerDone:
			readerDone = nil
		case <-writerDone:
			writerDone = nil
		case <-timer.C:
			c.forceClose()
			return
		}
	}
}
