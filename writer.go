package wsclient

import (
	"bufio"
	"time"
)

// writeLoop is the writer's single dedicated goroutine (section 4.3): pop,
// split/compress, encode, write, flush, repeat, until termination.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	bw := bufio.NewWriter(c.netConn)
	closeSent := false

	for {
		f, ok := c.outq.pop()
		if !ok {
			c.unsendRemaining(nil)
			return
		}

		if closeSent && f.Opcode != OpClose {
			c.listeners.each(func(ln Listener) { ln.OnFrameUnsent(c, f) })
			continue
		}

		frames, err := c.prepareOutgoing(f)
		if err != nil {
			c.listeners.each(func(ln Listener) { ln.OnSendError(c, f, err) })
			continue
		}

		for _, of := range frames {
			if err := c.writeOneFrame(bw, of); err != nil {
				c.listeners.each(func(ln Listener) { ln.OnSendError(c, f, err) })
				c.fireError(err)
				c.forceClose()
				return
			}
		}
		if c.shouldFlush(f) {
			if err := bw.Flush(); err != nil {
				c.listeners.each(func(ln Listener) { ln.OnSendError(c, f, newErr(CodeFlushError, err)) })
				c.fireError(newErr(CodeFlushError, err))
				c.forceClose()
				return
			}
		}
		c.listeners.each(func(ln Listener) { ln.OnFrameSent(c, f) })

		if f.Opcode == OpClose {
			closeSent = true
			// A CLOSE the writer itself just wrote is finished the moment
			// it reaches the wire whenever nothing more is expected back:
			// remoteClose means this was the echo to a peer-initiated
			// close (handleCloseFrame), closeAfterWrite means the reader
			// already gave up on this connection (protocolViolation /
			// handleReadError) and isn't waiting for a reply either.
			if c.remoteClose.Load() != nil || c.closeAfterWrite.Load() {
				c.finishClose()
				return
			}
			// Rendezvous: wait for the reader to observe the peer's CLOSE,
			// bounded by closeTimeout, per section 4.3's termination rule.
			closeTimeout := c.cfg.CloseTimeout
			if closeTimeout <= 0 {
				closeTimeout = 5 * time.Second
			}
			timer := time.AfterFunc(closeTimeout, c.forceClose)
			defer timer.Stop()
		}
	}
}

// shouldFlush implements the autoFlush configuration item (section 6):
// true flushes after every write; false batches writes in bufio's buffer,
// still flushing control frames immediately (they must reach the peer
// promptly) and whenever the outbound queue has momentarily drained, so a
// burst of sends goes out together rather than one syscall each.
func (c *Conn) shouldFlush(f *Frame) bool {
	if c.cfg.AutoFlush {
		return true
	}
	if f.Opcode.IsControl() {
		return true
	}
	return c.outq.len() == 0
}

func (c *Conn) writeOneFrame(bw *bufio.Writer, f *Frame) error {
	buf, err := encodeFrame(f, c.rng)
	if err != nil {
		return newErr(CodeIOErrorInWriting, err)
	}
	if _, err := bw.Write(buf); err != nil {
		return newErr(CodeIOErrorInWriting, err)
	}
	return nil
}

// prepareOutgoing applies compression (for eligible data messages) and
// splitting (section 4.3 policies) to one logical outbound frame, returning
// the wire frames to actually send.
func (c *Conn) prepareOutgoing(f *Frame) ([]*Frame, error) {
	payload := f.Payload
	rsv1 := false

	if f.Opcode.IsData() && f.Opcode != OpContinuation && c.compressOut != nil {
		compressed, err := c.compressOut.compressMessage(payload)
		if err != nil {
			return nil, err
		}
		payload = compressed
		rsv1 = true
	}

	maxSize := c.cfg.maxPayloadSize()
	if f.Opcode.IsControl() || maxSize <= 0 || int64(len(payload)) <= maxSize {
		return []*Frame{{Fin: true, Rsv1: rsv1, Opcode: f.Opcode, Payload: payload}}, nil
	}

	var frames []*Frame
	op := f.Opcode
	for len(payload) > 0 {
		n := maxSize
		if int64(len(payload)) < n {
			n = int64(len(payload))
		}
		chunk := payload[:n]
		payload = payload[n:]
		fin := len(payload) == 0
		frames = append(frames, &Frame{
			Fin:     fin,
			Rsv1:    rsv1 && op == f.Opcode,
			Opcode:  op,
			Payload: chunk,
		})
		op = OpContinuation
		rsv1 = false
	}
	return frames, nil
}

// unsendRemaining drains the queue and reports every still-queued frame as
// unsent, used once the queue itself has been closed.
func (c *Conn) unsendRemaining(_ error) {
	for _, f := range c.outq.drain() {
		c.listeners.each(func(ln Listener) { ln.OnFrameUnsent(c, f) })
	}
}
