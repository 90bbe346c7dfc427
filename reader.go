package wsclient

import (
	"errors"
	"io"
	"net"
	"unicode/utf8"
)

// continuationState tracks an in-progress fragmented message across reader
// iterations, owned exclusively by the reader goroutine per the data
// model's ownership rule.
type continuationState struct {
	active       bool
	originOpcode Opcode
	rsv1         bool
	buf          []byte
}

// readLoop is the reader's single dedicated goroutine (section 4.2): decode,
// validate, dispatch, repeat, until a termination condition is hit.
func (c *Conn) readLoop() {
	defer close(c.readerDone)

	var cont continuationState

	for {
		f, err := decodeFrame(c.br, c.cfg.maxMessageSize())
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.cfg.Extended {
			if f.Rsv2 || f.Rsv3 || (f.Rsv1 && c.deflate == nil) {
				c.protocolViolation(StatusProtocolError, CodeUnexpectedReservedBit)
				return
			}
			if f.Opcode >= 3 && f.Opcode <= 7 || f.Opcode >= 11 && f.Opcode <= 15 {
				c.protocolViolation(StatusProtocolError, CodeUnknownOpcode)
				return
			}
		}

		switch {
		case f.Opcode == OpText || f.Opcode == OpBinary:
			if cont.active {
				c.protocolViolation(StatusProtocolError, CodeContinuationNotClosed)
				return
			}
			if f.Fin {
				if !c.deliverMessage(f.Opcode, f.Rsv1, f.Payload) {
					return
				}
			} else {
				cont = continuationState{active: true, originOpcode: f.Opcode, rsv1: f.Rsv1, buf: append([]byte(nil), f.Payload...)}
			}

		case f.Opcode == OpContinuation:
			if !cont.active {
				c.protocolViolation(StatusProtocolError, CodeUnexpectedContinuationFrame)
				return
			}
			cont.buf = append(cont.buf, f.Payload...)
			if c.cfg.maxMessageSize() > 0 && int64(len(cont.buf)) > c.cfg.maxMessageSize() {
				c.fireError(newErr(CodeMessageConstructionError, nil))
				c.protocolViolation(StatusMessageTooBig, CodeMessageConstructionError)
				return
			}
			if f.Fin {
				origin, rsv1, buf := cont.originOpcode, cont.rsv1, cont.buf
				cont = continuationState{}
				if !c.deliverMessage(origin, rsv1, buf) {
					return
				}
			}

		case f.Opcode == OpPing:
			if c.state.Get() != StateClosing {
				_ = c.send(OpPong, f.Payload)
			}

		case f.Opcode == OpPong:
			c.listeners.each(func(ln Listener) { ln.OnPongMessage(c, f.Payload) })

		case f.Opcode == OpClose:
			if c.handleCloseFrame(f) {
				return
			}

		default:
			c.protocolViolation(StatusProtocolError, CodeUnknownOpcode)
			return
		}
	}
}

// deliverMessage decompresses (if rsv1 was set and permessage-deflate is
// negotiated) and delivers one reassembled message. Returns false if the
// reader loop should exit, having already handled the failure.
func (c *Conn) deliverMessage(opcode Opcode, rsv1 bool, payload []byte) bool {
	if rsv1 && c.compressIn != nil {
		decompressed, err := c.compressIn.decompressMessage(payload)
		if err != nil {
			c.listeners.each(func(ln Listener) { ln.OnMessageDecompressionError(c, payload, err) })
			c.protocolViolation(StatusProtocolError, CodeDecompressionError)
			return false
		}
		payload = decompressed
	}

	if opcode == OpText {
		if !utf8.Valid(payload) {
			c.fireError(newErr(CodeTextMessageConstructionError, nil))
			c.protocolViolation(StatusInvalidFramePayloadData, CodeTextMessageConstructionError)
			return false
		}
		c.listeners.each(func(ln Listener) { ln.OnTextMessage(c, string(payload)) })
		return true
	}
	c.listeners.each(func(ln Listener) { ln.OnBinaryMessage(c, payload) })
	return true
}

// handleCloseFrame implements the remote-initiated and rendezvous sides of
// the closing handshake from section 4.4. Returns true if the reader loop
// should exit. For a remote-initiated close it does not tear the connection
// down itself: the echo still has to reach the wire, and only the writer
// goroutine knows when that has actually happened (writer.go). For the
// peer's reply to a local close it finishes the teardown here.
func (c *Conn) handleCloseFrame(f *Frame) bool {
	code, reason := parseCloseMessage(f.Payload)
	c.remoteClose.Store(&CloseFrame{Code: code, Reason: reason})

	wasClosing := c.state.Get() == StateClosing
	c.state.CompareAndSet(StateOpen, StateClosing)

	if wasClosing {
		// This is the server's reply to a close we already initiated;
		// nothing left to write, so finish now rather than waiting out
		// the writer's closeTimeout.
		c.finishClose()
		return true
	}

	// Remote-initiated: echo with the same status, or 1000 if none. The
	// writer finishes the teardown once it has written this frame, since
	// remoteClose is already set by the time it gets there.
	echoCode := code
	if echoCode == StatusNoStatusReceived {
		echoCode = StatusNormalClosure
	}
	c.closedByServer.Store(true)
	_ = c.send(OpClose, formatCloseMessage(echoCode, ""))
	return true
}

// protocolViolation queues a CLOSE describing the violation and stops the
// reader; the writer finishes the teardown once it has actually written
// that frame (writer.go), instead of the reader closing the socket out from
// under an in-flight write.
func (c *Conn) protocolViolation(status StatusCode, code Code) {
	c.fireError(newErr(code, nil))
	c.state.CompareAndSet(StateOpen, StateClosing)
	c.closeAfterWrite.Store(true)
	_ = c.send(OpClose, formatCloseMessage(status, ""))
}

// decodeViolationStatus reports the close status a decode-time protocol
// error (section 4.1) must be reported with, and whether it warrants one at
// all: true I/O failures (the connection is already gone) have nothing to
// send a CLOSE over.
func decodeViolationStatus(code Code) (StatusCode, bool) {
	switch code {
	case CodeFrameMasked, CodeUnknownOpcode, CodeUnexpectedReservedBit,
		CodeFragmentedControlFrame, CodeUnexpectedContinuationFrame,
		CodeContinuationNotClosed, CodeInvalidPayloadLength:
		return StatusProtocolError, true
	case CodeTooLongControlFramePayload, CodeTooLongPayload:
		return StatusMessageTooBig, true
	default:
		return 0, false
	}
}

func (c *Conn) handleReadError(err error) {
	var wsErr *WSError
	hasWSErr := errors.As(err, &wsErr)

	if hasWSErr {
		if status, ok := decodeViolationStatus(wsErr.Code); ok {
			c.protocolViolation(status, wsErr.Code)
			return
		}
	}

	isNoMore := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
	if hasWSErr {
		isNoMore = isNoMore || wsErr.Code == CodeInsufficientData
	}

	if isNoMore {
		if c.cfg.MissingCloseFrameAllowed {
			c.remoteClose.Store(&CloseFrame{Code: StatusAbnormalClosure})
			c.finishClose()
			return
		}
		c.fireError(newErr(CodeNoMoreFrame, err))
		c.finishClose()
		return
	}

	c.fireError(err)
	c.finishClose()
}

// finishClose performs the once-only terminal transition and notification,
// shared by every reader exit path.
func (c *Conn) finishClose() {
	c.forceClose()
	c.fireDisconnected()
}
