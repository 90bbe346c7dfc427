package wsclient

import "sync/atomic"

// State is a connection's position in the lifecycle described in section 3:
// CREATED -> CONNECTING -> (OPEN | CLOSED); OPEN -> CLOSING -> CLOSED;
// CONNECTING -> CLOSED. CLOSED is terminal.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// stateVar is the connection's single state variable, read and written from
// the reader, writer, and caller goroutines concurrently, hence atomic.Int32
// rather than a plain field.
type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) Get() State {
	return State(s.v.Load())
}

func (s *stateVar) Set(ns State) {
	s.v.Store(int32(ns))
}

// CompareAndSet performs the transition only if the current value is from.
// Used where two goroutines could race the same transition (the reader
// observing a remote CLOSE while a caller of SendClose starts a local one).
func (s *stateVar) CompareAndSet(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}
