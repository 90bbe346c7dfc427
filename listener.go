package wsclient

import "sync"

// Listener receives lifecycle and traffic notifications from a Conn. All
// methods are called synchronously on whichever goroutine produced the
// event (reader, writer, or the goroutine that called a Conn method or
// Config.Dial). OnConnected fires on the goroutine that called Config.Dial,
// after the reader and writer goroutines have started and before Dial
// returns; it is not delivered from the reader/writer goroutines.
// Implementations should not block.
//
// Embed NopListener to implement only the callbacks that matter.
type Listener interface {
	OnConnected(c *Conn)
	OnDisconnected(c *Conn, serverClose, clientClose *CloseFrame, closedByServer bool)
	OnTextMessage(c *Conn, text string)
	OnBinaryMessage(c *Conn, data []byte)
	OnPongMessage(c *Conn, data []byte)
	OnSendingFrame(c *Conn, f *Frame)
	OnFrameSent(c *Conn, f *Frame)
	OnFrameUnsent(c *Conn, f *Frame)
	OnSendError(c *Conn, f *Frame, err error)
	OnMessageDecompressionError(c *Conn, payload []byte, err error)
	OnError(c *Conn, err error)
	// HandleCallbackError is invoked when any other Listener method panics
	// or the implementation chooses to report its own failure back through
	// the fan-out. A panic or error raised from inside HandleCallbackError
	// itself is swallowed.
	HandleCallbackError(c *Conn, err error)
}

// CloseFrame records the status code and reason of one side of a closing
// handshake, for delivery via OnDisconnected.
type CloseFrame struct {
	Code   StatusCode
	Reason string
}

// NopListener implements Listener with no-op methods. Embed it in a struct
// that only overrides the callbacks it cares about.
type NopListener struct{}

func (NopListener) OnConnected(*Conn)                                    {}
func (NopListener) OnDisconnected(*Conn, *CloseFrame, *CloseFrame, bool) {}
func (NopListener) OnTextMessage(*Conn, string)                          {}
func (NopListener) OnBinaryMessage(*Conn, []byte)                        {}
func (NopListener) OnPongMessage(*Conn, []byte)                          {}
func (NopListener) OnSendingFrame(*Conn, *Frame)                         {}
func (NopListener) OnFrameSent(*Conn, *Frame)                            {}
func (NopListener) OnFrameUnsent(*Conn, *Frame)                          {}
func (NopListener) OnSendError(*Conn, *Frame, error)                     {}
func (NopListener) OnMessageDecompressionError(*Conn, []byte, error)     {}
func (NopListener) OnError(*Conn, error)                                 {}
func (NopListener) HandleCallbackError(*Conn, error)                     {}

// listenerList is an insertion-ordered, copy-on-write collection of
// Listeners. Every emission iterates a snapshot slice taken under the lock;
// a listener added during emission is never observed by that emission,
// since the snapshot was already copied out.
type listenerList struct {
	mu   sync.Mutex
	list []Listener
}

func (l *listenerList) Add(ln Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]Listener, len(l.list)+1)
	copy(next, l.list)
	next[len(l.list)] = ln
	l.list = next
}

func (l *listenerList) Remove(ln Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]Listener, 0, len(l.list))
	for _, existing := range l.list {
		if existing != ln {
			next = append(next, existing)
		}
	}
	l.list = next
}

func (l *listenerList) snapshot() []Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list
}

func (l *listenerList) each(fn func(Listener)) {
	for _, ln := range l.snapshot() {
		invoke(ln, fn)
	}
}

// invoke runs fn(ln), catching a panic and routing it to the listener's own
// HandleCallbackError. A panic raised from within HandleCallbackError is
// swallowed, matching the single terminal-sink rule.
func invoke(ln Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = newErr(CodeUnexpectedErrorInReadingLoop, nil)
			}
			safeHandleCallbackError(ln, err)
		}
	}()
	fn(ln)
}

func safeHandleCallbackError(ln Listener, err error) {
	defer func() {
		recover()
	}()
	ln.HandleCallbackError(nil, err)
}
