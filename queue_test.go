package wsclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundQueueFIFO(t *testing.T) {
	q := newOutboundQueue()
	f1 := &Frame{Opcode: OpText, Payload: []byte("1")}
	f2 := &Frame{Opcode: OpText, Payload: []byte("2")}
	require.True(t, q.push(f1))
	require.True(t, q.push(f2))

	got1, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, f1, got1)

	got2, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, f2, got2)
}

func TestOutboundQueuePopBlocksUntilPush(t *testing.T) {
	q := newOutboundQueue()
	result := make(chan *Frame, 1)
	go func() {
		f, ok := q.pop()
		if ok {
			result <- f
		}
	}()

	select {
	case <-result:
		t.Fatal("pop returned before any push")
	case <-time.After(50 * time.Millisecond):
	}

	f := &Frame{Opcode: OpPing}
	q.push(f)

	select {
	case got := <-result:
		assert.Same(t, f, got)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after push")
	}
}

func TestOutboundQueueCloseUnblocksPop(t *testing.T) {
	q := newOutboundQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after close")
	}
}

func TestOutboundQueuePushAfterCloseFails(t *testing.T) {
	q := newOutboundQueue()
	q.close()
	assert.False(t, q.push(&Frame{Opcode: OpPing}))
}

func TestOutboundQueueDrain(t *testing.T) {
	q := newOutboundQueue()
	q.push(&Frame{Opcode: OpText, Payload: []byte("a")})
	q.push(&Frame{Opcode: OpText, Payload: []byte("b")})

	drained := q.drain()
	assert.Len(t, drained, 2)
	assert.Empty(t, q.drain())
}
