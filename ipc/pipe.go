package ipc

import (
	"io"
	"reflect"
	"sync"
)

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

// pipeConn is an in-process Conn backed by channels. Tests and the
// loopback transport run host and child runtimes in one process over a
// pipe pair.
type pipeConn struct {
	in  <-chan Frame
	out chan<- Frame

	closeOnce sync.Once
	closed    chan struct{}
	peer      *pipeConn
}

// Pipe returns two connected in-memory conns. Frames sent on one side are
// received on the other in order. buffer bounds in-flight frames per
// direction.
func Pipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = 64
	}
	aToB := make(chan Frame, buffer)
	bToA := make(chan Frame, buffer)
	a := &pipeConn{in: bToA, out: aToB, closed: make(chan struct{})}
	b := &pipeConn{in: aToB, out: bToA, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *pipeConn) Send(f Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case <-c.peer.closed:
		return io.ErrClosedPipe
	case c.out <- f:
		return nil
	}
}

func (c *pipeConn) Recv() (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	case <-c.peer.closed:
		// Drain frames the peer sent before closing.
		select {
		case f := <-c.in:
			return f, nil
		default:
			return Frame{}, io.EOF
		}
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
