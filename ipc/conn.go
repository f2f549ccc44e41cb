package ipc

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/nexabus/nexabus/errors"
)

// DefaultMaxFrameBytes bounds a single frame on the stdio transport.
const DefaultMaxFrameBytes = 4 << 20

// Conn is one side of a host/child channel. Send and Recv are each safe
// for one concurrent caller; the host and child both use a single writer
// goroutine and a single reader goroutine per connection.
type Conn interface {
	Send(f Frame) error
	Recv() (Frame, error)
	Close() error
}

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.MapType = mapStringAnyType
	h.RawToString = true
	h.WriteExt = true
	return h
}()

// streamConn frames msgpack bodies with a 4-byte big-endian length prefix
// over a byte stream, the child's stdin/stdout in production.
type streamConn struct {
	r        io.Reader
	w        io.Writer
	closer   io.Closer
	maxFrame int

	sendMu sync.Mutex
	recvMu sync.Mutex
	lenBuf [4]byte
}

// NewStreamConn wraps a reader/writer pair. closer may be nil; maxFrame
// zero or negative selects the default.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer, maxFrame int) Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &streamConn{r: r, w: w, closer: closer, maxFrame: maxFrame}
}

func (c *streamConn) Send(f Frame) error {
	var body []byte
	enc := codec.NewEncoderBytes(&body, msgpackHandle)
	if err := enc.Encode(f); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "encoding frame")
	}
	if len(body) > c.maxFrame {
		return errors.NewValidation("frame exceeds size limit").
			WithDetail("size", len(body)).
			WithDetail("limit", c.maxFrame)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "writing frame length")
	}
	if _, err := c.w.Write(body); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "writing frame body")
	}
	return nil
}

func (c *streamConn) Recv() (Frame, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if _, err := io.ReadFull(c.r, c.lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, errors.WrapWithType(err, errors.ErrorTypeCommunication, "reading frame length")
	}
	size := binary.BigEndian.Uint32(c.lenBuf[:])
	if int(size) > c.maxFrame {
		return Frame{}, errors.NewValidation("incoming frame exceeds size limit").
			WithDetail("size", size).
			WithDetail("limit", c.maxFrame)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, errors.WrapWithType(err, errors.ErrorTypeCommunication, "reading frame body")
	}

	var f Frame
	dec := codec.NewDecoderBytes(body, msgpackHandle)
	if err := dec.Decode(&f); err != nil {
		return Frame{}, errors.WrapWithType(err, errors.ErrorTypeCommunication, "decoding frame")
	}
	return f, nil
}

func (c *streamConn) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
