// Package fastplane is the optional low-latency TCP transport: msgpack
// request/response for bus reads and publishes, plus a batched push
// channel with per-producer watermark validation.
package fastplane

import (
	"encoding/binary"
	"io"
	"net"
	"reflect"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/nexabus/nexabus/errors"
)

// ProtocolVersion is carried in every envelope as "v".
const ProtocolVersion = 1

// DefaultMaxFrameBytes bounds one framed envelope.
const DefaultMaxFrameBytes = 4 << 20

var wireHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.RawToString = true
	h.WriteExt = true
	return h
}()

// wire frames msgpack maps with a 4-byte big-endian length prefix over a
// TCP connection. One locked writer, one locked reader.
type wire struct {
	conn     net.Conn
	maxFrame int

	sendMu sync.Mutex
	recvMu sync.Mutex
	lenBuf [4]byte
}

func newWire(conn net.Conn, maxFrame int) *wire {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &wire{conn: conn, maxFrame: maxFrame}
}

func (w *wire) write(envelope map[string]any) error {
	var body []byte
	enc := codec.NewEncoderBytes(&body, wireHandle)
	if err := enc.Encode(envelope); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "encoding envelope")
	}
	if len(body) > w.maxFrame {
		return errors.NewValidation("envelope exceeds frame limit").
			WithDetail("size", len(body)).
			WithDetail("limit", w.maxFrame)
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.conn.Write(lenBuf[:]); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "writing envelope")
	}
	if _, err := w.conn.Write(body); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeCommunication, "writing envelope")
	}
	return nil
}

func (w *wire) read() (map[string]any, error) {
	w.recvMu.Lock()
	defer w.recvMu.Unlock()

	if _, err := io.ReadFull(w.conn, w.lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.WrapWithType(err, errors.ErrorTypeCommunication, "reading envelope")
	}
	size := binary.BigEndian.Uint32(w.lenBuf[:])
	if int(size) > w.maxFrame {
		return nil, errors.NewValidation("incoming envelope exceeds frame limit").
			WithDetail("size", size).
			WithDetail("limit", w.maxFrame)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(w.conn, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.WrapWithType(err, errors.ErrorTypeCommunication, "reading envelope")
	}

	var envelope map[string]any
	dec := codec.NewDecoderBytes(body, wireHandle)
	if err := dec.Decode(&envelope); err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeCommunication, "decoding envelope")
	}
	return envelope, nil
}

func (w *wire) close() error {
	return w.conn.Close()
}
