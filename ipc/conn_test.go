package ipc

import (
	"bytes"
	"io"
	"testing"
)

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func TestStreamConn_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := NewStreamConn(nil, &buf, nil, 0)
	reader := NewStreamConn(&buf, nil, nil, 0)

	sent := Frame{
		Queue: QueueCmd,
		Kind:  KindTrigger,
		ReqID: "r1",
		Type:  "entry",
		Payload: map[string]any{
			"event_id": "run",
			"args":     map[string]any{"n": int64(3)},
		},
	}
	if err := writer.Send(sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := reader.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got.Queue != QueueCmd || got.Kind != KindTrigger || got.ReqID != "r1" {
		t.Fatalf("frame envelope = %+v", got)
	}
	if got.Payload["event_id"] != "run" {
		t.Fatalf("payload = %+v", got.Payload)
	}
	args, ok := got.Payload["args"].(map[string]any)
	if !ok {
		t.Fatalf("nested map decoded as %T", got.Payload["args"])
	}
	if n, ok := asInt(args["n"]); !ok || n != 3 {
		t.Fatalf("nested value = %v (%T)", args["n"], args["n"])
	}
}

func TestStreamConn_PreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	writer := NewStreamConn(nil, &buf, nil, 0)
	reader := NewStreamConn(&buf, nil, nil, 0)

	for i := 0; i < 10; i++ {
		if err := writer.Send(Frame{Queue: QueueStatus, Kind: KindStatus, Payload: map[string]any{"i": int64(i)}}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		f, err := reader.Recv()
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if n, ok := asInt(f.Payload["i"]); !ok || n != int64(i) {
			t.Fatalf("frame %d out of order: %v", i, f.Payload["i"])
		}
	}
}

func TestStreamConn_EOFOnExhaustedStream(t *testing.T) {
	reader := NewStreamConn(bytes.NewReader(nil), nil, nil, 0)
	if _, err := reader.Recv(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestStreamConn_RejectsOversizedFrames(t *testing.T) {
	var buf bytes.Buffer
	writer := NewStreamConn(nil, &buf, nil, 64)

	big := make([]byte, 256)
	err := writer.Send(Frame{Queue: QueueCmd, Kind: KindTrigger, Payload: map[string]any{"blob": string(big)}})
	if err == nil {
		t.Fatal("oversized frame accepted")
	}
	if buf.Len() != 0 {
		t.Fatal("oversized frame partially written")
	}
}

func TestResultFrame_RoundTrip(t *testing.T) {
	f := ResultFrame("r9", Result{
		OK:      false,
		Code:    "TIMEOUT",
		Message: "handler exceeded deadline",
		Details: map[string]any{"timeout": 1.0},
	})
	if f.Queue != QueueResult || f.ReqID != "r9" {
		t.Fatalf("frame envelope = %+v", f)
	}

	res := DecodeResult(f)
	if res.OK || res.Code != "TIMEOUT" || res.Message != "handler exceeded deadline" {
		t.Fatalf("decoded = %+v", res)
	}
	if res.Details["timeout"] != 1.0 {
		t.Fatalf("details = %+v", res.Details)
	}
}

func TestPipe_DeliversBothDirections(t *testing.T) {
	host, child := Pipe(4)

	if err := host.Send(Frame{Queue: QueueCmd, Kind: KindStop}); err != nil {
		t.Fatalf("host Send failed: %v", err)
	}
	f, err := child.Recv()
	if err != nil {
		t.Fatalf("child Recv failed: %v", err)
	}
	if f.Kind != KindStop {
		t.Fatalf("child received %+v", f)
	}

	if err := child.Send(ResultFrame("r1", Result{OK: true})); err != nil {
		t.Fatalf("child Send failed: %v", err)
	}
	f, err = host.Recv()
	if err != nil {
		t.Fatalf("host Recv failed: %v", err)
	}
	if f.ReqID != "r1" {
		t.Fatalf("host received %+v", f)
	}
}

func TestPipe_CloseUnblocksPeer(t *testing.T) {
	host, child := Pipe(1)

	done := make(chan error, 1)
	go func() {
		_, err := child.Recv()
		done <- err
	}()

	host.Close()
	if err := <-done; err != io.EOF {
		t.Fatalf("peer Recv returned %v, want io.EOF", err)
	}
}
