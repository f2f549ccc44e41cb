// Package ipc defines the wire protocol between the host and its plugin
// child processes. Five logical queues ride two pipes (the child's stdin
// and stdout) as tagged frames; ordering is preserved per queue because
// each direction is a single byte stream written by a single goroutine.
package ipc

// Queue names the logical channel a frame belongs to.
type Queue string

const (
	// QueueCmd carries host-to-child commands (trigger, stop, freeze).
	QueueCmd Queue = "cmd"
	// QueueResult carries child-to-host handler results keyed by req id.
	QueueResult Queue = "res"
	// QueueStatus carries unsolicited child status reports.
	QueueStatus Queue = "status"
	// QueueRequest carries child-to-host router requests.
	QueueRequest Queue = "req"
	// QueueResponse carries host-to-child router responses keyed by req id.
	QueueResponse Queue = "resp"
)

// Kind discriminates frames within a queue.
type Kind string

const (
	KindStop          Kind = "stop"
	KindFreeze        Kind = "freeze"
	KindTrigger       Kind = "trigger"
	KindTriggerCustom Kind = "trigger_custom"
	KindBusChange     Kind = "bus_change"
	KindResult        Kind = "result"
	KindStatus        Kind = "status"
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
)

// Frame is one unit on the wire.
type Frame struct {
	Queue   Queue          `codec:"q"`
	Kind    Kind           `codec:"k"`
	ReqID   string         `codec:"rid,omitempty"`
	Type    string         `codec:"t,omitempty"`
	Payload map[string]any `codec:"p,omitempty"`
}

// Result is the decoded body of a KindResult frame: the handler's
// structured envelope plus transport-level error state.
type Result struct {
	OK      bool           `codec:"ok"`
	Data    map[string]any `codec:"data,omitempty"`
	Code    string         `codec:"code,omitempty"`
	Message string         `codec:"message,omitempty"`
	Details map[string]any `codec:"details,omitempty"`
}

// ResultFrame builds a result frame for a request id.
func ResultFrame(reqID string, res Result) Frame {
	payload := map[string]any{"ok": res.OK}
	if res.Data != nil {
		payload["data"] = res.Data
	}
	if res.Code != "" {
		payload["code"] = res.Code
	}
	if res.Message != "" {
		payload["message"] = res.Message
	}
	if res.Details != nil {
		payload["details"] = res.Details
	}
	return Frame{Queue: QueueResult, Kind: KindResult, ReqID: reqID, Payload: payload}
}

// DecodeResult reads a Result back out of a result frame payload.
func DecodeResult(f Frame) Result {
	p := f.Payload
	res := Result{}
	if p == nil {
		return res
	}
	if ok, is := p["ok"].(bool); is {
		res.OK = ok
	}
	if data, is := p["data"].(map[string]any); is {
		res.Data = data
	}
	if code, is := p["code"].(string); is {
		res.Code = code
	}
	if msg, is := p["message"].(string); is {
		res.Message = msg
	}
	if details, is := p["details"].(map[string]any); is {
		res.Details = details
	}
	return res
}
