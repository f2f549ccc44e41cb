package child

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/plugin"
)

// routerClient issues child-to-host router requests over the request queue
// and matches responses from the response queue. One instance per child;
// it backs both the bus client and the plugin-call client.
type routerClient struct {
	send func(ipc.Frame) error

	mu      sync.Mutex
	pending map[string]chan ipc.Result

	defaultTimeout time.Duration
}

func newRouterClient(send func(ipc.Frame) error, defaultTimeout time.Duration) *routerClient {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &routerClient{
		send:           send,
		pending:        make(map[string]chan ipc.Result),
		defaultTimeout: defaultTimeout,
	}
}

// deliver resolves the waiter for a response frame. Unknown ids are late
// replies and are dropped.
func (c *routerClient) deliver(f ipc.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ReqID]
	if ok {
		delete(c.pending, f.ReqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- ipc.DecodeResult(f)
	}
}

// fail completes every waiter with a communication error.
func (c *routerClient) fail(msg string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan ipc.Result)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- ipc.Result{OK: false, Code: string(plugin.CodeCommunication), Message: msg}
	}
}

func (c *routerClient) request(ctx context.Context, reqType string, payload map[string]any, timeout time.Duration) (ipc.Result, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	reqID := uuid.NewString()
	ch := make(chan ipc.Result, 1)

	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if payload == nil {
		payload = map[string]any{}
	}
	payload["timeout"] = timeout.Seconds()
	err := c.send(ipc.Frame{
		Queue:   ipc.QueueRequest,
		Kind:    ipc.KindRequest,
		ReqID:   reqID,
		Type:    reqType,
		Payload: payload,
	})
	if err != nil {
		return ipc.Result{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return ipc.Result{}, errors.NewTimeout("router request " + reqType + " timed out").
			WithDetail("req_id", reqID)
	case <-ctx.Done():
		return ipc.Result{}, errors.WrapWithType(ctx.Err(), errors.ErrorTypeTimeout,
			"router request canceled")
	}
}

// resultErr converts a failed router reply into an error.
func resultErr(res ipc.Result) error {
	if res.OK {
		return nil
	}
	code := plugin.ErrorCode(res.Code)
	if code == "" {
		code = plugin.CodeInternal
	}
	return &plugin.ErrorInfo{Code: code, Message: res.Message, Details: res.Details}
}

// busClient implements plugin.BusClient over the router client.
type busClient struct {
	pluginID string
	rc       *routerClient
}

func (b *busClient) PushMessage(ctx context.Context, msg map[string]any) error {
	payload := make(map[string]any, len(msg)+1)
	for k, v := range msg {
		payload[k] = v
	}
	payload["plugin_id"] = b.pluginID
	res, err := b.rc.request(ctx, "MESSAGE_PUSH", payload, 0)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func (b *busClient) GetMessages(ctx context.Context, filter map[string]any) ([]map[string]any, error) {
	res, err := b.rc.request(ctx, "MESSAGE_GET", filter, 0)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res); err != nil {
		return nil, err
	}
	return decodeRecords(res.Data), nil
}

func (b *busClient) Query(ctx context.Context, busName string, params map[string]any) ([]map[string]any, error) {
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["bus"] = busName
	res, err := b.rc.request(ctx, "MEMORY_QUERY", payload, 0)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res); err != nil {
		return nil, err
	}
	return decodeRecords(res.Data), nil
}

func (b *busClient) Subscribe(ctx context.Context, busName string, rules []string, debounceMS int) (string, error) {
	ruleVals := make([]any, len(rules))
	for i, r := range rules {
		ruleVals[i] = r
	}
	res, err := b.rc.request(ctx, "BUS_SUBSCRIBE", map[string]any{
		"bus":         busName,
		"rules":       ruleVals,
		"deliver":     "delta",
		"debounce_ms": debounceMS,
	}, 0)
	if err != nil {
		return "", err
	}
	if err := resultErr(res); err != nil {
		return "", err
	}
	subID, _ := res.Data["sub_id"].(string)
	return subID, nil
}

func (b *busClient) Unsubscribe(ctx context.Context, busName, subID string) error {
	res, err := b.rc.request(ctx, "BUS_UNSUBSCRIBE", map[string]any{
		"bus":    busName,
		"sub_id": subID,
	}, 0)
	if err != nil {
		return err
	}
	return resultErr(res)
}

func decodeRecords(data map[string]any) []map[string]any {
	raw, _ := data["records"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// callClient implements plugin.CallClient over the router client.
type callClient struct {
	pluginID string
	rc       *routerClient
}

func (c *callClient) Call(ctx context.Context, targetPlugin, eventType, eventID string, args map[string]any, timeout time.Duration) (*plugin.Result, error) {
	res, err := c.rc.request(ctx, "PLUGIN_TO_PLUGIN", map[string]any{
		"target_plugin": targetPlugin,
		"event_type":    eventType,
		"event_id":      eventID,
		"args":          args,
	}, timeout)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res); err != nil {
		return nil, err
	}
	out := plugin.OK(res.Data["data"])
	if msg, ok := res.Data["message"].(string); ok {
		out.Message = msg
	}
	if trace, ok := res.Data["trace_id"].(string); ok {
		out.TraceID = trace
	}
	return out, nil
}
