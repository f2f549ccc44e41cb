package fastplane

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexabus/nexabus/errors"
)

// Client is one plugin-side connection to the fast plane. A single reader
// goroutine matches replies to callers by request id; batch acks share the
// same table keyed by batch id.
type Client struct {
	w *wire

	mu      sync.Mutex
	pending map[string]chan map[string]any
	closed  bool
}

// Dial connects to the fast plane.
func Dial(addr string, maxFrame int) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeCommunication, "dialing fast plane")
	}
	c := &Client{
		w:       newWire(conn, maxFrame),
		pending: make(map[string]chan map[string]any),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		envelope, err := c.w.read()
		if err != nil {
			c.failAll(err)
			return
		}
		key, _ := envelope["req_id"].(string)
		if key == "" {
			key, _ = envelope["batch_id"].(string)
		}
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- envelope
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan map[string]any)
	c.closed = true
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    string(errors.ErrorTypeCommunication),
				"message": err.Error(),
			},
		}
	}
}

// Call performs one request and waits for its reply.
func (c *Client) Call(ctx context.Context, op string, args map[string]any) (map[string]any, error) {
	reqID := uuid.NewString()
	reply, err := c.roundTrip(ctx, reqID, map[string]any{
		"v": ProtocolVersion, "op": op, "req_id": reqID, "args": args,
	})
	if err != nil {
		return nil, err
	}
	if ok, _ := reply["ok"].(bool); !ok {
		return nil, replyError(reply)
	}
	result, _ := reply["result"].(map[string]any)
	return result, nil
}

func (c *Client) roundTrip(ctx context.Context, key string, envelope map[string]any) (map[string]any, error) {
	ch := make(chan map[string]any, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.NewCommunication("fast plane connection closed")
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.w.write(envelope); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.WrapWithType(ctx.Err(), errors.ErrorTypeTimeout, "fast plane call")
	}
}

func replyError(reply map[string]any) error {
	errBody, _ := reply["error"].(map[string]any)
	code, _ := errBody["code"].(string)
	message, _ := errBody["message"].(string)
	if message == "" {
		message = "fast plane request failed"
	}
	appErr := errors.New(errors.ErrorType(code), message)
	if details, ok := errBody["details"].(map[string]any); ok {
		appErr = appErr.WithDetails(details)
	}
	return appErr
}

// Close tears the connection down; in-flight calls fail.
func (c *Client) Close() error {
	return c.w.close()
}

// Batcher buffers push items and flushes either when the batch is full or
// when the time budget elapses. Each batch carries contiguous sequence
// numbers so the server can advance its watermark in O(1).
type Batcher struct {
	client     *Client
	fromPlugin string
	maxBatch   int
	budget     time.Duration

	mu       sync.Mutex
	items    []map[string]any
	firstSeq uint64
	nextSeq  uint64
	timer    *time.Timer

	ackTimeout time.Duration
}

// NewBatcher builds a batcher over an established client. The sequence
// starts after lastSeq, letting a reconnecting producer resume.
func NewBatcher(client *Client, fromPlugin string, maxBatch int, budget time.Duration, lastSeq uint64) *Batcher {
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	if budget <= 0 {
		budget = 20 * time.Millisecond
	}
	return &Batcher{
		client:     client,
		fromPlugin: fromPlugin,
		maxBatch:   maxBatch,
		budget:     budget,
		nextSeq:    lastSeq + 1,
		ackTimeout: 5 * time.Second,
	}
}

// Add queues one item. A full buffer flushes inline; otherwise the time
// budget is armed.
func (b *Batcher) Add(store, topic string, payload map[string]any) error {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.firstSeq = b.nextSeq
	}
	b.items = append(b.items, map[string]any{
		"store": store, "topic": topic, "payload": payload, "seq": b.nextSeq,
	})
	b.nextSeq++

	if len(b.items) >= b.maxBatch {
		items, first, last := b.takeLocked()
		b.mu.Unlock()
		return b.send(items, first, last)
	}
	if b.timer == nil {
		// The push plane is non-authoritative; a timer flush that fails is
		// dropped rather than retried.
		b.timer = time.AfterFunc(b.budget, func() { _ = b.Flush() })
	}
	b.mu.Unlock()
	return nil
}

// Flush sends whatever is buffered.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.mu.Unlock()
		return nil
	}
	items, first, last := b.takeLocked()
	b.mu.Unlock()
	return b.send(items, first, last)
}

func (b *Batcher) takeLocked() ([]map[string]any, uint64, uint64) {
	items := b.items
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items, b.firstSeq, b.firstSeq + uint64(len(items)) - 1
}

func (b *Batcher) send(items []map[string]any, first, last uint64) error {
	batchID := uuid.NewString()
	anyItems := make([]any, len(items))
	for i, item := range items {
		anyItems[i] = item
	}
	envelope := map[string]any{
		"v":           ProtocolVersion,
		"kind":        "delta_batch",
		"from_plugin": b.fromPlugin,
		"ts":          float64(time.Now().UnixNano()) / 1e9,
		"batch_id":    batchID,
		"first_seq":   first,
		"last_seq":    last,
		"count":       uint64(len(items)),
		"items":       anyItems,
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.ackTimeout)
	defer cancel()
	reply, err := b.client.roundTrip(ctx, batchID, envelope)
	if err != nil {
		return err
	}
	if ok, _ := reply["ok"].(bool); !ok {
		return replyError(reply)
	}
	return nil
}
