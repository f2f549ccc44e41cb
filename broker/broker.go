// Package broker matches asynchronous responses to the requests that are
// waiting for them. The router registers an expectation before forwarding a
// request; whoever produces the response delivers it by request id. Each
// entry is one-shot: the first delivery wins, later ones are dropped, and
// entries that nobody answered are swept after their deadline.
package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/logging"
)

// expireBuffer pads the waiter's own timeout so the sweeper never races a
// waiter that is still inside its select.
const expireBuffer = 5 * time.Second

// Response is the payload delivered back to a waiter.
type Response struct {
	OK      bool
	Data    map[string]any
	Err     *errors.AppError
	Elapsed time.Duration
}

type entry struct {
	ch       chan Response
	created  time.Time
	expireAt time.Time
}

// Broker is the shared pending-response table.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*entry
	logger  logging.Logger
}

func New(logger logging.Logger) *Broker {
	if logger == nil {
		logger = logging.FromZap(zap.NewNop())
	}
	return &Broker{
		pending: make(map[string]*entry),
		logger:  logger,
	}
}

// Expect registers a waiter for reqID. The returned channel receives at
// most one Response. Registering a duplicate id fails; request ids are
// caller-generated UUIDs and a collision means a caller bug.
func (b *Broker) Expect(reqID string, timeout time.Duration) (<-chan Response, error) {
	if reqID == "" {
		return nil, errors.NewRequired("req_id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[reqID]; exists {
		return nil, errors.NewConflict("pending request", reqID)
	}
	now := time.Now()
	e := &entry{
		ch:       make(chan Response, 1),
		created:  now,
		expireAt: now.Add(timeout + expireBuffer),
	}
	b.pending[reqID] = e
	return e.ch, nil
}

// Deliver completes the waiter for reqID. A response for an unknown or
// already-completed id is dropped with a debug log; late results after a
// timeout are expected traffic, not errors.
func (b *Broker) Deliver(reqID string, resp Response) bool {
	b.mu.Lock()
	e, ok := b.pending[reqID]
	if ok {
		delete(b.pending, reqID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping response with no waiter", zap.String("req_id", reqID))
		return false
	}
	resp.Elapsed = time.Since(e.created)
	e.ch <- resp
	return true
}

// Cancel removes a waiter without delivering. The router calls this on its
// own timeout path so the table never leaks entries for answered-too-late
// requests.
func (b *Broker) Cancel(reqID string) {
	b.mu.Lock()
	delete(b.pending, reqID)
	b.mu.Unlock()
}

// Pending reports the table size.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SweepExpired drops entries past their deadline, delivering a timeout
// error to any waiter still listening. Invoked periodically by the
// control-plane maintenance cron.
func (b *Broker) SweepExpired(now time.Time) int {
	b.mu.Lock()
	var expired []*entry
	for reqID, e := range b.pending {
		if now.After(e.expireAt) {
			delete(b.pending, reqID)
			expired = append(expired, e)
			b.logger.Warn("sweeping expired pending request",
				zap.String("req_id", reqID),
				zap.Duration("age", now.Sub(e.created)))
		}
	}
	b.mu.Unlock()

	for _, e := range expired {
		e.ch <- Response{
			OK:  false,
			Err: errors.NewTimeout("request expired unanswered").WithRetriable(true),
		}
	}
	return len(expired)
}
