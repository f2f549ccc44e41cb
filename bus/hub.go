package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/logging"
)

// ChangeFunc receives one change event. Callbacks run inline on the
// writer's goroutine and must only enqueue work and return; blocking here
// blocks the publisher.
type ChangeFunc func(change Change)

// Hub fans change events out to registered listeners. The subscriber table
// has its own lock, held only while copying the callback list; callbacks
// run outside it. Panicking callbacks are logged and dropped for the event.
type Hub struct {
	name   string
	mu     sync.Mutex
	subs   map[string]ChangeFunc
	logger logging.Logger
}

// NewHub creates a hub for the named store.
func NewHub(name string) *Hub {
	return &Hub{
		name:   name,
		subs:   make(map[string]ChangeFunc),
		logger: logging.FromZap(zap.NewNop()),
	}
}

// SetLogger installs a logger for callback panics.
func (h *Hub) SetLogger(logger logging.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if logger != nil {
		h.logger = logger
	}
}

// Subscribe registers a callback under the given subscriber id, replacing
// any previous registration for that id.
func (h *Hub) Subscribe(id string, fn ChangeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = fn
}

// Unsubscribe removes a callback.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Notify invokes every registered callback with the change.
func (h *Hub) Notify(change Change) {
	h.mu.Lock()
	fns := make([]ChangeFunc, 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	logger := h.logger
	h.mu.Unlock()

	for _, fn := range fns {
		h.safeCall(fn, change, logger)
	}
}

func (h *Hub) safeCall(fn ChangeFunc, change Change, logger logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus change listener panicked",
				zap.String("store", h.name),
				zap.Any("panic", r))
		}
	}()
	fn(change)
}
