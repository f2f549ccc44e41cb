// Package dispatch delivers bus change events to subscribed plugins. One
// consumer goroutine drains a bounded delta queue fed by the store hubs;
// sends run under a semaphore with per-subscriber timeouts, failure
// counting, and pause-based circuit breaking.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/concurrency"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/logging"
)

// Sender is the slice of the plugin host the dispatcher pushes through.
type Sender interface {
	Alive() bool
	PushBusChange(subID, busName, op string, delta map[string]any) error
}

// Options tunes the dispatcher. Zero values take the documented defaults.
type Options struct {
	Stores map[string]*bus.Store
	Hosts  func(pluginID string) (Sender, bool)
	Logger logging.Logger

	QueueMax         int           // bounded delta queue (default 4096)
	SendConcurrency  int           // concurrent sends (default 64)
	SendTimeout      time.Duration // per-subscriber push budget (default 1s)
	FailureThreshold int           // consecutive failures before pause (default 3)
	Pause            time.Duration // pause length (default 5s)
	LogDedupWindow   time.Duration // identical-warning suppression (default 5s)
}

func (o Options) withDefaults() Options {
	if o.QueueMax <= 0 {
		o.QueueMax = 4096
	}
	if o.SendConcurrency <= 0 {
		o.SendConcurrency = 64
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Pause <= 0 {
		o.Pause = 5 * time.Second
	}
	if o.LogDedupWindow <= 0 {
		o.LogDedupWindow = 5 * time.Second
	}
	return o
}

// delta is one queued change.
type delta struct {
	bus string
	at  time.Time
	chg bus.Change
}

// subscription is one plugin's registration on a bus.
type subscription struct {
	subID      string
	pluginID   string
	bus        string
	rules      map[string]struct{} // ops to deliver; empty means all
	debounceMS int
}

type debounceKey struct {
	subID string
	op    string
}

// Dispatcher is the single consumer over the delta queue.
type Dispatcher struct {
	opts   Options
	logger logging.Logger

	queue chan delta
	sem   *concurrency.Semaphore

	mu   sync.Mutex
	subs map[string]map[string]*subscription // bus -> subID -> sub

	pauseMu  sync.Mutex
	failures map[string]int
	paused   map[string]time.Time

	debMu    sync.Mutex
	debounce map[debounceKey]*time.Timer
	debLast  map[debounceKey]delta

	logMu   sync.Mutex
	lastLog map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		opts:     opts,
		logger:   opts.Logger.Named("dispatch"),
		queue:    make(chan delta, opts.QueueMax),
		sem:      concurrency.NewSemaphore(opts.SendConcurrency),
		subs:     make(map[string]map[string]*subscription),
		failures: make(map[string]int),
		paused:   make(map[string]time.Time),
		debounce: make(map[debounceKey]*time.Timer),
		debLast:  make(map[debounceKey]delta),
		lastLog:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start hooks every store hub and launches the consumer. Hub callbacks
// only enqueue; a full queue drops the delta with a throttled warning.
func (d *Dispatcher) Start() {
	for name, store := range d.opts.Stores {
		if name == bus.StoreMemory {
			continue
		}
		busName := name
		store.Hub().Subscribe("dispatcher", func(chg bus.Change) {
			select {
			case d.queue <- delta{bus: busName, at: time.Now(), chg: chg}:
			default:
				d.logThrottled("queue-full-"+busName, func() {
					d.logger.Warn("delta queue full, dropping change",
						zap.String("bus", busName), zap.Uint64("rev", chg.Rev))
				})
			}
		})
	}
	go d.consume()
}

// Stop detaches from the hubs and drains the consumer.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		for name, store := range d.opts.Stores {
			if name == bus.StoreMemory {
				continue
			}
			store.Hub().Unsubscribe("dispatcher")
		}
		close(d.stopCh)
	})
	<-d.done
}

// Subscribe registers a plugin on a bus. Rules name the ops to deliver;
// empty means every op.
func (d *Dispatcher) Subscribe(pluginID, busName string, rules []string, debounceMS int) (string, error) {
	if _, ok := d.opts.Stores[busName]; !ok || busName == bus.StoreMemory {
		return "", errors.NewInvalid("bus", busName, "not subscribable")
	}
	sub := &subscription{
		subID:      uuid.NewString(),
		pluginID:   pluginID,
		bus:        busName,
		rules:      make(map[string]struct{}, len(rules)),
		debounceMS: debounceMS,
	}
	for _, op := range rules {
		sub.rules[op] = struct{}{}
	}

	d.mu.Lock()
	if d.subs[busName] == nil {
		d.subs[busName] = make(map[string]*subscription)
	}
	d.subs[busName][sub.subID] = sub
	d.mu.Unlock()

	d.logger.Info("subscription added",
		zap.String("plugin_id", pluginID), zap.String("bus", busName),
		zap.String("sub_id", sub.subID), zap.Strings("rules", rules))
	return sub.subID, nil
}

// Unsubscribe removes a subscription and its breaker state.
func (d *Dispatcher) Unsubscribe(busName, subID string) error {
	d.mu.Lock()
	byID := d.subs[busName]
	_, ok := byID[subID]
	if ok {
		delete(byID, subID)
	}
	d.mu.Unlock()
	if !ok {
		return errors.NewNotFound("subscription", subID)
	}

	d.pauseMu.Lock()
	delete(d.failures, subID)
	delete(d.paused, subID)
	d.pauseMu.Unlock()
	return nil
}

// UnsubscribePlugin drops every subscription a plugin holds, across all
// buses, along with its breaker state. Plugin teardown calls this so a
// stopped plugin leaves nothing behind in the fan-out tables.
func (d *Dispatcher) UnsubscribePlugin(pluginID string) int {
	d.mu.Lock()
	var removed []string
	for _, byID := range d.subs {
		for subID, sub := range byID {
			if sub.pluginID == pluginID {
				delete(byID, subID)
				removed = append(removed, subID)
			}
		}
	}
	d.mu.Unlock()
	if len(removed) == 0 {
		return 0
	}

	d.pauseMu.Lock()
	for _, subID := range removed {
		delete(d.failures, subID)
		delete(d.paused, subID)
	}
	d.pauseMu.Unlock()

	d.logger.Info("plugin subscriptions removed",
		zap.String("plugin_id", pluginID), zap.Int("count", len(removed)))
	return len(removed)
}

func (d *Dispatcher) consume() {
	defer close(d.done)
	for {
		select {
		case dl := <-d.queue:
			d.dispatch(dl)
		case <-d.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case dl := <-d.queue:
					d.dispatch(dl)
				default:
					return
				}
			}
		}
	}
}

// dispatch fans one delta out to the bus's subscriptions.
func (d *Dispatcher) dispatch(dl delta) {
	d.mu.Lock()
	targets := make([]*subscription, 0, len(d.subs[dl.bus]))
	for _, sub := range d.subs[dl.bus] {
		targets = append(targets, sub)
	}
	d.mu.Unlock()

	for _, sub := range targets {
		if len(sub.rules) > 0 {
			if _, want := sub.rules[dl.chg.Op]; !want {
				continue
			}
		}
		if d.isPaused(sub.subID) {
			continue
		}
		if sub.debounceMS > 0 {
			d.debounceDeliver(sub, dl)
			continue
		}
		d.schedule(sub, dl)
	}
}

// debounceDeliver coalesces consecutive deltas per (sub, op), delivering
// only the latest once the window closes.
func (d *Dispatcher) debounceDeliver(sub *subscription, dl delta) {
	key := debounceKey{subID: sub.subID, op: dl.chg.Op}
	window := time.Duration(sub.debounceMS) * time.Millisecond

	d.debMu.Lock()
	defer d.debMu.Unlock()
	d.debLast[key] = dl
	if _, armed := d.debounce[key]; armed {
		return
	}
	d.debounce[key] = time.AfterFunc(window, func() {
		d.debMu.Lock()
		last := d.debLast[key]
		delete(d.debounce, key)
		delete(d.debLast, key)
		d.debMu.Unlock()
		if !d.isPaused(sub.subID) {
			d.schedule(sub, last)
		}
	})
}

func (d *Dispatcher) schedule(sub *subscription, dl delta) {
	if !d.sem.TryAcquire() {
		d.logThrottled("sem-full", func() {
			d.logger.Warn("send concurrency exhausted, dropping delivery",
				zap.String("sub_id", sub.subID))
		})
		return
	}
	go func() {
		defer d.sem.Release()
		d.sendOne(sub, dl)
	}()
}

// sendOne pushes one delta with the per-subscriber budget and runs the
// breaker bookkeeping.
func (d *Dispatcher) sendOne(sub *subscription, dl delta) {
	sender, ok := d.opts.Hosts(sub.pluginID)
	if !ok || !sender.Alive() {
		d.recordFailure(sub)
		return
	}

	payload := map[string]any{
		"op":  dl.chg.Op,
		"rev": dl.chg.Rev,
		"at":  float64(dl.at.UnixNano()) / 1e9,
	}
	if dl.chg.ID != "" {
		payload["id"] = dl.chg.ID
	}
	if dl.chg.Source != "" {
		payload["source"] = dl.chg.Source
	}
	if dl.chg.Batch {
		payload["batch"] = true
		payload["count"] = dl.chg.Count
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sender.PushBusChange(sub.subID, sub.bus, dl.chg.Op, payload) }()

	timer := time.NewTimer(d.opts.SendTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			d.logThrottled("send-fail-"+sub.subID, func() {
				d.logger.Warn("delivery failed",
					zap.String("sub_id", sub.subID), zap.Error(err))
			})
			d.recordFailure(sub)
			return
		}
		d.resetFailures(sub.subID)
	case <-timer.C:
		d.logThrottled("send-timeout-"+sub.subID, func() {
			d.logger.Warn("delivery timed out",
				zap.String("sub_id", sub.subID),
				zap.Duration("timeout", d.opts.SendTimeout))
		})
		d.recordFailure(sub)
	}
}

func (d *Dispatcher) isPaused(subID string) bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	until, ok := d.paused[subID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(d.paused, subID)
		return false
	}
	return true
}

func (d *Dispatcher) recordFailure(sub *subscription) {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	d.failures[sub.subID]++
	if d.failures[sub.subID] >= d.opts.FailureThreshold {
		d.paused[sub.subID] = time.Now().Add(d.opts.Pause)
		d.failures[sub.subID] = 0
		d.logger.Warn("subscription paused after repeated failures",
			zap.String("sub_id", sub.subID), zap.String("plugin_id", sub.pluginID),
			zap.Duration("pause", d.opts.Pause))
	}
}

func (d *Dispatcher) resetFailures(subID string) {
	d.pauseMu.Lock()
	delete(d.failures, subID)
	d.pauseMu.Unlock()
}

// PauseGC drops expired pause entries. Run from the maintenance cron.
func (d *Dispatcher) PauseGC() int {
	now := time.Now()
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	removed := 0
	for subID, until := range d.paused {
		if now.After(until) {
			delete(d.paused, subID)
			removed++
		}
	}
	return removed
}

// Stats reports queue depth and live subscription count.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.Lock()
	subs := 0
	for _, byID := range d.subs {
		subs += len(byID)
	}
	d.mu.Unlock()
	return map[string]any{
		"queue_depth":   len(d.queue),
		"subscriptions": subs,
		"in_flight":     d.sem.InFlight(),
	}
}

func (d *Dispatcher) logThrottled(key string, log func()) {
	now := time.Now()
	d.logMu.Lock()
	last, seen := d.lastLog[key]
	if seen && now.Sub(last) < d.opts.LogDedupWindow {
		d.logMu.Unlock()
		return
	}
	d.lastLog[key] = now
	d.logMu.Unlock()
	log()
}
