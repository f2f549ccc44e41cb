// Package mirror republishes stored events to an external NATS subject
// tree. The mirror is non-authoritative: it connects lazily, keeps no
// delivery state beyond an in-memory cursor per store, and drops events
// it cannot publish.
package mirror

import (
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/json"
	"github.com/nexabus/nexabus/logging"
)

const (
	defaultSubjectPrefix = "nexabus"
	defaultBatchLimit    = 256
)

// Options wires a Mirror.
type Options struct {
	URL           string
	SubjectPrefix string
	Stores        map[string]*bus.Store
	Logger        logging.Logger
	BatchLimit    int
}

// Mirror tails every store and publishes the light projection of each new
// event as "{prefix}.{store}.{topic}". Hub callbacks only nudge the
// worker; the worker reads batches through GetSince so a burst of changes
// costs one drain.
type Mirror struct {
	opts   Options
	logger logging.Logger

	publish func(subject string, data []byte) error

	ncMu sync.Mutex
	nc   *nats.Conn

	curMu   sync.Mutex
	cursors map[string]uint64

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func New(opts Options) *Mirror {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = defaultSubjectPrefix
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = defaultBatchLimit
	}
	m := &Mirror{
		opts:    opts,
		logger:  opts.Logger.Named("mirror"),
		cursors: make(map[string]uint64),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.publish = m.publishNATS
	return m
}

// Start begins tailing. Existing events are skipped; only events stored
// after Start are mirrored.
func (m *Mirror) Start() {
	m.curMu.Lock()
	for name, store := range m.opts.Stores {
		m.cursors[name] = store.Seq()
	}
	m.curMu.Unlock()

	for _, store := range m.opts.Stores {
		store.Hub().Subscribe("mirror", func(bus.Change) { m.nudge() })
	}
	go m.run()
}

// Stop detaches from the hubs, drains what is already stored, and closes
// the connection.
func (m *Mirror) Stop() {
	for _, store := range m.opts.Stores {
		store.Hub().Unsubscribe("mirror")
	}
	close(m.stopCh)
	<-m.done

	m.ncMu.Lock()
	if m.nc != nil {
		m.nc.Close()
		m.nc = nil
	}
	m.ncMu.Unlock()
}

func (m *Mirror) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.drain()
		case <-m.stopCh:
			m.drain()
			return
		}
	}
}

func (m *Mirror) drain() {
	for name, store := range m.opts.Stores {
		for {
			m.curMu.Lock()
			cursor := m.cursors[name]
			m.curMu.Unlock()

			events := store.GetSince("", cursor, m.opts.BatchLimit)
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				m.mirrorEvent(ev)
			}
			m.curMu.Lock()
			m.cursors[name] = events[len(events)-1].Seq
			m.curMu.Unlock()

			if len(events) < m.opts.BatchLimit {
				break
			}
		}
	}
}

func (m *Mirror) mirrorEvent(ev bus.Event) {
	data, err := json.Marshal(ev.Light())
	if err != nil {
		return
	}
	subject := m.opts.SubjectPrefix + "." + subjectToken(ev.Store) + "." + subjectToken(ev.Topic)
	if err := m.publish(subject, data); err != nil {
		m.logger.Debug("mirror publish dropped",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (m *Mirror) publishNATS(subject string, data []byte) error {
	nc, err := m.conn()
	if err != nil {
		return err
	}
	return nc.Publish(subject, data)
}

func (m *Mirror) conn() (*nats.Conn, error) {
	m.ncMu.Lock()
	defer m.ncMu.Unlock()
	if m.nc != nil && m.nc.IsConnected() {
		return m.nc, nil
	}
	if m.nc != nil {
		m.nc.Close()
		m.nc = nil
	}
	nc, err := nats.Connect(m.opts.URL, nats.Name("nexabus-mirror"), nats.NoReconnect())
	if err != nil {
		return nil, err
	}
	m.nc = nc
	return nc, nil
}

// subjectToken makes a store or topic name safe as one NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}
