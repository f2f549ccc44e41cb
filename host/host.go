// Package host owns the lifecycle of one plugin child process: spawn, the
// command/result channels, the pending-reply table, health, and the
// stop/terminate/kill shutdown ladder.
package host

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/plugin"
)

// StatusFunc receives unsolicited status frames from the child.
type StatusFunc func(pluginID string, payload map[string]any)

// RequestFunc receives child-originated router requests. The handler must
// not block; it hands the frame to the router loop.
type RequestFunc func(pluginID string, f ipc.Frame)

// Options wires one host.
type Options struct {
	PluginID string
	Entry    string
	Launcher Launcher
	Logger   logging.Logger

	// OnStatus and OnRequest may be nil.
	OnStatus  StatusFunc
	OnRequest RequestFunc

	// ShutdownGrace bounds the cooperative exit after STOP.
	ShutdownGrace time.Duration
	// TerminateGrace bounds the wait after the terminate signal before kill.
	TerminateGrace time.Duration
}

// Health is the host's liveness snapshot.
type Health struct {
	PluginID      string         `json:"plugin_id"`
	State         string         `json:"state"`
	Alive         bool           `json:"alive"`
	LastStatus    map[string]any `json:"last_status,omitempty"`
	LastStatusAge float64        `json:"last_status_age,omitempty"`
}

// Host supervises one child process.
type Host struct {
	opts   Options
	logger logging.Logger

	state plugin.StateVar

	mu      sync.Mutex
	conn    ipc.Conn
	proc    Process
	pending map[string]chan ipc.Result

	statusMu   sync.Mutex
	lastStatus map[string]any
	lastSeen   time.Time

	stopOnce sync.Once
	stopped  chan struct{} // closed when the child has fully exited
	exitCh   chan error
}

// New builds a host in state NEW.
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logging.FromZap(zap.NewNop())
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 5 * time.Second
	}
	return &Host{
		opts:    opts,
		logger:  opts.Logger.Named("host." + opts.PluginID),
		pending: make(map[string]chan ipc.Result),
		stopped: make(chan struct{}),
		exitCh:  make(chan error, 1),
	}
}

// PluginID returns the supervised plugin's id.
func (h *Host) PluginID() string { return h.opts.PluginID }

// State returns the current lifecycle state.
func (h *Host) State() plugin.HostState { return h.state.Load() }

// Alive reports whether the child can accept commands.
func (h *Host) Alive() bool { return h.state.Load().Alive() }

// Start launches the child and begins the reader loops.
func (h *Host) Start(ctx context.Context) error {
	if !h.state.Transition(plugin.StateNew, plugin.StateStarting) {
		return errors.NewConflict("host", h.opts.PluginID).
			WithMessage("host already started")
	}

	conn, proc, err := h.opts.Launcher.Launch(ctx, LaunchSpec{
		PluginID: h.opts.PluginID,
		Entry:    h.opts.Entry,
	})
	if err != nil {
		h.state.Store(plugin.StateCrashed)
		return errors.WrapWithType(err, errors.ErrorTypeCommunication,
			"launching plugin "+h.opts.PluginID)
	}

	h.mu.Lock()
	h.conn = conn
	h.proc = proc
	h.mu.Unlock()

	go h.readLoop(conn)
	go h.waitLoop(proc)

	h.logger.Info("plugin child launched", zap.String("entry", h.opts.Entry))
	return nil
}

// readLoop is the single reader over the child's output stream. It resolves
// pending futures, records status frames, and forwards router requests.
func (h *Host) readLoop(conn ipc.Conn) {
	for {
		f, err := conn.Recv()
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("result reader stopped", zap.Error(err))
			}
			h.failPending(errors.NewCommunication("plugin channel closed"))
			return
		}

		switch f.Queue {
		case ipc.QueueResult:
			h.resolve(f.ReqID, ipc.DecodeResult(f))
		case ipc.QueueStatus:
			h.recordStatus(f.Payload)
		case ipc.QueueRequest:
			if h.opts.OnRequest != nil {
				h.opts.OnRequest(h.opts.PluginID, f)
			}
		default:
			h.logger.Debug("dropping frame on unexpected queue",
				zap.String("queue", string(f.Queue)))
		}
	}
}

func (h *Host) recordStatus(payload map[string]any) {
	h.statusMu.Lock()
	h.lastStatus = payload
	h.lastSeen = time.Now()
	h.statusMu.Unlock()

	// First status message acknowledges the child is serving commands.
	h.state.Transition(plugin.StateStarting, plugin.StateRunning)
	if h.opts.OnStatus != nil {
		h.opts.OnStatus(h.opts.PluginID, payload)
	}
}

// waitLoop watches for child exit and finalizes the state machine.
func (h *Host) waitLoop(proc Process) {
	err := proc.Wait()
	exitState := plugin.StateCrashed
	if h.state.Load() == plugin.StateStopping {
		if err == nil {
			exitState = plugin.StateStopped
		} else {
			exitState = plugin.StateKilled
		}
	}
	h.state.Store(exitState)
	h.failPending(errors.NewCommunication("plugin exited"))
	h.logger.Info("plugin child exited",
		zap.String("state", exitState.String()),
		zap.Error(err))

	h.exitCh <- err
	h.stopOnce.Do(func() { close(h.stopped) })
}

// Trigger dispatches a registered entry and awaits its result.
func (h *Host) Trigger(ctx context.Context, entryID string, args map[string]any, timeout time.Duration) (ipc.Result, error) {
	return h.roundTrip(ctx, ipc.Frame{
		Queue: ipc.QueueCmd,
		Kind:  ipc.KindTrigger,
		Payload: map[string]any{
			"entry_id": entryID,
			"args":     args,
		},
	}, timeout)
}

// TriggerCustomEvent dispatches by (event_type, event_id).
func (h *Host) TriggerCustomEvent(ctx context.Context, eventType, eventID string, args map[string]any, timeout time.Duration) (ipc.Result, error) {
	return h.roundTrip(ctx, ipc.Frame{
		Queue: ipc.QueueCmd,
		Kind:  ipc.KindTriggerCustom,
		Type:  eventType,
		Payload: map[string]any{
			"event_id": eventID,
			"args":     args,
		},
	}, timeout)
}

// PushBusChange forwards a subscription delta to the child. Fire and
// forget: the child never replies to bus changes.
func (h *Host) PushBusChange(subID, busName, op string, delta map[string]any) error {
	if !h.Alive() {
		return errors.NewNotReady(h.opts.PluginID)
	}
	return h.send(ipc.Frame{
		Queue: ipc.QueueCmd,
		Kind:  ipc.KindBusChange,
		Payload: map[string]any{
			"sub_id": subID,
			"bus":    busName,
			"op":     op,
			"delta":  delta,
		},
	})
}

// Freeze asks the child to checkpoint and exit, returning the snapshot
// payload from the freeze reply.
func (h *Host) Freeze(ctx context.Context, timeout time.Duration) (ipc.Result, error) {
	h.state.Transition(plugin.StateRunning, plugin.StateStopping)
	return h.roundTrip(ctx, ipc.Frame{
		Queue: ipc.QueueCmd,
		Kind:  ipc.KindFreeze,
	}, timeout)
}

// Respond forwards a router response for a child-originated request.
func (h *Host) Respond(reqID string, res ipc.Result) error {
	f := ipc.ResultFrame(reqID, res)
	f.Queue = ipc.QueueResponse
	f.Kind = ipc.KindResponse
	return h.send(f)
}

// roundTrip registers a pending future, sends the frame, and awaits the
// reply. The pending entry is always removed, on every path.
func (h *Host) roundTrip(ctx context.Context, f ipc.Frame, timeout time.Duration) (ipc.Result, error) {
	if !h.Alive() && h.state.Load() != plugin.StateStopping {
		return ipc.Result{}, errors.NewNotReady(h.opts.PluginID)
	}

	reqID := uuid.NewString()
	f.ReqID = reqID
	ch := make(chan ipc.Result, 1)

	h.mu.Lock()
	h.pending[reqID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
	}()

	if err := h.send(f); err != nil {
		return ipc.Result{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		// A successful roundtrip also proves the child is serving.
		h.state.Transition(plugin.StateStarting, plugin.StateRunning)
		return res, nil
	case <-timer.C:
		return ipc.Result{}, errors.NewTimeout("plugin "+h.opts.PluginID+" did not reply in time").
			WithDetail("req_id", reqID).
			WithDetail("timeout", timeout.Seconds())
	case <-ctx.Done():
		return ipc.Result{}, errors.WrapWithType(ctx.Err(), errors.ErrorTypeTimeout, "trigger canceled")
	}
}

func (h *Host) send(f ipc.Frame) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return errors.NewNotReady(h.opts.PluginID)
	}
	return conn.Send(f)
}

// resolve completes the pending future for reqID. Late results for removed
// entries are dropped.
func (h *Host) resolve(reqID string, res ipc.Result) {
	h.mu.Lock()
	ch, ok := h.pending[reqID]
	if ok {
		delete(h.pending, reqID)
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("dropping late result", zap.String("req_id", reqID))
		return
	}
	ch <- res
}

// failPending completes every outstanding future with an error result.
func (h *Host) failPending(err *errors.AppError) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]chan ipc.Result)
	h.mu.Unlock()

	for _, ch := range pending {
		ch <- ipc.Result{OK: false, Code: string(err.Type), Message: err.Message}
	}
}

// Shutdown runs the stop ladder: STOP command, cooperative grace,
// terminate signal, terminate grace, kill. Always returns with the child
// gone or the context expired.
func (h *Host) Shutdown(ctx context.Context) error {
	state := h.state.Load()
	if state.IsTerminal() {
		return nil
	}
	h.state.Store(plugin.StateStopping)

	if err := h.send(ipc.Frame{Queue: ipc.QueueCmd, Kind: ipc.KindStop}); err != nil {
		h.logger.Debug("stop command not delivered", zap.Error(err))
	}

	if h.awaitExit(ctx, h.opts.ShutdownGrace) {
		h.closeConn()
		return nil
	}

	h.logger.Warn("plugin ignored stop, terminating")
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			h.logger.Debug("terminate failed", zap.Error(err))
		}
	}
	if h.awaitExit(ctx, h.opts.TerminateGrace) {
		h.closeConn()
		return nil
	}

	h.logger.Error("plugin ignored terminate, killing")
	if proc != nil {
		if err := proc.Kill(); err != nil {
			h.logger.Error("kill failed", zap.Error(err))
		}
	}
	h.awaitExit(ctx, h.opts.TerminateGrace)
	h.closeConn()

	if h.state.Load().IsTerminal() {
		return nil
	}
	return errors.NewTimeout("plugin " + h.opts.PluginID + " did not exit")
}

func (h *Host) awaitExit(ctx context.Context, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.stopped:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Host) closeConn() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// HealthCheck snapshots liveness and the last status report.
func (h *Host) HealthCheck() Health {
	h.statusMu.Lock()
	last := h.lastStatus
	seen := h.lastSeen
	h.statusMu.Unlock()

	health := Health{
		PluginID:   h.opts.PluginID,
		State:      h.state.Load().String(),
		Alive:      h.Alive(),
		LastStatus: last,
	}
	if !seen.IsZero() {
		health.LastStatusAge = time.Since(seen).Seconds()
	}
	return health
}
