package child

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/concurrency"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/freeze"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/plugin"
)

// Options configures one child runtime.
type Options struct {
	PluginID string
	Factory  plugin.Factory
	Conn     ipc.Conn
	Logger   logging.Logger
	Config   plugin.ConfigProvider
	Services *plugin.ServiceRegistry

	// ExecTimeout bounds each dispatch; the per-descriptor worker timeout
	// overrides it for worker-mode entries.
	ExecTimeout time.Duration
	// PollTimeout slices the command wait so the stop signal is observed
	// promptly even when no commands arrive.
	PollTimeout time.Duration
	// WorkerPoolSize bounds worker-mode dispatch.
	WorkerPoolSize int
	// StatusInterval paces unsolicited status reports.
	StatusInterval time.Duration

	// Freeze selects the checkpoint backend; nil disables checkpointing.
	Freeze freeze.Backend
	// CheckpointMode is the global post-handler checkpoint policy.
	CheckpointMode plugin.CheckpointMode
	// CheckpointEvery paces the background persist loop in interval mode.
	CheckpointEvery time.Duration
}

// Runner is the child-side command loop for one plugin instance.
type Runner struct {
	opts   Options
	logger logging.Logger

	inst plugin.Instance
	reg  *registrar
	pc   *plugin.Context
	rc   *routerClient

	pool *concurrency.Pool

	stopOnce sync.Once
	stopCh   chan struct{}
	timersWG sync.WaitGroup

	sendMu sync.Mutex
}

// NewRunner builds the runtime without starting it.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Factory == nil {
		return nil, errors.NewRequired("factory")
	}
	if opts.Conn == nil {
		return nil, errors.NewRequired("conn")
	}
	if opts.Logger == nil {
		opts.Logger = logging.FromZap(zap.NewNop())
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 4
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 10 * time.Second
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 30 * time.Second
	}
	if opts.Services == nil {
		opts.Services = plugin.NewServiceRegistry()
	}

	r := &Runner{
		opts:   opts,
		logger: opts.Logger.Named("plugin." + opts.PluginID),
		stopCh: make(chan struct{}),
	}
	r.rc = newRouterClient(r.send, opts.ExecTimeout)
	r.pool = concurrency.NewPool(opts.PluginID, opts.WorkerPoolSize, opts.WorkerPoolSize*4)
	return r, nil
}

// Run boots the plugin and serves commands until STOP, FREEZE, or channel
// loss. The returned error is nil on a clean stop.
func (r *Runner) Run(ctx context.Context) error {
	r.inst = r.opts.Factory()

	r.reg = newRegistrar(r.opts.PluginID)
	r.inst.Register(r.reg)

	r.pc = &plugin.Context{
		PluginID: r.opts.PluginID,
		Logger:   r.logger,
		Config:   r.opts.Config,
		Bus:      &busClient{pluginID: r.opts.PluginID, rc: r.rc},
		Calls:    &callClient{pluginID: r.opts.PluginID, rc: r.rc},
		Services: r.opts.Services,
	}

	r.restoreState()

	if hook, ok := r.inst.(plugin.StartupHook); ok {
		// Startup failure is logged but does not prevent serving; the
		// plugin stays addressable and can report status.
		if err := hook.Startup(ctx, r.pc); err != nil {
			r.logger.Error("startup hook failed", zap.Error(err))
		}
	}

	r.sendStatus("ready")
	r.startTimers()
	r.startAutoEvents()
	r.startCheckpointLoop()

	frames := make(chan ipc.Frame, 64)
	readErr := make(chan error, 1)
	go r.readFrames(frames, readErr)

	statusTicker := time.NewTicker(r.opts.StatusInterval)
	defer statusTicker.Stop()
	poll := time.NewTicker(r.opts.PollTimeout)
	defer poll.Stop()

	defer r.stopTimers()

	for {
		select {
		case f := <-frames:
			if done, err := r.handleCommand(ctx, f); done {
				return err
			}
		case <-statusTicker.C:
			r.sendStatus("running")
		case <-poll.C:
			select {
			case <-r.stopCh:
				return r.shutdown(ctx)
			default:
			}
		case err := <-readErr:
			if err == io.EOF {
				r.logger.Info("command channel closed, exiting")
				return nil
			}
			return err
		case <-ctx.Done():
			return r.shutdown(ctx)
		}
	}
}

// readFrames demuxes the inbound stream: commands go to the loop,
// responses resolve the router client.
func (r *Runner) readFrames(frames chan<- ipc.Frame, readErr chan<- error) {
	for {
		f, err := r.opts.Conn.Recv()
		if err != nil {
			r.rc.fail("command channel closed")
			readErr <- err
			return
		}
		switch f.Queue {
		case ipc.QueueResponse:
			r.rc.deliver(f)
		case ipc.QueueCmd:
			frames <- f
		default:
			r.logger.Debug("dropping frame on unexpected queue",
				zap.String("queue", string(f.Queue)))
		}
	}
}

// handleCommand serves one command frame. done is true when the loop must
// exit.
func (r *Runner) handleCommand(ctx context.Context, f ipc.Frame) (bool, error) {
	switch f.Kind {
	case ipc.KindStop:
		return true, r.shutdown(ctx)

	case ipc.KindFreeze:
		r.handleFreeze(ctx, f.ReqID)
		return true, nil

	case ipc.KindTrigger:
		entryID, _ := f.Payload["entry_id"].(string)
		ent, ok := r.reg.entries[entryID]
		if !ok {
			r.replyError(f.ReqID, plugin.CodeNotFound, "entry '"+entryID+"' not found")
			return false, nil
		}
		r.dispatch(f.ReqID, ent, argsOf(f.Payload))

	case ipc.KindTriggerCustom:
		eventID, _ := f.Payload["event_id"].(string)
		ent, ok := r.reg.custom[f.Type+":"+eventID]
		if !ok {
			r.replyError(f.ReqID, plugin.CodeNotFound,
				"event '"+f.Type+":"+eventID+"' not found")
			return false, nil
		}
		r.dispatch(f.ReqID, ent, argsOf(f.Payload))

	case ipc.KindBusChange:
		r.handleBusChange(f.Payload)

	default:
		r.logger.Warn("unknown command kind", zap.String("kind", string(f.Kind)))
	}
	return false, nil
}

func (r *Runner) handleBusChange(payload map[string]any) {
	fn := r.pc.OnBusChange
	if fn == nil {
		return
	}
	subID, _ := payload["sub_id"].(string)
	busName, _ := payload["bus"].(string)
	op, _ := payload["op"].(string)
	delta, _ := payload["delta"].(map[string]any)
	// Subscription callbacks never reply and never block the loop.
	go func() {
		defer errors.RecoverWithHandler(func(e *errors.AppError) {
			r.logger.Error("bus change callback panicked", zap.Error(e))
		})
		fn(subID, busName, op, delta)
	}()
}

func (r *Runner) shutdown(ctx context.Context) error {
	r.signalStop()
	if hook, ok := r.inst.(plugin.ShutdownHook); ok {
		if err := hook.Shutdown(ctx, r.pc); err != nil {
			r.logger.Error("shutdown hook failed", zap.Error(err))
		}
	}
	r.stopTimers()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.pool.Stop(stopCtx)
	r.sendStatus("stopped")
	return nil
}

func (r *Runner) handleFreeze(ctx context.Context, reqID string) {
	r.signalStop()
	if hook, ok := r.inst.(plugin.FreezeHook); ok {
		if err := hook.Freeze(ctx, r.pc); err != nil {
			r.logger.Error("freeze hook failed", zap.Error(err))
		}
	}

	snapshot := r.checkpoint()
	r.reply(reqID, plugin.OK(map[string]any{"snapshot": snapshot}))
	r.stopTimers()
}

// checkpoint persists freezable state and returns the serialized form.
func (r *Runner) checkpoint() map[string]any {
	fz, ok := r.inst.(plugin.Freezable)
	if !ok || r.opts.Freeze == nil {
		return nil
	}
	state := fz.FreezeState()
	if codec, ok := r.inst.(plugin.FreezeCodec); ok {
		encoded := make(map[string]any, len(state))
		for k, v := range state {
			ev, err := codec.FreezeSerialize(k, v)
			if err != nil {
				r.logger.Warn("freeze serialize failed, keeping raw value",
					zap.String("key", k), zap.Error(err))
				ev = v
			}
			encoded[k] = ev
		}
		state = encoded
	}
	if err := r.opts.Freeze.Save(r.opts.PluginID, state); err != nil {
		r.logger.Error("checkpoint save failed", zap.Error(err))
		return nil
	}
	return state
}

func (r *Runner) restoreState() {
	fz, ok := r.inst.(plugin.Freezable)
	if !ok || r.opts.Freeze == nil {
		return
	}
	state, found, err := r.opts.Freeze.Load(r.opts.PluginID)
	if err != nil {
		r.logger.Error("state restore failed", zap.Error(err))
		return
	}
	if !found {
		return
	}
	if codec, ok := r.inst.(plugin.FreezeCodec); ok {
		decoded := make(map[string]any, len(state))
		for k, v := range state {
			dv, err := codec.FreezeDeserialize(k, v)
			if err != nil {
				r.logger.Warn("freeze deserialize failed, keeping raw value",
					zap.String("key", k), zap.Error(err))
				dv = v
			}
			decoded[k] = dv
		}
		state = decoded
	}
	fz.RestoreState(state)
	r.logger.Info("state restored", zap.Int("keys", len(state)))
}

func (r *Runner) startTimers() {
	for _, ent := range r.reg.timers {
		if !ent.desc.AutoStart || ent.desc.Interval <= 0 {
			continue
		}
		ent := ent
		r.timersWG.Add(1)
		go func() {
			defer r.timersWG.Done()
			// The handler runs once at start, then on every interval.
			for {
				res := r.invoke(ent, nil)
				if !res.Success {
					r.logger.Warn("timer handler failed",
						zap.String("event_id", ent.desc.EventID),
						zap.Any("error", res.Err))
				}
				select {
				case <-r.stopCh:
					return
				case <-time.After(ent.desc.Interval):
				}
			}
		}()
	}
}

// startCheckpointLoop persists freezable state on a fixed cadence when the
// global policy is interval mode. Always mode checkpoints after each
// successful handler instead.
func (r *Runner) startCheckpointLoop() {
	if r.opts.CheckpointMode != plugin.CheckpointInterval || r.opts.Freeze == nil {
		return
	}
	if _, ok := r.inst.(plugin.Freezable); !ok {
		return
	}
	r.timersWG.Add(1)
	go func() {
		defer r.timersWG.Done()
		ticker := time.NewTicker(r.opts.CheckpointEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.checkpoint()
			}
		}
	}()
}

func (r *Runner) startAutoEvents() {
	for _, ent := range r.reg.custom {
		if !ent.desc.AutoStart || ent.desc.TriggerMethod != plugin.TriggerAuto {
			continue
		}
		if ent.desc.EventType == plugin.EventTimer {
			continue
		}
		ent := ent
		go func() {
			res := r.invoke(ent, nil)
			if !res.Success {
				r.logger.Warn("auto event failed",
					zap.String("event_id", ent.desc.EventID),
					zap.Any("error", res.Err))
			}
		}()
	}
}

func (r *Runner) stopTimers() {
	r.signalStop()
	r.timersWG.Wait()
}

func (r *Runner) signalStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Runner) send(f ipc.Frame) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.opts.Conn.Send(f)
}

func (r *Runner) sendStatus(phase string) {
	payload := map[string]any{
		"phase":     phase,
		"plugin_id": r.opts.PluginID,
		"ts":        float64(time.Now().UnixNano()) / 1e9,
	}
	if hr, ok := r.inst.(plugin.HealthReporter); ok {
		hctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := hr.HealthCheck(hctx); err != nil {
			payload["healthy"] = false
			payload["health_error"] = err.Error()
		} else {
			payload["healthy"] = true
		}
		cancel()
	}
	if err := r.send(ipc.Frame{Queue: ipc.QueueStatus, Kind: ipc.KindStatus, Payload: payload}); err != nil {
		r.logger.Debug("status report not delivered", zap.Error(err))
	}
}

func argsOf(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	if args, ok := payload["args"].(map[string]any); ok {
		return args
	}
	return map[string]any{}
}
