// Package runtime assembles the control plane: the six stores, the plugin
// registry and hosts, the request router, the subscription dispatcher, the
// fast plane, the run manager, and the HTTP surface. Everything hangs off
// one ControlPlane value; there are no package-level singletons.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/broker"
	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/config"
	"github.com/nexabus/nexabus/dispatch"
	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/fastplane"
	"github.com/nexabus/nexabus/host"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/mirror"
	"github.com/nexabus/nexabus/registry"
	"github.com/nexabus/nexabus/router"
	"github.com/nexabus/nexabus/runs"
	"github.com/nexabus/nexabus/server"
	"github.com/nexabus/nexabus/usercontext"
)

// SDKVersion is the host SDK version manifests are gated against.
const SDKVersion = "1.4.0"

// ControlPlane owns every long-lived component of the host runtime.
type ControlPlane struct {
	settings *config.Settings
	logger   logging.Logger

	stores    map[string]*bus.Store
	registry  *registry.Registry
	broker    *broker.Broker
	pluginCfg *config.PluginConfigService
	uctx      usercontext.Store
	runs      *runs.Manager
	router    *router.Router
	dispatch  *dispatch.Dispatcher
	fast      *fastplane.Server
	mirror    *mirror.Mirror
	httpd     *server.Server
	cron      *cron.Cron

	// Launcher may be replaced before Bootstrap; defaults to re-exec.
	Launcher host.Launcher

	hostMu sync.RWMutex
	hosts  map[string]*host.Host
	order  []string

	statusMu sync.Mutex
	statuses map[string]statusEntry
}

type statusEntry struct {
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// New wires a control plane from settings. Nothing starts until Bootstrap.
func New(settings *config.Settings, logger logging.Logger) (*ControlPlane, error) {
	cp := &ControlPlane{
		settings: settings,
		logger:   logger.Named("runtime"),
		stores:   make(map[string]*bus.Store),
		hosts:    make(map[string]*host.Host),
		statuses: make(map[string]statusEntry),
		cron:     cron.New(),
	}

	limits := map[string]bus.Limits{
		bus.StoreMessages:  {MaxLen: settings.MessageQueueMax},
		bus.StoreEvents:    {MaxLen: settings.EventQueueMax},
		bus.StoreLifecycle: {MaxLen: settings.LifecycleQueueMax},
	}
	for _, name := range bus.Names() {
		store := bus.NewStore(name, limits[name])
		store.Hub().SetLogger(logger)
		cp.stores[name] = store
	}

	reg, err := registry.New(SDKVersion, logger)
	if err != nil {
		return nil, err
	}
	cp.registry = reg
	cp.broker = broker.New(logger)
	cp.pluginCfg = config.NewPluginConfigService(settings.PluginConfigDir)

	var rdb *redis.Client
	if settings.UserContextBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
	}
	uctx, err := usercontext.New(settings.UserContextBackend, usercontext.Options{
		Max: settings.UserContextMax,
		TTL: time.Duration(settings.UserContextTTL * float64(time.Second)),
	}, rdb)
	if err != nil {
		return nil, err
	}
	cp.uctx = uctx

	cp.runs = runs.NewManager(runs.Options{
		RunsStore:   cp.stores[bus.StoreRuns],
		ExportStore: cp.stores[bus.StoreExport],
		Trigger:     cp.Trigger,
		Blobs:       runs.NewBlobStore(settings.BlobDir, settings.BlobUploadMaxBytes),
		Logger:      logger,
		Secret:      []byte(settings.RunTokenSecret),
		TokenTTL:    time.Duration(settings.RunTokenTTLSeconds) * time.Second,
		ExecTimeout: settings.ExecutionTimeout(),
	})

	cp.dispatch = dispatch.New(dispatch.Options{
		Stores: cp.stores,
		Hosts: func(pluginID string) (dispatch.Sender, bool) {
			h, ok := cp.host(pluginID)
			return h, ok
		},
		Logger:           logger,
		QueueMax:         settings.DispatchQueueMax,
		SendConcurrency:  settings.DispatchSendConcurrency,
		SendTimeout:      settings.SendTimeout(),
		FailureThreshold: settings.DispatchFailureThreshold,
		Pause:            time.Duration(settings.DispatchPauseSeconds * float64(time.Second)),
	})

	cp.router = router.New(router.Options{
		Registry:       cp.registry,
		Hosts:          hostsView{cp},
		Stores:         cp.stores,
		PluginConfig:   cp.pluginCfg,
		Settings:       settings,
		Subscriptions:  cp.dispatch,
		UserContext:    cp.uctx,
		Runs:           cp.runs,
		Logger:         logger,
		Broker:         cp.broker,
		DefaultTimeout: settings.TriggerTimeout(),
	})

	if settings.MessagePlaneEnabled {
		cp.fast = fastplane.NewServer(fastplane.Options{
			Addr:           fmt.Sprintf("%s:%d", settings.MessagePlaneHost, settings.MessagePlanePort),
			Stores:         cp.stores,
			Logger:         logger,
			ValidationMode: settings.MessagePlaneValidationMode,
			MaxFrameBytes:  settings.MessagePlaneMaxFrameBytes,
			MaxBatch:       settings.MessagePlaneMaxBatch,
			Health:         cp.Health,
		})
	}
	if settings.MirrorEnabled {
		cp.mirror = mirror.New(mirror.Options{
			URL:    settings.NATSURL,
			Stores: cp.stores,
			Logger: logger,
		})
	}

	cp.httpd = server.New(server.Options{
		Addr:           settings.ListenAddr,
		Runs:           cp.runs,
		Registry:       cp.registry,
		Trigger:        cp.Trigger,
		RunsBus:        cp.stores[bus.StoreRuns],
		Health:         cp.Health,
		Logger:         logger,
		TriggerTimeout: settings.TriggerTimeout(),
		Debug:          settings.Debug,
	})

	cp.Launcher = &host.ExecLauncher{Logger: logger}
	return cp, nil
}

// Registry exposes the plugin registry.
func (cp *ControlPlane) Registry() *registry.Registry { return cp.registry }

// Stores exposes the store map; used by tests and the child trigger path.
func (cp *ControlPlane) Stores() map[string]*bus.Store { return cp.stores }

// HTTPAddr returns the bound HTTP address after Bootstrap.
func (cp *ControlPlane) HTTPAddr() string { return cp.httpd.Addr() }

// Bootstrap brings the plane up in dependency order: registry scan, hosts
// in topological start order, dispatcher, planes, HTTP, maintenance cron.
func (cp *ControlPlane) Bootstrap(ctx context.Context) error {
	started := time.Now()

	if err := cp.registry.Scan(cp.settings.PluginsDir); err != nil {
		// A missing plugins dir is an empty deployment, not a fault.
		cp.logger.Warn("plugin scan skipped", zap.Error(err))
	}
	order, err := cp.registry.StartOrder(cp.settings.DependencyPolicy)
	if err != nil {
		return err
	}
	cp.order = order

	for _, pluginID := range order {
		if err := ctx.Err(); err != nil {
			return errors.WrapWithType(err, errors.ErrorTypeInternal, "bootstrap canceled")
		}
		if err := cp.startHost(ctx, pluginID); err != nil {
			if cp.settings.DependencyPolicy == registry.PolicyHardFail {
				return err
			}
			cp.logger.Warn("plugin not started",
				zap.String("plugin_id", pluginID), zap.Error(err))
		}
	}

	cp.dispatch.Start()
	if cp.fast != nil {
		if err := cp.fast.Start(); err != nil {
			return err
		}
	}
	if cp.mirror != nil {
		cp.mirror.Start()
	}
	if err := cp.httpd.Start(); err != nil {
		return err
	}
	cp.startMaintenance()

	cp.logger.Info("control plane up",
		zap.Duration("took", time.Since(started)),
		zap.Int("plugins", len(order)),
		zap.String("http", cp.httpd.Addr()))
	return nil
}

func (cp *ControlPlane) startHost(ctx context.Context, pluginID string) error {
	rec, ok := cp.registry.Get(pluginID)
	if !ok {
		return errors.NewNotFound("plugin", pluginID)
	}
	h := host.New(host.Options{
		PluginID:       pluginID,
		Entry:          rec.Entry,
		Launcher:       cp.Launcher,
		Logger:         cp.logger,
		OnStatus:       cp.recordStatus,
		OnRequest:      cp.onRequest,
		ShutdownGrace:  cp.settings.ShutdownTimeout(),
		TerminateGrace: cp.settings.TerminateTimeout(),
	})
	if err := h.Start(ctx); err != nil {
		return err
	}
	cp.hostMu.Lock()
	cp.hosts[pluginID] = h
	cp.hostMu.Unlock()
	return nil
}

// StartPlugin launches the host for one registered plugin. The registry
// record must already exist; a rescan registers new manifests.
func (cp *ControlPlane) StartPlugin(ctx context.Context, pluginID string) error {
	if _, ok := cp.host(pluginID); ok {
		return errors.NewConflict("plugin", pluginID).
			WithMessage("plugin " + pluginID + " is already running")
	}
	if err := cp.startHost(ctx, pluginID); err != nil {
		return err
	}
	cp.hostMu.Lock()
	found := false
	for _, id := range cp.order {
		if id == pluginID {
			found = true
			break
		}
	}
	if !found {
		// Shutdown walks the start order in reverse; a late-started plugin
		// must appear there or it would outlive the plane.
		cp.order = append(cp.order, pluginID)
	}
	cp.hostMu.Unlock()
	return nil
}

// StopPlugin runs the shutdown ladder for one plugin, removes its host,
// and sweeps its bus subscriptions. The registry record survives, so the
// plugin can be started again.
func (cp *ControlPlane) StopPlugin(ctx context.Context, pluginID string) error {
	cp.hostMu.Lock()
	h, ok := cp.hosts[pluginID]
	if ok {
		delete(cp.hosts, pluginID)
	}
	cp.hostMu.Unlock()
	if !ok {
		return errors.NewNotFound("plugin", pluginID)
	}

	sctx, cancel := context.WithTimeout(ctx, cp.settings.ShutdownTotalTimeout())
	defer cancel()
	err := h.Shutdown(sctx)
	cp.dispatch.UnsubscribePlugin(pluginID)
	return err
}

// onRequest feeds child-originated frames to the router off the host's
// read loop.
func (cp *ControlPlane) onRequest(pluginID string, f ipc.Frame) {
	go cp.router.Handle(context.Background(), pluginID, f)
}

func (cp *ControlPlane) recordStatus(pluginID string, payload map[string]any) {
	cp.statusMu.Lock()
	cp.statuses[pluginID] = statusEntry{Payload: payload, At: time.Now()}
	cp.statusMu.Unlock()
}

func (cp *ControlPlane) host(pluginID string) (*host.Host, bool) {
	cp.hostMu.RLock()
	defer cp.hostMu.RUnlock()
	h, ok := cp.hosts[pluginID]
	return h, ok
}

// hostsView adapts the host map to the router's interface.
type hostsView struct{ cp *ControlPlane }

func (v hostsView) Get(pluginID string) (router.Host, bool) {
	h, ok := v.cp.host(pluginID)
	if !ok {
		return nil, false
	}
	return h, true
}

// Trigger invokes one plugin entry. Shared by the HTTP trigger endpoint
// and the run manager.
func (cp *ControlPlane) Trigger(ctx context.Context, pluginID, entryID string, args map[string]any, timeout time.Duration) (ipc.Result, error) {
	h, ok := cp.host(pluginID)
	if !ok {
		return ipc.Result{}, errors.NewNotFound("plugin", pluginID)
	}
	if !h.Alive() {
		return ipc.Result{}, errors.New(errors.ErrorTypeNotReady,
			"plugin "+pluginID+" is not running").
			WithDetail("state", h.State().String())
	}
	return h.Trigger(ctx, entryID, args, timeout)
}

// Health aggregates host liveness for /healthz, the fast plane, and
// plugin queries.
func (cp *ControlPlane) Health() map[string]any {
	cp.hostMu.RLock()
	hosts := make([]host.Health, 0, len(cp.hosts))
	healthy := true
	for _, h := range cp.hosts {
		hc := h.HealthCheck()
		if !hc.Alive {
			healthy = false
		}
		hosts = append(hosts, hc)
	}
	cp.hostMu.RUnlock()

	cp.statusMu.Lock()
	statuses := make(map[string]statusEntry, len(cp.statuses))
	for k, v := range cp.statuses {
		statuses[k] = v
	}
	cp.statusMu.Unlock()

	return map[string]any{
		"healthy":  healthy,
		"plugins":  len(hosts),
		"hosts":    hosts,
		"statuses": statuses,
		"pending":  cp.broker.Pending(),
	}
}

func (cp *ControlPlane) startMaintenance() {
	_, _ = cp.cron.AddFunc("@every 30s", func() {
		if n := cp.broker.SweepExpired(time.Now()); n > 0 {
			cp.logger.Debug("expired responses swept", zap.Int("count", n))
		}
	})
	_, _ = cp.cron.AddFunc("@every 1m", func() {
		cp.dispatch.PauseGC()
	})
	if mem, ok := cp.uctx.(*usercontext.MemoryStore); ok {
		_, _ = cp.cron.AddFunc("@every 5m", func() {
			mem.GC()
		})
	}
	cp.cron.Start()
}

// Shutdown tears the plane down in reverse order. Host shutdown is
// concurrent and bounded by the global total timeout.
func (cp *ControlPlane) Shutdown(ctx context.Context) error {
	cpCtx := cp.cron.Stop()
	<-cpCtx.Done()

	if err := cp.httpd.Stop(ctx); err != nil {
		cp.logger.Warn("http shutdown", zap.Error(err))
	}
	if cp.mirror != nil {
		cp.mirror.Stop()
	}
	if cp.fast != nil {
		cp.fast.Stop()
	}
	cp.dispatch.Stop()

	cp.hostMu.Lock()
	hosts := make([]*host.Host, 0, len(cp.hosts))
	for i := len(cp.order) - 1; i >= 0; i-- {
		if h, ok := cp.hosts[cp.order[i]]; ok {
			hosts = append(hosts, h)
		}
	}
	cp.hosts = make(map[string]*host.Host)
	cp.hostMu.Unlock()

	total, cancel := context.WithTimeout(ctx, cp.settings.ShutdownTotalTimeout())
	defer cancel()
	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(h *host.Host) {
			defer wg.Done()
			if err := h.Shutdown(total); err != nil {
				cp.logger.Warn("plugin shutdown",
					zap.String("plugin_id", h.PluginID()), zap.Error(err))
			}
		}(h)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-total.Done():
		cp.logger.Warn("plugin shutdown deadline exceeded")
	}

	cp.logger.Info("control plane stopped")
	return nil
}
