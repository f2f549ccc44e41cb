package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/broker"
	"github.com/nexabus/nexabus/bus"
	"github.com/nexabus/nexabus/config"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/plugin"
	"github.com/nexabus/nexabus/usercontext"
)

type fakeHost struct {
	alive   bool
	state   plugin.HostState
	trigger func(eventType, eventID string, args map[string]any) (ipc.Result, error)

	mu      sync.Mutex
	replies []ipc.Result
}

func (h *fakeHost) Alive() bool             { return h.alive }
func (h *fakeHost) State() plugin.HostState { return h.state }

func (h *fakeHost) TriggerCustomEvent(_ context.Context, eventType, eventID string, args map[string]any, _ time.Duration) (ipc.Result, error) {
	if h.trigger == nil {
		return ipc.Result{OK: true}, nil
	}
	return h.trigger(eventType, eventID, args)
}

func (h *fakeHost) Respond(_ string, res ipc.Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies = append(h.replies, res)
	return nil
}

func (h *fakeHost) replyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.replies)
}

func (h *fakeHost) reply(i int) ipc.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replies[i]
}

type fakeHosts map[string]*fakeHost

func (m fakeHosts) Get(pluginID string) (Host, bool) {
	h, ok := m[pluginID]
	return h, ok
}

type fakeSubs struct {
	lastRules []string
	err       error
}

func (s *fakeSubs) Subscribe(pluginID, busName string, rules []string, debounceMS int) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.lastRules = rules
	return "sub-1", nil
}

func (s *fakeSubs) Unsubscribe(busName, subID string) error { return s.err }

type fakeRuns struct{}

func (fakeRuns) ExportPush(_ context.Context, from string, payload map[string]any) (map[string]any, error) {
	return map[string]any{"accepted": true, "from": from}, nil
}

func (fakeRuns) RunUpdate(_ context.Context, from string, payload map[string]any) (map[string]any, error) {
	return map[string]any{"updated": true}, nil
}

type fixture struct {
	router *Router
	hosts  fakeHosts
	stores map[string]*bus.Store
	uctx   *usercontext.MemoryStore
	broker *broker.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := make(map[string]*bus.Store)
	for _, name := range bus.Names() {
		stores[name] = bus.NewStore(name, bus.Limits{})
	}
	hosts := fakeHosts{
		"caller": {alive: true, state: plugin.StateRunning},
		"target": {alive: true, state: plugin.StateRunning},
	}
	uctx := usercontext.NewMemoryStore(usercontext.Options{})
	logger := logging.FromZap(zap.NewNop())
	brk := broker.New(logger)
	r := New(Options{
		Registry:      nil,
		Hosts:         hosts,
		Stores:        stores,
		PluginConfig:  config.NewPluginConfigService(t.TempDir()),
		Settings:      &config.Settings{ListenAddr: "127.0.0.1:8600", RunTokenSecret: "hunter2"},
		Subscriptions: &fakeSubs{},
		UserContext:   uctx,
		Runs:          fakeRuns{},
		Logger:        logger,
		Broker:        brk,
	})
	return &fixture{router: r, hosts: hosts, stores: stores, uctx: uctx, broker: brk}
}

// call runs one request through the router and returns the reply sent back
// to the calling plugin.
func (f *fixture) call(t *testing.T, from, reqType string, payload map[string]any) ipc.Result {
	t.Helper()
	caller := f.hosts[from]
	before := caller.replyCount()
	f.router.Handle(context.Background(), from, ipc.Frame{
		Queue:   ipc.QueueRequest,
		Kind:    ipc.KindRequest,
		ReqID:   "req-1",
		Type:    reqType,
		Payload: payload,
	})
	require.Equal(t, before+1, caller.replyCount(), "expected exactly one reply")
	return caller.reply(before)
}

func TestHandle_PluginToPlugin(t *testing.T) {
	f := newFixture(t)
	f.hosts["target"].trigger = func(eventType, eventID string, args map[string]any) (ipc.Result, error) {
		return ipc.Result{OK: true, Data: map[string]any{"echo": args["msg"]}}, nil
	}

	res := f.call(t, "caller", "PLUGIN_TO_PLUGIN", map[string]any{
		"target_plugin": "target",
		"event_type":    "notify",
		"event_id":      "ping",
		"args":          map[string]any{"msg": "hi"},
	})
	require.True(t, res.OK)
	data, _ := res.Data["data"].(map[string]any)
	assert.Equal(t, "hi", data["echo"])
}

func TestHandle_PluginToPlugin_TargetMissingOrDead(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "caller", "PLUGIN_TO_PLUGIN", map[string]any{"target_plugin": "ghost"})
	assert.False(t, res.OK)
	assert.Equal(t, string(plugin.CodeNotFound), res.Code)

	f.hosts["target"].alive = false
	res = f.call(t, "caller", "PLUGIN_TO_PLUGIN", map[string]any{"target_plugin": "target"})
	assert.False(t, res.OK)
	assert.Equal(t, string(plugin.CodeNotReady), res.Code)
}

func TestHandle_ConfigOpsAreOwnPluginOnly(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "caller", "PLUGIN_CONFIG_GET", map[string]any{"plugin_id": "target"})
	assert.False(t, res.OK)
	assert.Equal(t, string(plugin.CodePermissionDenied), res.Code)

	res = f.call(t, "caller", "PLUGIN_CONFIG_GET", map[string]any{})
	assert.True(t, res.OK, "own config readable: %+v", res)
}

func TestHandle_SystemConfigIsSanitized(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "caller", "PLUGIN_SYSTEM_CONFIG_GET", nil)
	require.True(t, res.OK)
	assert.Equal(t, "127.0.0.1:8600", res.Data["listen_addr"])
	assert.NotEqual(t, "hunter2", res.Data["run_token_secret"], "secret must be masked")
}

func TestHandle_MessagePushValidatesWatermark(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "caller", "MESSAGE_PUSH", map[string]any{
		"topic": "alerts", "push_seq": float64(1), "body": "first",
	})
	require.True(t, res.OK, "%+v", res)

	// Duplicate and regression both land at or below the watermark.
	res = f.call(t, "caller", "MESSAGE_PUSH", map[string]any{
		"topic": "alerts", "push_seq": float64(1), "body": "dup",
	})
	assert.False(t, res.OK)
	assert.Equal(t, "CONFLICT", res.Code)

	res = f.call(t, "caller", "MESSAGE_PUSH", map[string]any{
		"topic": "alerts", "push_seq": float64(2), "body": "second",
	})
	assert.True(t, res.OK)

	events := f.stores[bus.StoreMessages].GetRecent("alerts", 10)
	require.Len(t, events, 2)
	assert.Equal(t, "caller", events[0].Index.PluginID, "plugin_id injected")
	_, hasSeq := events[0].Payload["push_seq"]
	assert.False(t, hasSeq, "transport fields stripped from the record")
}

func TestHandle_StoreGetAndDelete(t *testing.T) {
	f := newFixture(t)
	store := f.stores[bus.StoreMessages]
	_, err := store.Publish("t1", map[string]any{"id": "m1", "plugin_id": "caller"})
	require.NoError(t, err)
	_, err = store.Publish("t1", map[string]any{"id": "m2", "plugin_id": "other"})
	require.NoError(t, err)

	res := f.call(t, "caller", "MESSAGE_GET", map[string]any{"plugin_id": "caller"})
	require.True(t, res.OK)
	records, _ := res.Data["records"].([]map[string]any)
	require.Len(t, records, 1)
	assert.Equal(t, "m1", records[0]["id"])

	res = f.call(t, "caller", "MESSAGE_DEL", map[string]any{"id": "m1"})
	require.True(t, res.OK)
	assert.True(t, store.IsDeleted("m1"))
}

func TestHandle_SubscribeRepliesWithRev(t *testing.T) {
	f := newFixture(t)
	_, err := f.stores[bus.StoreEvents].Publish("t", map[string]any{"id": "e1"})
	require.NoError(t, err)

	res := f.call(t, "caller", "BUS_SUBSCRIBE", map[string]any{
		"bus":   bus.StoreEvents,
		"rules": []any{"plugin_id=caller"},
	})
	require.True(t, res.OK, "%+v", res)
	assert.Equal(t, "sub-1", res.Data["sub_id"])
	assert.Equal(t, uint64(1), res.Data["rev"])
}

func TestHandle_SubscribeRejectsMemoryAndUnknownBus(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "caller", "BUS_SUBSCRIBE", map[string]any{"bus": bus.StoreMemory})
	assert.False(t, res.OK)

	res = f.call(t, "caller", "BUS_SUBSCRIBE", map[string]any{"bus": "nope"})
	assert.False(t, res.OK)
	assert.Equal(t, string(plugin.CodeValidation), res.Code)
}

func TestHandle_UserContextDefaultsToCallerBucket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.uctx.Append(context.Background(), "caller", map[string]any{"q": "hello"}))

	res := f.call(t, "caller", "USER_CONTEXT_GET", map[string]any{})
	require.True(t, res.OK)
	assert.Equal(t, "caller", res.Data["bucket"])
	entries, _ := res.Data["entries"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0]["q"])
}

func TestHandle_MemoryQueryRunsPlan(t *testing.T) {
	f := newFixture(t)
	mem := f.stores[bus.StoreMemory]
	for _, id := range []string{"a", "b"} {
		_, err := mem.Publish("facts", map[string]any{"id": id, "plugin_id": "caller"})
		require.NoError(t, err)
	}

	res := f.call(t, "caller", "MEMORY_QUERY", map[string]any{
		"plan": map[string]any{
			"kind": "unary",
			"op":   "where_eq",
			"params": map[string]any{
				"field": "id",
				"value": "a",
			},
			"child": map[string]any{
				"kind":   "get",
				"params": map[string]any{"topic": "facts"},
			},
		},
	})
	require.True(t, res.OK, "%+v", res)
	records, _ := res.Data["records"].([]map[string]any)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0]["id"])
}

func TestHandle_RunSinkForwarding(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "caller", "EXPORT_PUSH", map[string]any{"run_id": "r1"})
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["accepted"])

	res = f.call(t, "caller", "RUN_UPDATE", map[string]any{"run_id": "r1"})
	require.True(t, res.OK)
}

func TestHandle_UnknownTypeIsDropped(t *testing.T) {
	f := newFixture(t)
	caller := f.hosts["caller"]

	f.router.Handle(context.Background(), "caller", ipc.Frame{
		Queue: ipc.QueueRequest, Kind: ipc.KindRequest, ReqID: "req-9", Type: "NOPE",
	})
	assert.Zero(t, caller.replyCount(), "unknown types never get a reply")
}

func TestHandle_StuckHandlerTimesOutThroughBroker(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.hosts["target"].trigger = func(_, _ string, _ map[string]any) (ipc.Result, error) {
		<-release
		return ipc.Result{OK: true}, nil
	}

	res := f.call(t, "caller", "PLUGIN_TO_PLUGIN", map[string]any{
		"target_plugin": "target",
		"timeout":       0.05,
	})
	assert.False(t, res.OK)
	assert.Equal(t, string(plugin.CodeTimeout), res.Code)
	assert.Equal(t, 0, f.broker.Pending(), "timed-out entry must be canceled")
	close(release)
}

func TestHandle_DuplicateRequestIDConflicts(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.hosts["target"].trigger = func(_, _ string, _ map[string]any) (ipc.Result, error) {
		<-release
		return ipc.Result{OK: true}, nil
	}

	go f.router.Handle(context.Background(), "caller", ipc.Frame{
		Queue: ipc.QueueRequest, Kind: ipc.KindRequest, ReqID: "dup", Type: "PLUGIN_TO_PLUGIN",
		Payload: map[string]any{"target_plugin": "target"},
	})
	require.Eventually(t, func() bool { return f.broker.Pending() == 1 },
		2*time.Second, 5*time.Millisecond, "first request never armed its waiter")

	// Reusing an in-flight request id is a caller bug and gets a conflict.
	caller := f.hosts["caller"]
	f.router.Handle(context.Background(), "caller", ipc.Frame{
		Queue: ipc.QueueRequest, Kind: ipc.KindRequest, ReqID: "dup", Type: "MESSAGE_GET",
		Payload: map[string]any{},
	})
	require.Equal(t, 1, caller.replyCount())
	res := caller.reply(0)
	assert.False(t, res.OK)
	assert.Equal(t, "CONFLICT", res.Code)

	close(release)
	require.Eventually(t, func() bool { return caller.replyCount() == 2 },
		2*time.Second, 5*time.Millisecond, "first request never completed")
	assert.True(t, caller.reply(1).OK)
}
