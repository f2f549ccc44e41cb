package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/plugin"
)

// Record is one registered plugin. PluginID may differ from the manifest id
// when a collision forced a rename.
type Record struct {
	PluginID     string    `json:"plugin_id"`
	ManifestID   string    `json:"manifest_id"`
	Entry        string    `json:"entry"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Version      string    `json:"version"`
	Author       string    `json:"author"`
	Dir          string    `json:"dir"`
	Deps         []string  `json:"dependencies"`
	Warnings     []string  `json:"warnings,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`

	// EntriesByKind groups the plugin's descriptors by event type.
	EntriesByKind map[string][]*plugin.Descriptor `json:"entries_by_kind"`
}

// Registry holds the loaded plugin set and the handler index.
type Registry struct {
	sdk    *version.Version
	logger logging.Logger

	mu       sync.RWMutex
	plugins  map[string]*Record
	handlers map[string]*plugin.Descriptor
	// methods maps "{plugin_id}.{go method name}" to the descriptor, the
	// diagnostic fallback for handlers whose event id differs.
	methods map[string]*plugin.Descriptor
}

// New builds an empty registry gated on the given host SDK version string.
func New(sdkVersion string, logger logging.Logger) (*Registry, error) {
	sdk, err := version.NewVersion(sdkVersion)
	if err != nil {
		return nil, errors.NewInvalid("sdk_version", sdkVersion, err.Error())
	}
	return &Registry{
		sdk:      sdk,
		logger:   logger.Named("registry"),
		plugins:  make(map[string]*Record),
		handlers: make(map[string]*plugin.Descriptor),
		methods:  make(map[string]*plugin.Descriptor),
	}, nil
}

// Scan loads every plugin directory under dir that carries a manifest.
// A rescan rebuilds the whole snapshot, so repeating it over an unchanged
// directory yields an identical registry.
func (r *Registry) Scan(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeNotFound, "reading plugins dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// Directory order is registration order; sorting keeps renames stable
	// across rescans.
	sort.Strings(names)

	plugins := make(map[string]*Record)
	handlers := make(map[string]*plugin.Descriptor)
	methods := make(map[string]*plugin.Descriptor)

	for _, name := range names {
		pluginDir := filepath.Join(dir, name)
		manifestPath := filepath.Join(pluginDir, ManifestFile)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		rec, err := r.load(pluginDir, manifestPath, plugins)
		if err != nil {
			r.logger.Error("plugin rejected",
				zap.String("dir", pluginDir), zap.Error(err))
			continue
		}
		plugins[rec.PluginID] = rec
		for _, descs := range rec.EntriesByKind {
			for _, d := range descs {
				handlers[d.Key()] = d
				handlers[d.CompositeKey()] = d
				if d.MethodName != "" && d.MethodName != d.EventID {
					methods[d.PluginID+"."+d.MethodName] = d
				}
			}
		}
	}

	r.mu.Lock()
	r.plugins = plugins
	r.handlers = handlers
	r.methods = methods
	r.mu.Unlock()
	r.logger.Info("plugin scan complete",
		zap.Int("plugins", len(plugins)), zap.Int("handlers", len(handlers)))
	return nil
}

func (r *Registry) load(dir, manifestPath string, existing map[string]*Record) (*Record, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	gate, err := m.CheckSDK(r.sdk)
	if err != nil {
		return nil, err
	}
	if !gate.OK {
		return nil, errors.New(errors.ErrorTypeConflict, gate.Reason).
			WithDetail("plugin_id", m.ID)
	}
	for _, w := range gate.Warnings {
		r.logger.Warn("sdk gate warning", zap.String("plugin_id", m.ID), zap.String("warning", w))
	}

	pid := m.ID
	if _, taken := existing[pid]; taken {
		pid = renameID(m.ID, existing)
		r.logger.Warn("plugin id collision, renamed",
			zap.String("manifest_id", m.ID), zap.String("plugin_id", pid))
	}

	byKind, err := collectDescriptors(pid, m.Entry)
	if err != nil {
		return nil, err
	}

	return &Record{
		PluginID:      pid,
		ManifestID:    m.ID,
		Entry:         m.Entry,
		Name:          m.Name,
		Description:   m.Description,
		Version:       m.Version,
		Author:        m.Author,
		Dir:           dir,
		Deps:          m.Dependency,
		Warnings:      gate.Warnings,
		RegisteredAt:  time.Now(),
		EntriesByKind: byKind,
	}, nil
}

func renameID(id string, existing map[string]*Record) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", id, n)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}

// collectDescriptors instantiates the plugin once to harvest its
// registrations. The instance is discarded; only the child process runs
// handlers.
func collectDescriptors(pluginID, entry string) (map[string][]*plugin.Descriptor, error) {
	factory, err := plugin.LookupFactory(entry)
	if err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeNotFound, "resolving entry")
	}
	col := &collector{pluginID: pluginID}
	factory().Register(col)

	byKind := make(map[string][]*plugin.Descriptor)
	for _, d := range col.descs {
		byKind[d.EventType] = append(byKind[d.EventType], d)
	}
	return byKind, nil
}

// collector is a registrar that records descriptors without keeping
// handlers.
type collector struct {
	pluginID string
	descs    []*plugin.Descriptor
}

func (c *collector) add(eventType, id string, opts []plugin.EntryOption) *plugin.Descriptor {
	d := &plugin.Descriptor{PluginID: c.pluginID, EventType: eventType, EventID: id, Kind: "sync"}
	for _, opt := range opts {
		opt(d)
	}
	c.descs = append(c.descs, d)
	return d
}

func (c *collector) Entry(id string, _ plugin.HandlerFunc, opts ...plugin.EntryOption) {
	c.add(plugin.EventEntry, id, opts)
}

func (c *collector) Custom(eventType, id string, _ plugin.HandlerFunc, opts ...plugin.EntryOption) {
	c.add(eventType, id, opts)
}

func (c *collector) Timer(id string, every time.Duration, autoStart bool, _ plugin.HandlerFunc, opts ...plugin.EntryOption) {
	d := c.add(plugin.EventTimer, id, opts)
	d.Interval = every
	d.AutoStart = autoStart
}

func (c *collector) OnMessage(id string, _ plugin.HandlerFunc, opts ...plugin.EntryOption) {
	c.add(plugin.EventMessage, id, opts)
}

// Resolve looks a handler up by either index key, falling back to the
// recorded Go method name.
func (r *Registry) Resolve(key string) (*plugin.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.handlers[key]; ok {
		return d, true
	}
	d, ok := r.methods[key]
	return d, ok
}

// Get returns one plugin record.
func (r *Registry) Get(pluginID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.plugins[pluginID]
	return rec, ok
}

// Plugins snapshots all records sorted by plugin id.
func (r *Registry) Plugins() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.plugins))
	for _, rec := range r.plugins {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Query filters the registry snapshot. Supported filters: plugin_id, name,
// event_type (plugins exposing at least one handler of that type).
func (r *Registry) Query(filters map[string]any) []*Record {
	all := r.Plugins()
	out := make([]*Record, 0, len(all))
	for _, rec := range all {
		if pid, ok := filters["plugin_id"].(string); ok && pid != "" && rec.PluginID != pid {
			continue
		}
		if name, ok := filters["name"].(string); ok && name != "" && rec.Name != name {
			continue
		}
		if et, ok := filters["event_type"].(string); ok && et != "" {
			if len(rec.EntriesByKind[et]) == 0 {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}
