// Package child implements the plugin-side runtime: it instantiates the
// plugin from its registered factory, builds the entry maps, and serves the
// host's command loop over the stdio frame channel.
package child

import (
	"time"

	"github.com/nexabus/nexabus/plugin"
)

// entry pairs a descriptor with its handler.
type entry struct {
	desc *plugin.Descriptor
	fn   plugin.HandlerFunc
}

// registrar collects registrations from Instance.Register into the maps
// the command loop dispatches from.
type registrar struct {
	pluginID string

	// entries is keyed by event id and holds plugin_entry handlers.
	entries map[string]*entry
	// custom is keyed by "{event_type}:{event_id}".
	custom map[string]*entry
	// timers holds interval handlers; auto-start ones run until stop.
	timers []*entry
}

func newRegistrar(pluginID string) *registrar {
	return &registrar{
		pluginID: pluginID,
		entries:  make(map[string]*entry),
		custom:   make(map[string]*entry),
	}
}

func (r *registrar) add(eventType, id string, fn plugin.HandlerFunc, opts []plugin.EntryOption) *entry {
	d := &plugin.Descriptor{
		PluginID:  r.pluginID,
		EventType: eventType,
		EventID:   id,
		Kind:      "sync",
	}
	for _, opt := range opts {
		opt(d)
	}
	return &entry{desc: d, fn: fn}
}

func (r *registrar) Entry(id string, fn plugin.HandlerFunc, opts ...plugin.EntryOption) {
	e := r.add(plugin.EventEntry, id, fn, opts)
	r.entries[id] = e
	r.custom[e.desc.EventType+":"+id] = e
}

func (r *registrar) Custom(eventType, id string, fn plugin.HandlerFunc, opts ...plugin.EntryOption) {
	e := r.add(eventType, id, fn, opts)
	r.custom[eventType+":"+id] = e
}

func (r *registrar) Timer(id string, every time.Duration, autoStart bool, fn plugin.HandlerFunc, opts ...plugin.EntryOption) {
	e := r.add(plugin.EventTimer, id, fn, opts)
	e.desc.Interval = every
	e.desc.AutoStart = autoStart
	r.timers = append(r.timers, e)
	r.custom[plugin.EventTimer+":"+id] = e
}

func (r *registrar) OnMessage(id string, fn plugin.HandlerFunc, opts ...plugin.EntryOption) {
	e := r.add(plugin.EventMessage, id, fn, opts)
	r.custom[plugin.EventMessage+":"+id] = e
}

// Descriptors snapshots every registered descriptor.
func (r *registrar) Descriptors() []*plugin.Descriptor {
	seen := make(map[*entry]struct{})
	var out []*plugin.Descriptor
	collect := func(e *entry) {
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		out = append(out, e.desc)
	}
	for _, e := range r.entries {
		collect(e)
	}
	for _, e := range r.custom {
		collect(e)
	}
	for _, e := range r.timers {
		collect(e)
	}
	return out
}
