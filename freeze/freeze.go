// Package freeze persists plugin state snapshots across restarts. A
// snapshot is restricted to basic JSON values plus a small set of tagged
// extended types; anything else must go through the plugin's own
// FreezeSerialize/FreezeDeserialize hooks before it reaches a backend.
package freeze

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/json"
)

// Backend stores one snapshot per plugin id.
type Backend interface {
	Save(pluginID string, state map[string]any) error
	// Load returns the stored snapshot; ok is false when none exists.
	Load(pluginID string) (map[string]any, bool, error)
	Clear(pluginID string) error
}

// NewBackend selects a backend by persist mode. Modes memory, interval,
// and always share the file backend when a directory is configured;
// "memory" without a directory keeps snapshots in process.
func NewBackend(mode, dir string) (Backend, error) {
	switch mode {
	case "off", "":
		return offBackend{}, nil
	case "memory":
		return NewMemoryBackend(), nil
	case "interval", "always":
		if dir == "" {
			return nil, errors.NewRequired("checkpoint_dir")
		}
		return NewFileBackend(dir), nil
	default:
		return nil, errors.NewInvalid("checkpoint_persist_mode", mode,
			"must be off, memory, interval, or always")
	}
}

// offBackend drops everything.
type offBackend struct{}

func (offBackend) Save(string, map[string]any) error         { return nil }
func (offBackend) Load(string) (map[string]any, bool, error) { return nil, false, nil }
func (offBackend) Clear(string) error                        { return nil }

// MemoryBackend keeps snapshots in process. Used in tests and for plugins
// that only need freeze/restore within one control-plane lifetime.
type MemoryBackend struct {
	mu    sync.RWMutex
	state map[string]map[string]any
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: make(map[string]map[string]any)}
}

func (b *MemoryBackend) Save(pluginID string, state map[string]any) error {
	encoded, err := Encode(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.state[pluginID] = encoded
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Load(pluginID string) (map[string]any, bool, error) {
	b.mu.RLock()
	encoded, ok := b.state[pluginID]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	decoded, err := Decode(encoded)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func (b *MemoryBackend) Clear(pluginID string) error {
	b.mu.Lock()
	delete(b.state, pluginID)
	b.mu.Unlock()
	return nil
}

// FileBackend writes one JSON file per plugin under a directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(pluginID string) string {
	return filepath.Join(b.dir, pluginID+".json")
}

func (b *FileBackend) Save(pluginID string, state map[string]any) error {
	encoded, err := Encode(state)
	if err != nil {
		return err
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "serializing snapshot")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "creating checkpoint dir")
	}
	tmp := b.path(pluginID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "writing snapshot")
	}
	if err := os.Rename(tmp, b.path(pluginID)); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "committing snapshot")
	}
	return nil
}

func (b *FileBackend) Load(pluginID string) (map[string]any, bool, error) {
	data, err := os.ReadFile(b.path(pluginID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.WrapWithType(err, errors.ErrorTypeInternal, "reading snapshot")
	}
	var encoded map[string]any
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, false, errors.WrapWithType(err, errors.ErrorTypeInternal, "parsing snapshot")
	}
	decoded, err := Decode(encoded)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func (b *FileBackend) Clear(pluginID string) error {
	err := os.Remove(b.path(pluginID))
	if err != nil && !os.IsNotExist(err) {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "removing snapshot")
	}
	return nil
}

// Tagged extended types carried inside a snapshot.
const (
	tagKey       = "$type"
	tagTimestamp = "timestamp"
	tagDuration  = "duration"
	tagEnum      = "enum"
	tagSet       = "set"
	tagPath      = "path"
)

// Enum is a named symbolic value a plugin can round-trip through a snapshot.
type Enum struct {
	Name  string
	Value string
}

// Set is an unordered string set with a stable snapshot form.
type Set map[string]struct{}

// Path marks a filesystem path so restore sites can tell it from a plain
// string.
type Path string

// Encode converts a state map to its storable form, tagging extended
// types and rejecting values that cannot round-trip.
func Encode(state map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(state))
	for k, v := range state {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, errors.NewValidation("state key " + k + " is not freezable: " + err.Error())
		}
		out[k] = ev
	}
	return out, nil
}

func encodeValue(v any) (any, error) {
	switch tv := v.(type) {
	case nil, bool, string, int, int32, int64, uint64, float32, float64:
		return tv, nil
	case time.Time:
		return map[string]any{tagKey: tagTimestamp, "value": tv.UTC().Format(time.RFC3339Nano)}, nil
	case time.Duration:
		return map[string]any{tagKey: tagDuration, "value": tv.Seconds()}, nil
	case Enum:
		return map[string]any{tagKey: tagEnum, "name": tv.Name, "value": tv.Value}, nil
	case Path:
		return map[string]any{tagKey: tagPath, "value": string(tv)}, nil
	case Set:
		items := make([]any, 0, len(tv))
		for item := range tv {
			items = append(items, item)
		}
		return map[string]any{tagKey: tagSet, "value": items}, nil
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			ev, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			ev, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// Decode restores tagged extended types from a stored snapshot.
func Decode(encoded map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(encoded))
	for k, v := range encoded {
		dv, err := decodeValue(v)
		if err != nil {
			return nil, errors.NewValidation("state key " + k + " failed to restore: " + err.Error())
		}
		out[k] = dv
	}
	return out, nil
}

func decodeValue(v any) (any, error) {
	switch tv := v.(type) {
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			dv, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case map[string]any:
		tag, _ := tv[tagKey].(string)
		switch tag {
		case tagTimestamp:
			raw, _ := tv["value"].(string)
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("bad timestamp %q", raw)
			}
			return ts, nil
		case tagDuration:
			secs, ok := tv["value"].(float64)
			if !ok {
				return nil, fmt.Errorf("bad duration %v", tv["value"])
			}
			return time.Duration(secs * float64(time.Second)), nil
		case tagEnum:
			name, _ := tv["name"].(string)
			value, _ := tv["value"].(string)
			return Enum{Name: name, Value: value}, nil
		case tagPath:
			raw, _ := tv["value"].(string)
			return Path(raw), nil
		case tagSet:
			items, _ := tv["value"].([]any)
			set := make(Set, len(items))
			for _, item := range items {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("set member %v is not a string", item)
				}
				set[s] = struct{}{}
			}
			return set, nil
		case "":
			out := make(map[string]any, len(tv))
			for k, item := range tv {
				dv, err := decodeValue(item)
				if err != nil {
					return nil, err
				}
				out[k] = dv
			}
			return out, nil
		default:
			return nil, fmt.Errorf("unknown tag %q", tag)
		}
	default:
		return tv, nil
	}
}
