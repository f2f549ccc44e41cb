// Package config loads control-plane settings from an optional YAML file,
// overlays NEXABUS_-prefixed environment variables, and fills the gaps from
// struct defaults. The same loader backs per-plugin config files.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/nexabus/nexabus/errors"
)

// Options controls where a Loader reads from.
type Options struct {
	// Path is the config file to read. Optional; a missing file is not an
	// error, the struct defaults and environment carry the load.
	Path string
	// FileType is the viper config type used when Path has no extension.
	FileType string
	// EnvPrefix namespaces environment overrides, e.g. "NEXABUS".
	EnvPrefix string
	// Watch enables hot reload of the file via fsnotify.
	Watch bool
	// OnChange fires after a watched file has been re-bound.
	OnChange func(e fsnotify.Event)
}

// DefaultOptions reads the path from NEXABUS_CONFIG_FILE when set.
func DefaultOptions() Options {
	return Options{
		Path:      os.Getenv("NEXABUS_CONFIG_FILE"),
		FileType:  "yaml",
		EnvPrefix: "NEXABUS",
	}
}

// Loader is a thin wrapper over one viper instance. Bind is safe to call
// concurrently with a watch-triggered rebind.
type Loader struct {
	instance  *viper.Viper
	opts      Options
	mu        sync.RWMutex
	watchOnce sync.Once
}

// NewLoader builds a viper instance per the options. The file, when
// present, is read immediately.
func NewLoader(opts Options) (*Loader, error) {
	v := viper.New()
	v.SetConfigType(opts.FileType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.AutomaticEnv()

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					return nil, errors.WrapWithType(err, errors.ErrorTypeInternal,
						"reading config file "+opts.Path)
				}
			}
		}
	}

	return &Loader{instance: v, opts: opts}, nil
}

// Bind applies defaults, unmarshals the current view into target, and
// reapplies defaults for fields the file and environment left zero. When
// watching is enabled the first Bind arms the watcher and target is rebound
// on every file change.
func (l *Loader) Bind(target any) error {
	if target == nil {
		return errors.NewValidation("config bind target is nil")
	}
	if err := defaults.Set(target); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "applying config defaults")
	}

	l.mu.Lock()
	err := l.bindEnvKeys(target)
	if err == nil {
		err = l.instance.Unmarshal(target)
	}
	l.mu.Unlock()
	if err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "unmarshaling config")
	}
	if err := defaults.Set(target); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "applying config defaults")
	}

	if l.opts.Watch && l.opts.Path != "" {
		l.watchOnce.Do(func() {
			l.instance.WatchConfig()
			l.instance.OnConfigChange(func(e fsnotify.Event) {
				l.mu.Lock()
				rebindErr := l.instance.Unmarshal(target)
				l.mu.Unlock()
				if rebindErr != nil {
					return
				}
				if l.opts.OnChange != nil {
					l.opts.OnChange(e)
				}
			})
		})
	}
	return nil
}

// bindEnvKeys registers every mapstructure key of the target so that
// AutomaticEnv sees variables for keys absent from the file.
func (l *Loader) bindEnvKeys(target any) error {
	keys, err := mapstructureKeys(target)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := l.instance.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

// Get reads one raw key from the merged view.
func (l *Loader) Get(key string) any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.instance.Get(key)
}

// Set overrides one key in memory.
func (l *Loader) Set(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instance.Set(key, value)
}

// Snapshot returns the merged view as a map.
func (l *Loader) Snapshot() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.instance.AllSettings()
}

// Export writes the merged view to a file, creating parent directories.
func (l *Loader) Export(path string) error {
	if path == "" {
		return errors.NewValidation("export path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "creating export directory")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.instance.WriteConfigAs(path); err != nil {
		return errors.WrapWithType(err, errors.ErrorTypeInternal, "writing config to "+path)
	}
	return nil
}
