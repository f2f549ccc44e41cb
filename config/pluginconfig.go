package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/nexabus/nexabus/errors"
)

// PluginConfigService serves per-plugin configuration: a base file
// (<dir>/<plugin_id>.yaml), optional profile overlays
// (<dir>/<plugin_id>.<profile>.yaml), and in-memory updates layered on top.
// The router enforces that a plugin only reaches its own config; the
// service enforces nothing beyond the filesystem layout.
type PluginConfigService struct {
	dir string

	mu        sync.RWMutex
	overrides map[string]map[string]any // plugin id -> key -> value
	profiles  map[string]string         // plugin id -> active profile
}

func NewPluginConfigService(dir string) *PluginConfigService {
	return &PluginConfigService{
		dir:       dir,
		overrides: make(map[string]map[string]any),
		profiles:  make(map[string]string),
	}
}

// Base returns the plugin's base file contents, without overlays.
func (s *PluginConfigService) Base(pluginID string) (map[string]any, error) {
	return s.readFile(s.basePath(pluginID))
}

// Profiles lists the overlay profile names available for a plugin.
func (s *PluginConfigService) Profiles(pluginID string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapWithType(err, errors.ErrorTypeInternal, "reading plugin config dir")
	}
	prefix := pluginID + "."
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")
		if name == e.Name() || !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, strings.TrimPrefix(name, prefix))
	}
	sort.Strings(names)
	return names, nil
}

// Profile returns one overlay's contents.
func (s *PluginConfigService) Profile(pluginID, profile string) (map[string]any, error) {
	if profile == "" {
		return nil, errors.NewRequired("profile")
	}
	return s.readFile(s.profilePath(pluginID, profile))
}

// SetActiveProfile selects the overlay merged into the effective view.
func (s *PluginConfigService) SetActiveProfile(pluginID, profile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile == "" {
		delete(s.profiles, pluginID)
		return
	}
	s.profiles[pluginID] = profile
}

// Update sets in-memory overrides for a plugin. Overrides survive until
// process exit and sit above both base and profile.
func (s *PluginConfigService) Update(pluginID string, values map[string]any) error {
	if len(values) == 0 {
		return errors.NewValidation("config update carries no values")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ov, ok := s.overrides[pluginID]
	if !ok {
		ov = make(map[string]any)
		s.overrides[pluginID] = ov
	}
	for k, v := range values {
		ov[k] = v
	}
	return nil
}

// Effective merges base, active profile, and overrides, in that order.
func (s *PluginConfigService) Effective(pluginID string) (map[string]any, error) {
	base, err := s.Base(pluginID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}

	s.mu.RLock()
	profile := s.profiles[pluginID]
	ov := s.overrides[pluginID]
	s.mu.RUnlock()

	if profile != "" {
		overlay, err := s.Profile(pluginID, profile)
		if err != nil {
			return nil, err
		}
		for k, v := range overlay {
			out[k] = v
		}
	}
	for k, v := range ov {
		out[k] = v
	}
	return out, nil
}

func (s *PluginConfigService) basePath(pluginID string) string {
	return filepath.Join(s.dir, pluginID+".yaml")
}

func (s *PluginConfigService) profilePath(pluginID, profile string) string {
	return filepath.Join(s.dir, pluginID+"."+profile+".yaml")
}

// readFile loads one YAML file into a flat map. A missing file is an empty
// config, not an error.
func (s *PluginConfigService) readFile(path string) (map[string]any, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, errors.WrapWithType(err, errors.ErrorTypeInternal, "reading "+path)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeInternal, "parsing "+path)
	}
	return v.AllSettings(), nil
}
