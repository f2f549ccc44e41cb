package plugin

import "github.com/nexabus/nexabus/json"

// ConfigProvider gives plugins type-safe access to their scoped
// configuration. The child runtime builds one from the effective view the
// control plane's config service hands over at spawn; plugins never see
// another plugin's configuration.
type ConfigProvider interface {
	Get(key string) (any, bool)
	GetString(key string, defaultVal string) string
	GetInt(key string, defaultVal int) int
	GetBool(key string, defaultVal bool) bool
	Bind(target any) error
	IsEnabled() bool
}

// PluginConfigEntry is one plugin's configuration view.
type PluginConfigEntry struct {
	name     string
	enabled  bool
	settings map[string]any
}

func NewPluginConfigEntry(name string, enabled bool, settings map[string]any) *PluginConfigEntry {
	if settings == nil {
		settings = make(map[string]any)
	}
	return &PluginConfigEntry{name: name, enabled: enabled, settings: settings}
}

func (c *PluginConfigEntry) Get(key string) (any, bool) {
	v, ok := c.settings[key]
	return v, ok
}

func (c *PluginConfigEntry) GetString(key string, defaultVal string) string {
	if s, ok := c.settings[key].(string); ok {
		return s
	}
	return defaultVal
}

// GetInt coerces the numeric types a YAML or JSON round trip can
// produce; anything else yields the default.
func (c *PluginConfigEntry) GetInt(key string, defaultVal int) int {
	switch n := c.settings[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return defaultVal
	}
}

func (c *PluginConfigEntry) GetBool(key string, defaultVal bool) bool {
	if b, ok := c.settings[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Bind unmarshals the whole settings map into target through a JSON
// round trip, honoring the target's json tags.
func (c *PluginConfigEntry) Bind(target any) error {
	data, err := json.Marshal(c.settings)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func (c *PluginConfigEntry) IsEnabled() bool { return c.enabled }

// MapConfigProvider is a ConfigProvider backed by a plain map, always
// enabled. Tests and inline wiring use it.
type MapConfigProvider = PluginConfigEntry

func NewMapConfigProvider(settings map[string]any) *PluginConfigEntry {
	return NewPluginConfigEntry("", true, settings)
}

type emptyConfig struct{}

func (emptyConfig) Get(string) (any, bool)              { return nil, false }
func (emptyConfig) GetString(_ string, d string) string { return d }
func (emptyConfig) GetInt(_ string, d int) int          { return d }
func (emptyConfig) GetBool(_ string, d bool) bool       { return d }
func (emptyConfig) Bind(any) error                      { return nil }
func (emptyConfig) IsEnabled() bool                     { return false }

// EmptyConfig returns a provider with no settings, used when a plugin
// has no config file.
func EmptyConfig() ConfigProvider { return emptyConfig{} }
