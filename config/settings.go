package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/nexabus/nexabus/errors"
)

// Settings is the full control-plane configuration. Every field can be set
// in the config file or overridden with a NEXABUS_-prefixed environment
// variable of the same name, e.g. NEXABUS_PLUGIN_EXECUTION_TIMEOUT=1.
// Timeouts and intervals are seconds unless the name says otherwise.
type Settings struct {
	// HTTP surface.
	ListenAddr string `mapstructure:"listen_addr" default:"127.0.0.1:8600"`
	Debug      bool   `mapstructure:"debug"`

	// Plugin discovery.
	PluginsDir       string `mapstructure:"plugins_dir" default:"plugins"`
	PluginConfigDir  string `mapstructure:"plugin_config_dir" default:"config/plugins"`
	DependencyPolicy string `mapstructure:"dependency_policy" default:"warn"` // hard-fail, warn, lazy

	// Store bounds.
	EventQueueMax     int `mapstructure:"event_queue_max" default:"10000"`
	LifecycleQueueMax int `mapstructure:"lifecycle_queue_max" default:"10000"`
	MessageQueueMax   int `mapstructure:"message_queue_max" default:"10000"`

	// Plugin execution.
	PluginExecutionTimeout     float64 `mapstructure:"plugin_execution_timeout" default:"30"`
	PluginTriggerTimeout       float64 `mapstructure:"plugin_trigger_timeout" default:"35"`
	PluginShutdownTimeout      float64 `mapstructure:"plugin_shutdown_timeout" default:"10"`
	PluginShutdownTotalTimeout float64 `mapstructure:"plugin_shutdown_total_timeout" default:"60"`
	ProcessTerminateTimeout    float64 `mapstructure:"process_terminate_timeout" default:"5"`
	QueueGetTimeout            float64 `mapstructure:"queue_get_timeout" default:"0.5"`

	// Host-side communication workers.
	CommunicationPoolMaxWorkers int `mapstructure:"communication_thread_pool_max_workers" default:"16"`

	// Subscription dispatcher.
	DispatchSendConcurrency  int     `mapstructure:"dispatch_send_concurrency" default:"64"`
	DispatchSendTimeout      float64 `mapstructure:"dispatch_send_timeout" default:"1"`
	DispatchFailureThreshold int     `mapstructure:"dispatch_failure_threshold" default:"3"`
	DispatchPauseSeconds     float64 `mapstructure:"dispatch_pause_seconds" default:"5"`
	DispatchDebounceMillis   int     `mapstructure:"dispatch_debounce_millis" default:"50"`
	DispatchQueueMax         int     `mapstructure:"dispatch_queue_max" default:"4096"`

	// Fast message plane.
	MessagePlaneEnabled        bool   `mapstructure:"message_plane_enabled" default:"true"`
	MessagePlaneHost           string `mapstructure:"message_plane_host" default:"127.0.0.1"`
	MessagePlanePort           int    `mapstructure:"message_plane_port" default:"8601"`
	MessagePlaneValidationMode string `mapstructure:"message_plane_validation_mode" default:"warn"` // off, warn, strict
	MessagePlaneMaxFrameBytes  int    `mapstructure:"message_plane_max_frame_bytes" default:"4194304"`
	MessagePlaneMaxBatch       int    `mapstructure:"message_plane_max_batch" default:"256"`
	MessagePlaneFlushMillis    int    `mapstructure:"message_plane_flush_millis" default:"20"`

	// Checkpointing.
	CheckpointPersistMode     string  `mapstructure:"checkpoint_persist_mode" default:"memory"` // off, memory, interval, always
	CheckpointPersistInterval float64 `mapstructure:"checkpoint_persist_interval" default:"30"`
	CheckpointDir             string  `mapstructure:"checkpoint_dir" default:"data/checkpoints"`

	// Run protocol.
	RunTokenSecret     string `mapstructure:"run_token_secret"`
	RunTokenTTLSeconds int    `mapstructure:"run_token_ttl_seconds" default:"3600"`
	BlobUploadMaxBytes int64  `mapstructure:"blob_upload_max_bytes" default:"16777216"`
	BlobDir            string `mapstructure:"blob_dir" default:"data/blobs"`

	// User context history.
	UserContextBackend string  `mapstructure:"user_context_backend" default:"memory"` // memory, redis
	UserContextMax     int     `mapstructure:"user_context_max" default:"200"`
	UserContextTTL     float64 `mapstructure:"user_context_ttl" default:"86400"`
	RedisAddr          string  `mapstructure:"redis_addr" default:"127.0.0.1:6379"`
	RedisPassword      string  `mapstructure:"redis_password"`
	RedisDB            int     `mapstructure:"redis_db"`

	// External mirror.
	MirrorEnabled bool   `mapstructure:"mirror_enabled"`
	NATSURL       string `mapstructure:"nats_url" default:"nats://127.0.0.1:4222"`

	// Logging.
	LogLevel string `mapstructure:"log_level" default:"info"`
	LogDir   string `mapstructure:"log_dir" default:"logs"`
}

// LoadSettings reads, binds, and validates the full Settings.
func LoadSettings(opts Options) (*Settings, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, err
	}
	s := &Settings{}
	if err := loader.Bind(s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects out-of-range or unknown-mode values.
func (s *Settings) Validate() error {
	switch s.DependencyPolicy {
	case "hard-fail", "warn", "lazy":
	default:
		return errors.NewInvalid("dependency_policy", s.DependencyPolicy,
			"must be hard-fail, warn, or lazy")
	}
	switch s.MessagePlaneValidationMode {
	case "off", "warn", "strict":
	default:
		return errors.NewInvalid("message_plane_validation_mode", s.MessagePlaneValidationMode,
			"must be off, warn, or strict")
	}
	switch s.CheckpointPersistMode {
	case "off", "memory", "interval", "always":
	default:
		return errors.NewInvalid("checkpoint_persist_mode", s.CheckpointPersistMode,
			"must be off, memory, interval, or always")
	}
	switch s.UserContextBackend {
	case "memory", "redis":
	default:
		return errors.NewInvalid("user_context_backend", s.UserContextBackend,
			"must be memory or redis")
	}
	if s.PluginExecutionTimeout <= 0 {
		return errors.NewInvalid("plugin_execution_timeout", s.PluginExecutionTimeout,
			"must be positive")
	}
	if s.QueueGetTimeout <= 0 {
		return errors.NewInvalid("queue_get_timeout", s.QueueGetTimeout, "must be positive")
	}
	if s.BlobUploadMaxBytes <= 0 {
		return errors.NewInvalid("blob_upload_max_bytes", s.BlobUploadMaxBytes, "must be positive")
	}
	return nil
}

// Sanitized returns the settings as a map with secrets masked, for the
// system-config query op.
func (s *Settings) Sanitized() map[string]any {
	out := make(map[string]any)
	v := reflect.ValueOf(*s)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if strings.Contains(key, "secret") || strings.Contains(key, "password") {
			out[key] = "***"
			continue
		}
		out[key] = v.Field(i).Interface()
	}
	return out
}

// Duration accessors for the seconds-valued knobs.

func (s *Settings) ExecutionTimeout() time.Duration     { return secs(s.PluginExecutionTimeout) }
func (s *Settings) TriggerTimeout() time.Duration       { return secs(s.PluginTriggerTimeout) }
func (s *Settings) ShutdownTimeout() time.Duration      { return secs(s.PluginShutdownTimeout) }
func (s *Settings) ShutdownTotalTimeout() time.Duration { return secs(s.PluginShutdownTotalTimeout) }
func (s *Settings) TerminateTimeout() time.Duration     { return secs(s.ProcessTerminateTimeout) }
func (s *Settings) CommandPollTimeout() time.Duration   { return secs(s.QueueGetTimeout) }
func (s *Settings) SendTimeout() time.Duration          { return secs(s.DispatchSendTimeout) }
func (s *Settings) PauseDuration() time.Duration        { return secs(s.DispatchPauseSeconds) }
func (s *Settings) DebounceWindow() time.Duration {
	return time.Duration(s.DispatchDebounceMillis) * time.Millisecond
}
func (s *Settings) CheckpointInterval() time.Duration { return secs(s.CheckpointPersistInterval) }
func (s *Settings) RunTokenTTL() time.Duration {
	return time.Duration(s.RunTokenTTLSeconds) * time.Second
}
func (s *Settings) ContextTTL() time.Duration { return secs(s.UserContextTTL) }
func (s *Settings) PlaneFlushInterval() time.Duration {
	return time.Duration(s.MessagePlaneFlushMillis) * time.Millisecond
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// mapstructureKeys walks a struct's mapstructure tags, descending into
// nested structs with dotted keys.
func mapstructureKeys(target any) ([]string, error) {
	v := reflect.ValueOf(target)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, errors.NewValidation("config target is a nil pointer")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, errors.NewValidation("config target must be a struct")
	}
	var keys []string
	collectKeys(v.Type(), "", &keys)
	return keys, nil
}

func collectKeys(t reflect.Type, prefix string, out *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		tag = strings.Split(tag, ",")[0]
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		ft := f.Type
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && ft.PkgPath() != "time" {
			collectKeys(ft, key, out)
			continue
		}
		*out = append(*out, key)
	}
}
