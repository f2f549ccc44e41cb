package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Config controls the logger's output layout and rotation.
type Config struct {
	// Director is the root directory for log files; entries land in
	// {Director}/{date}/{level}.log.
	Director string `mapstructure:"director"`

	// Level is the minimum level written (debug, info, warn, error,
	// dpanic, panic, fatal).
	Level string `mapstructure:"level"`

	// Format selects the entry encoding, "json" or "console".
	Format string `mapstructure:"format"`

	// LogInTerminal tees entries to stdout in addition to the files.
	// Must stay off in plugin children, whose stdout carries frames.
	LogInTerminal bool `mapstructure:"log-in-terminal"`

	// ShowLineNumber adds the caller file:line to every entry.
	ShowLineNumber bool `mapstructure:"show-line-number"`

	// Encoder keys.
	MessageKey    string `mapstructure:"message-key"`
	LevelKey      string `mapstructure:"level-key"`
	TimeKey       string `mapstructure:"time-key"`
	NameKey       string `mapstructure:"name-key"`
	CallerKey     string `mapstructure:"caller-key"`
	StacktraceKey string `mapstructure:"stacktrace-key"`
	LineEnding    string `mapstructure:"line-ending"`

	// EncodeLevel names the zap level encoder (LowercaseLevelEncoder,
	// LowercaseColorLevelEncoder, CapitalLevelEncoder,
	// CapitalColorLevelEncoder).
	EncodeLevel string `mapstructure:"encode-level"`

	// Prefix is prepended to every encoded timestamp.
	Prefix string `mapstructure:"prefix"`
	// TimeFormat is the Go layout for encoded timestamps.
	TimeFormat string `mapstructure:"time-format"`

	// Rotation, per lumberjack: age in days, size in megabytes.
	MaxAge     int  `mapstructure:"max-age"`
	MaxSize    int  `mapstructure:"max-size"`
	MaxBackups int  `mapstructure:"max-backups"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultConfig returns the configuration cmd/nexabus starts from.
func DefaultConfig() Config {
	return Config{
		Director:       "logs",
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		LineEnding:     zapcore.DefaultLineEnding,
		StacktraceKey:  "stacktrace",
		Level:          "info",
		EncodeLevel:    "LowercaseLevelEncoder",
		TimeFormat:     "2006/01/02 - 15:04:05",
		Format:         "json",
		LogInTerminal:  true,
		MaxAge:         7,
		MaxSize:        100,
		MaxBackups:     10,
		Compress:       true,
		ShowLineNumber: true,
	}
}

// TransportLevel converts the configured level string to a zap level.
// Unknown strings fall back to debug so misconfiguration loses nothing.
func (c Config) TransportLevel() zapcore.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.DebugLevel
	}
}

// ZapEncodeLevel resolves the named level encoder.
func (c Config) ZapEncodeLevel() zapcore.LevelEncoder {
	switch c.EncodeLevel {
	case "LowercaseColorLevelEncoder":
		return zapcore.LowercaseColorLevelEncoder
	case "CapitalLevelEncoder":
		return zapcore.CapitalLevelEncoder
	case "CapitalColorLevelEncoder":
		return zapcore.CapitalColorLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.MessageKey == "" {
		c.MessageKey = defaults.MessageKey
	}
	if c.LevelKey == "" {
		c.LevelKey = defaults.LevelKey
	}
	if c.TimeKey == "" {
		c.TimeKey = defaults.TimeKey
	}
	if c.NameKey == "" {
		c.NameKey = defaults.NameKey
	}
	if c.CallerKey == "" {
		c.CallerKey = defaults.CallerKey
	}
	if c.LineEnding == "" {
		c.LineEnding = defaults.LineEnding
	}
	if c.StacktraceKey == "" {
		c.StacktraceKey = defaults.StacktraceKey
	}
	if c.TimeFormat == "" {
		c.TimeFormat = defaults.TimeFormat
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = defaults.MaxBackups
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaults.MaxSize
	}
	if c.MaxAge == 0 {
		c.MaxAge = defaults.MaxAge
	}
	if c.Format == "" {
		c.Format = defaults.Format
	}
	if c.Director == "" {
		c.Director = defaults.Director
	}
}
