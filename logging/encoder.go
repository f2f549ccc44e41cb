package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func timeEncoder(config Config) zapcore.TimeEncoder {
	return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(config.Prefix + t.Format(config.TimeFormat))
	}
}

func newEncoder(config Config) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		MessageKey:     config.MessageKey,
		LevelKey:       config.LevelKey,
		TimeKey:        config.TimeKey,
		NameKey:        config.NameKey,
		CallerKey:      config.CallerKey,
		StacktraceKey:  config.StacktraceKey,
		LineEnding:     config.LineEnding,
		EncodeLevel:    config.ZapEncodeLevel(),
		EncodeTime:     timeEncoder(config),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	if config.Format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

// levelCores builds one core per level from the configured floor up to
// fatal, each bound to its own file so levels never interleave.
func levelCores(config Config) []zapcore.Core {
	cores := make([]zapcore.Core, 0, 7)
	for level := config.TransportLevel(); level <= zapcore.FatalLevel; level++ {
		exact := level
		only := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == exact })
		cores = append(cores, zapcore.NewCore(newEncoder(config), syncerFor(config, exact.String()), only))
	}
	return cores
}
