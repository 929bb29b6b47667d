package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Setup builds the process logger and installs it as the zap global.
// Production JSON encoding by default; pretty switches to the console
// encoder for local runs. The returned function flushes buffered entries
// and should be deferred in main.
func Setup(level string, pretty bool) (func(), error) {
	cfg := zap.NewProductionConfig()
	if pretty {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return func() { _ = logger.Sync() }, nil
}

// Component returns the global logger tagged with a component field.
// Packages call this once at construction and hold the result.
func Component(name string) *zap.Logger {
	return zap.L().With(zap.String("component", name))
}
