package kfmt

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// SetLogger installs the structured logger used by all kernel subsystems.
// A nil logger discards all entries.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Logger returns the kernel's structured logger.
func Logger() *zap.Logger {
	return logger.Load()
}

// Log returns the logger of a kernel subsystem.
func Log(subsystem string) *zap.Logger {
	return logger.Load().Named(subsystem)
}

// NewLogger builds a logger writing at the given level ("debug", "info",
// "warn", "error"). Development loggers use the console encoder and
// stack traces on warnings.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}
