package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	instance *zap.SugaredLogger
	once     sync.Once
)

// Config selects the logging profile for the engine. Development switches to
// console encoding with caller info; Level overrides the profile's default
// ("debug", "info", "warn", "error"), empty keeps it.
type Config struct {
	Development bool
	Level       string
}

// New builds the process-wide sugared logger once; later calls return the
// same instance regardless of cfg.
func New(cfg Config) (*zap.SugaredLogger, error) {
	var err error
	once.Do(func() {
		zc := zap.NewProductionConfig()
		if cfg.Development {
			zc = zap.NewDevelopmentConfig()
		}
		if cfg.Level != "" {
			var lvl zapcore.Level
			if lvl, err = zapcore.ParseLevel(cfg.Level); err != nil {
				return
			}
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
		var l *zap.Logger
		if l, err = zc.Build(); err != nil {
			return
		}
		instance = l.Sugar()
	})
	return instance, err
}

// Nop returns a discard-everything logger for tests and optional wiring.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
