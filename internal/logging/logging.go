// Package logging builds the zap.Logger used throughout the runtime,
// replacing the teacher's file-based ad hoc trace logger with a
// structured, leveled logger (see DESIGN.md for the rationale).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's verbosity and output format.
type Config struct {
	Debug bool
	JSON  bool
}

// New builds a zap.Logger. Debug enables debug-level output; JSON selects
// the production (JSON) encoder over the human-readable console encoder.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

// Nop returns a logger that discards everything, for tests and library
// callers that have not configured logging.
func Nop() *zap.Logger {
	return zap.NewNop()
}
