// Package logging builds the process-wide structured logger and
// threads it through requests, mirroring how the reference gateway
// pairs github.com/Laisky/zap with github.com/Laisky/gin-middlewares/v7
// (gmw.SetLogger/gmw.GetLogger) instead of a package-level global.
package logging

import (
	"github.com/Laisky/zap"
)

// New builds a zap logger at the given level ("debug", "info", "warn",
// "error"). Unknown levels fall back to info.
func New(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.EncoderConfig.TimeKey = "ts"

	return cfg.Build()
}
