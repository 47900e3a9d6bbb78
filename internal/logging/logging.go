// Package logging builds the broker's structured logger. Every
// component takes a *zap.SugaredLogger field rather than reaching for
// a package-level global, so tests can inject zap.NewNop().Sugar().
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// JSON selects the production JSON encoder. When false, a minimal
	// console encoder is used.
	JSON bool
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
}

// New builds a *zap.SugaredLogger per cfg.
func New(cfg Config) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	if cfg.JSON {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		zlog, err := zcfg.Build()
		if err != nil {
			return nil, err
		}
		return zlog.Sugar(), nil
	}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything, used as the default
// in tests and in options structs before a real logger is supplied.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
