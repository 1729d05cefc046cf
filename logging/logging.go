// Package logging builds the zap logger shared by every conductor component.
package logging

import (
	"strings"

	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger configured from cfg. The console format uses zap's
// development encoder; json uses the production one.
func New(cfg config.Logging) (*zap.Logger, error) {
	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, errors.New("unknown log format %q", cfg.Format)
	}

	level, err := zapcore.ParseLevel(defaultString(cfg.Level, config.DefaultLogLevel))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level")
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	output := defaultString(cfg.Output, config.DefaultLogOutput)
	zc.OutputPaths = []string{output}
	zc.ErrorOutputPaths = []string{output}

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build logger")
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
