package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Verbosity 0 logs JSON at info level, 1
// switches to console output, 2 and above enable logr V-levels down to -verbosity.
func New(verbosity int, service string) (logr.Logger, error) {
	var zapConfig zap.Config

	switch {
	case verbosity <= 0:
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level.SetLevel(zap.InfoLevel)
	case verbosity == 1:
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level.SetLevel(zapcore.Level(-1))
	default:
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level.SetLevel(zapcore.Level(-verbosity))
		zapConfig.Development = true
	}

	zapConfig.InitialFields = map[string]interface{}{
		"service": service,
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return zapr.NewLogger(zapLogger), nil
}
