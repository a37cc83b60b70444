package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qa-tools/triage-service/internal/config"
)

// NewLogger creates a structured zap.Logger configured via env settings.
// Production builds log JSON; the CLI asks for console output.
func NewLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	return build(cfg, "json", []string{"stdout"})
}

// NewConsoleLogger logs human-readable lines to stderr, for triagectl.
func NewConsoleLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	return build(cfg, "console", []string{"stderr"})
}

func build(cfg config.LoggerConfig, encoding string, outputs []string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: level == zapcore.DebugLevel,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",
			LevelKey:   "level",
			TimeKey:    "ts",
			NameKey:    "logger",
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(l.String())
			},
			EncodeTime: zapcore.ISO8601TimeEncoder,
			EncodeName: zapcore.FullNameEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}
