package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a JSON zap logger tagged with the process name.
// The level comes from LOG_LEVEL (debug, info, warn, error; default info).
// Several polyterm processes may share one wallet, so every line carries
// the process name and PID to tell them apart.
func NewLogger(process string) (*zap.Logger, error) {
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		levelStr = "info"
	}

	return newLogger(levelStr, process)
}

func newLogger(levelStr string, process string) (*zap.Logger, error) {
	var level zapcore.Level
	err := level.UnmarshalText([]byte(levelStr))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.Encoding = "json"
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.InitialFields = map[string]interface{}{
		"process": process,
		"pid":     os.Getpid(),
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger, nil
}
