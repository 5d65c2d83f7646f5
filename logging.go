package gradius

import (
	"fmt"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects the log level, encoding and optional rotated log file.
type LogConfig struct {
	Level      string
	Debug      bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger builds the process logger. Debug selects a console encoder on
// stderr, otherwise JSON is written; File adds a rotated JSON copy.
func NewLogger(config LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			return nil, fmt.Errorf("unknown log level %q", config.Level)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var stderrEncoder zapcore.Encoder
	if config.Debug {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		stderrEncoder = zapcore.NewConsoleEncoder(consoleConfig)
	} else {
		stderrEncoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(stderrEncoder, zapcore.Lock(os.Stderr), level),
	}
	if config.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    valueOr(config.MaxSizeMB, 100),
			MaxBackups: valueOr(config.MaxBackups, 5),
			MaxAge:     valueOr(config.MaxAgeDays, 30),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotated), level))
	}

	options := []zap.Option{zap.AddCaller()}
	if config.Debug {
		options = append(options, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), options...), nil
}

func valueOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
