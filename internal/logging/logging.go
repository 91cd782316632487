// Package logging builds the process logger from the [log] config section.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/theirongolddev/tokmon/internal/config"
)

// New returns a logger for cfg and a function that flushes and releases it.
// Output goes to stderr unless cfg.File names a file to append to. An
// unknown level is an error, not a silent fallback.
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	level := zapcore.WarnLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}

	var encoderConfig zapcore.EncoderConfig
	asJSON := strings.EqualFold(cfg.Format, "json")
	if asJSON {
		encoderConfig = zap.NewProductionEncoderConfig()
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var (
		writer  zapcore.WriteSyncer
		closeFn = func() {}
	)
	switch cfg.File {
	case "", "stderr":
		writer = zapcore.Lock(zapcore.AddSync(os.Stderr))
		if !asJSON {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	default:
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		writer = zapcore.AddSync(f)
		closeFn = func() { _ = f.Close() }
	}

	var encoder zapcore.Encoder
	if asJSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	logger := zap.New(zapcore.NewCore(encoder, writer, level), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}
