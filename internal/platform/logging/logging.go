// Package logging builds the structured zap logger used by service processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls log level, encoding and destination.
type Config struct {
	Level string `env:"IAM_LOG_LEVEL" envDefault:"info"`
	Dev   bool   `env:"IAM_LOG_DEV"`
	// File, when set, receives logs in addition to stdout and is rotated daily.
	File   string        `env:"IAM_LOG_FILE"`
	MaxAge time.Duration `env:"IAM_LOG_MAX_AGE" envDefault:"168h"`
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger from cfg. Development mode uses zap's console
// configuration; otherwise records are JSON with ISO8601 timestamps.
func New(cfg Config) (*zap.Logger, error) {
	level := ParseLevel(cfg.Level)
	if cfg.Dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(level)
		return c.Build()
	}

	sink := zapcore.AddSync(os.Stdout)
	if path := strings.TrimSpace(cfg.File); path != "" {
		rotating, err := openRotating(path, cfg.MaxAge)
		if err != nil {
			return nil, err
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(rotating))
	}
	return newJSON(sink, level), nil
}

func newJSON(sink zapcore.WriteSyncer, level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

func openRotating(path string, maxAge time.Duration) (io.Writer, error) {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	writer, err := rotatelogs.New(
		path+".%Y%m%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithMaxAge(maxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return writer, nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
