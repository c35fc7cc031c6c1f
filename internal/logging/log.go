// Package logging wraps go.uber.org/zap behind a narrow interface so
// components depend on a small contract rather than on zap directly, and so
// tests can swap in a no-op logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging contract every component receives through its
// constructor.
type Logger interface {
	Info(fields map[string]any, msg string)
	Warn(fields map[string]any, msg string)
	Error(fields map[string]any, msg string)
	Debug(fields map[string]any, msg string)
}

var global Logger = newZapLogger(false, zapcore.InfoLevel, "")

// SetLogger replaces the global logger instance.
func SetLogger(l Logger) {
	global = l
}

// GetLogger returns the current global logger instance.
func GetLogger() Logger {
	return global
}

// ConfigureDaemon sets up the global logger for the privileged daemon
// process: JSON-encoded, written to path (or stdout if path is empty).
func ConfigureDaemon(level, path string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	global = newZapLogger(false, lvl, path)
	return nil
}

// ConfigureCLI sets up the global logger for interactive CLI use: colorized
// console output at the given level.
func ConfigureCLI(level string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	global = newZapLogger(true, lvl, "")
	return nil
}

func Info(fields map[string]any, msg string)  { global.Info(fields, msg) }
func Warn(fields map[string]any, msg string)  { global.Warn(fields, msg) }
func Error(fields map[string]any, msg string) { global.Error(fields, msg) }
func Debug(fields map[string]any, msg string) { global.Debug(fields, msg) }

type zapLogger struct {
	base *zap.Logger
}

func newZapLogger(dev bool, level zapcore.Level, path string) Logger {
	var config zap.Config
	if dev {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.MessageKey = "msg"
	config.EncoderConfig.LevelKey = "level"
	if path != "" {
		config.OutputPaths = []string{path}
		config.ErrorOutputPaths = []string{path}
	}

	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &zapLogger{base: logger}
}

func (l *zapLogger) Info(fields map[string]any, msg string)  { l.base.With(zapFields(fields)...).Info(msg) }
func (l *zapLogger) Warn(fields map[string]any, msg string)  { l.base.With(zapFields(fields)...).Warn(msg) }
func (l *zapLogger) Error(fields map[string]any, msg string) { l.base.With(zapFields(fields)...).Error(msg) }
func (l *zapLogger) Debug(fields map[string]any, msg string) { l.base.With(zapFields(fields)...).Debug(msg) }

func zapFields(m map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

type noopLogger struct{}

func (n *noopLogger) Info(map[string]any, string)  {}
func (n *noopLogger) Warn(map[string]any, string)  {}
func (n *noopLogger) Error(map[string]any, string) {}
func (n *noopLogger) Debug(map[string]any, string) {}

// NewNoopLogger returns a Logger that discards all log messages.
func NewNoopLogger() Logger {
	return &noopLogger{}
}
