// Package logger builds the zap loggers of duckbridge and defines the
// field names its components share.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	mu           sync.Mutex
)

// Config represents logger configuration
type Config struct {
	Level       string   `mapstructure:"level" yaml:"level" json:"level"`
	Development bool     `mapstructure:"development" yaml:"development" json:"development"`
	Encoding    string   `mapstructure:"encoding" yaml:"encoding" json:"encoding"` // json or console
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths" json:"output_paths"`
}

// Init replaces the global logger. The CLI calls it once the configuration
// is resolved; until then Get returns an info-level JSON logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	globalLogger = l
	mu.Unlock()
	return nil
}

// New builds a logger writing to cfg.OutputPaths, stderr by default.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Development = cfg.Development
	zapCfg.Encoding = orDefault(cfg.Encoding, "json")
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.MessageKey = "message"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	if cfg.Development {
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.DPanicLevel)}
	if cfg.Development {
		opts = []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	}
	logger, err := zapCfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Get returns the global logger
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		logger, err := New(Config{})
		if err != nil {
			// Fallback to basic logger
			logger, _ = zap.NewProduction()
		}
		globalLogger = logger
	}
	return globalLogger
}

// Component tags a logger with the component name.
func Component(l *zap.Logger, name string) *zap.Logger {
	return l.With(zap.String("component", name))
}

// Event is the field naming a diagnostic event.
func Event(name string) zap.Field {
	return zap.String("event", name)
}

// BatchSeq is the field carrying a batch sequence number.
func BatchSeq(seq uint64) zap.Field {
	return zap.Uint64("batch_seq", seq)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.Lock()
	l := globalLogger
	mu.Unlock()
	if l != nil {
		return l.Sync()
	}
	return nil
}
