// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerFactory provides centralized logger creation
type LoggerFactory struct {
	config     *LogConfig
	rootLogger *zap.Logger
	rotator    *lumberjack.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level        string            `yaml:"level" json:"level"`
	ModuleLevels map[string]string `yaml:"module_levels" json:"module_levels"`

	// Encoding is json or console.
	Encoding string `yaml:"encoding" json:"encoding"`

	// Console writes log lines to stderr. Stdout is reserved for reports.
	Console bool `yaml:"console" json:"console"`

	// File, when set, receives a rotated copy of every log line.
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`

	DisableCaller bool `yaml:"disable_caller" json:"disable_caller"`
	Sampling      bool `yaml:"sampling" json:"sampling"`
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config *LogConfig) (*LoggerFactory, error) {
	if config == nil {
		config = DefaultLogConfig()
	}
	return newLoggerFactory(config, os.Stderr)
}

func newLoggerFactory(config *LogConfig, console io.Writer) (*LoggerFactory, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	factory := &LoggerFactory{
		config:  config,
		loggers: make(map[string]*zap.Logger),
	}

	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		factory.rotator = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
	}

	core := factory.buildCore(level, console)
	factory.rootLogger = zap.New(core, buildOptions(config)...)

	zap.ReplaceGlobals(factory.rootLogger)

	return factory, nil
}

// Logger returns the root logger
func (f *LoggerFactory) Logger() *zap.Logger {
	return f.rootLogger
}

// GetLogger returns a logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)

	if levelStr, hasLevel := f.config.ModuleLevels[module]; hasLevel {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			logger = logger.WithOptions(zap.IncreaseLevel(level))
		}
	}

	f.loggers[module] = logger
	return logger
}

// Sync flushes buffered entries and closes the rotated file.
func (f *LoggerFactory) Sync() error {
	// Syncing stderr fails on some terminals; that error is not actionable.
	_ = f.rootLogger.Sync()
	if f.rotator != nil {
		return f.rotator.Close()
	}
	return nil
}

func (f *LoggerFactory) buildCore(level zapcore.Level, console io.Writer) zapcore.Core {
	encoderConfig := buildEncoderConfig(f.config)

	var encoder zapcore.Encoder
	if f.config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{}
	if f.rotator != nil {
		writers = append(writers, zapcore.AddSync(f.rotator))
	}
	if f.config.Console || f.rotator == nil {
		writers = append(writers, zapcore.AddSync(console))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	if f.config.Sampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}
	return core
}

func buildEncoderConfig(config *LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Encoding != "json" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}

	return encoderConfig
}

func buildOptions(config *LogConfig) []zap.Option {
	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}

	if hostname, err := os.Hostname(); err == nil {
		options = append(options, zap.Fields(zap.String("host", hostname)))
	}

	return options
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:        "info",
		ModuleLevels: make(map[string]string),
		Encoding:     "console",
		Console:      true,
		MaxSizeMB:    100,
		MaxBackups:   7,
		MaxAgeDays:   30,
		Compress:     true,
	}
}

// ValidLevel reports whether level parses as a zap level.
func ValidLevel(level string) bool {
	_, err := zapcore.ParseLevel(level)
	return err == nil
}

// LogIf logs only if error is not nil
func LogIf(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if err != nil {
		logger.Error(msg, append(fields, zap.Error(err))...)
	}
}
