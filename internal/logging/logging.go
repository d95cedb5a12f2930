package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-pka/internal/config"
)

// Logger bundles the application logger with its adjustable level.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
	files []io.Closer
}

// ParseLevel converts a string ("debug", "info", "warn", "error") to a zap level.
// Unknown strings default to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// EncoderConfig is shared by the application and audit loggers.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds the application logger. Logs go to w (stderr when nil) and,
// when cfg.File is set, to a size-rotated file.
func New(cfg config.Config, w io.Writer) (*Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Logging.Level))

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Logging.Format) {
	case "console":
		encCfg := EncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json", "":
		encoder = zapcore.NewJSONEncoder(EncoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Logging.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(w), level)}
	out := &Logger{Level: level}

	if cfg.Logging.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		// The file always gets JSON, whatever the terminal format is.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(EncoderConfig()), zapcore.AddSync(rotator), level))
		out.files = append(out.files, rotator)
	}

	out.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return out, nil
}

// SetLevel changes the level of a running logger.
func (l *Logger) SetLevel(level string) {
	l.Level.SetLevel(ParseLevel(level))
}

// Close flushes the logger and closes any rotated files.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
