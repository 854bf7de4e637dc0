// Package logging builds the zap loggers used by the commands.
package logging

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string

	// File, when set, receives JSON logs rotated by lumberjack.
	File string

	// MaxSizeMB, MaxBackups and MaxAgeDays bound the rotated files.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultOptions logs at info to stderr only.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// New returns a console logger on stderr, tee'd to a rotated JSON file
// when opts.File is set. The returned func flushes buffered entries.
func New(opts Options) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}
	return logger, cleanup, nil
}

// retryableHTTPLogger adapts a zap logger to the
// retryablehttp.LeveledLogger interface.
type retryableHTTPLogger struct {
	inner *zap.Logger
}

// RetryableHTTP returns a retryablehttp logger writing to logger. Retry
// chatter is demoted one level so a healthy run stays quiet at info.
func RetryableHTTP(logger *zap.Logger) retryablehttp.LeveledLogger {
	return retryableHTTPLogger{inner: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (r retryableHTTPLogger) Error(msg string, keysAndValues ...any) {
	r.inner.Sugar().Warnw(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Info(msg string, keysAndValues ...any) {
	r.inner.Sugar().Debugw(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Warn(msg string, keysAndValues ...any) {
	r.inner.Sugar().Infow(msg, keysAndValues...)
}

func (r retryableHTTPLogger) Debug(msg string, keysAndValues ...any) {
	r.inner.Sugar().Debugw(msg, keysAndValues...)
}
