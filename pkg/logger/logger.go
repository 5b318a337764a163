// Package logger provides a process-wide structured logger used by the
// broker, stub launcher, and proxy. It wraps a zap.SugaredLogger behind a
// singleton so every package can log without threading a logger through
// every call, the way the teacher's pkg/logger does.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

// Initialize configures the singleton logger. Safe to call more than once;
// the last call wins. Controlled by the viper key "debug" (bound to
// thv-broker's --debug flag) and two environment variables:
//
//   - DEBUG: when truthy, or when the "debug" key is true, logs at debug
//     level instead of info.
//   - UNSTRUCTURED_LOGS: when truthy (the default), uses a human-readable
//     console encoder; when false, emits JSON lines suitable for log
//     aggregation.
func Initialize() {
	level := zapcore.InfoLevel
	if debugEnabled() {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if unstructuredLogs() {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	l := zap.New(core)
	singleton.Store(l.Sugar())
}

func unstructuredLogs() bool {
	return unstructuredLogsWithEnv(os.Getenv)
}

func unstructuredLogsWithEnv(getenv func(string) string) bool {
	raw := getenv("UNSTRUCTURED_LOGS")
	if raw == "" {
		return true
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return value
}

func debugEnabled() bool {
	if viper.GetBool("debug") {
		return true
	}
	value, err := strconv.ParseBool(os.Getenv("DEBUG"))
	return err == nil && value
}

func get() *zap.SugaredLogger {
	if l := singleton.Load(); l != nil {
		return l
	}
	Initialize()
	return singleton.Load()
}

// Debug logs at debug level.
func Debug(args ...any) { get().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(template string, args ...any) { get().Debugf(template, args...) }

// Debugw logs a message with structured key/value pairs at debug level.
func Debugw(msg string, kv ...any) { get().Debugw(msg, kv...) }

// Info logs at info level.
func Info(args ...any) { get().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(template string, args ...any) { get().Infof(template, args...) }

// Infow logs a message with structured key/value pairs at info level.
func Infow(msg string, kv ...any) { get().Infow(msg, kv...) }

// Warn logs at warn level.
func Warn(args ...any) { get().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(template string, args ...any) { get().Warnf(template, args...) }

// Warnw logs a message with structured key/value pairs at warn level.
func Warnw(msg string, kv ...any) { get().Warnw(msg, kv...) }

// Error logs at error level.
func Error(args ...any) { get().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(template string, args ...any) { get().Errorf(template, args...) }

// Errorw logs a message with structured key/value pairs at error level.
func Errorw(msg string, kv ...any) { get().Errorw(msg, kv...) }
