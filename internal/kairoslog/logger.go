// Package kairoslog provides the process-wide structured logger.
package kairoslog

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var (
	// Logger is the global logger instance. It is safe to use before
	// Initialize is called: it starts out as a no-op sink.
	Logger *zap.SugaredLogger
	// JSONOutput records whether the current logger emits JSON.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects structured JSON
// (for machine consumption / prod) versus a human-readable console encoder.
// level overrides the default (info); an empty string keeps the default.
func Initialize(jsonOutput bool, level string) error {
	JSONOutput = jsonOutput

	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if lvl, err := zap.ParseAtomicLevel(strings.ToLower(level)); err == nil && level != "" {
		cfg.Level = lvl
	}

	zapLogger, err := cfg.Build()
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// InitializeFromEnv configures the logger from LOG_FORMAT (json|console,
// default console) and LOG_LEVEL (default info) environment variables.
// Intended for use before Config is loaded, e.g. to log config load errors.
func InitializeFromEnv() error {
	jsonOutput := strings.EqualFold(os.Getenv("LOG_FORMAT"), "json")
	return Initialize(jsonOutput, os.Getenv("LOG_LEVEL"))
}

// Cleanup flushes any buffered log entries. Errors are often ignorable for
// stdout/stderr (e.g. EINVAL on macOS/Linux), but returned for callers that
// care.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

func Info(args ...interface{})  { if Logger != nil { Logger.Info(args...) } }
func Infow(msg string, kv ...interface{})  { if Logger != nil { Logger.Infow(msg, kv...) } }
func Error(args ...interface{}) { if Logger != nil { Logger.Error(args...) } }
func Errorw(msg string, kv ...interface{}) { if Logger != nil { Logger.Errorw(msg, kv...) } }
func Warn(args ...interface{})  { if Logger != nil { Logger.Warn(args...) } }
func Warnw(msg string, kv ...interface{})  { if Logger != nil { Logger.Warnw(msg, kv...) } }
func Debug(args ...interface{}) { if Logger != nil { Logger.Debug(args...) } }
func Debugw(msg string, kv ...interface{}) { if Logger != nil { Logger.Debugw(msg, kv...) } }
