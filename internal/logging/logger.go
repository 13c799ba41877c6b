// Package logging provides config-driven categorized logging for codebridge.
// Logs are written to .bridge/logs/ with one file per category, encoded by zap.
// Logging is controlled by debug_mode in .bridge/config.yaml - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, shutdown
	CategoryProtocol   Category = "protocol"   // Router correlation and dispatch
	CategoryTransport  Category = "transport"  // Stdio, websocket and pipe channels
	CategoryCapability Category = "capability" // Typed facade and registry checks
	CategoryTelemetry  Category = "telemetry"  // Recorder sinks
	CategoryStore      Category = "store"      // SQLite handle and migrations
	CategoryConfig     Category = "config"     // Config load and reload
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger is a category-scoped sugared zap logger. The zero value is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
)

var (
	configMu sync.RWMutex
	logsDir  string
	options  Options
	// sharedCore is set by SetCore and overrides per-category files.
	sharedCore zapcore.Core
)

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Initialize sets up the logging directory for a workspace and applies opts.
// Should be called once at startup.
func Initialize(workspace string, opts Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	configMu.Lock()
	logsDir = filepath.Join(workspace, ".bridge", "logs")
	configMu.Unlock()

	if err := Configure(opts); err != nil {
		return err
	}

	if !opts.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== codebridge logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level.Level())
	return nil
}

// Configure replaces the active options and drops cached loggers so the next
// Get picks up the new level and category filter. Safe to call on reload.
func Configure(opts Options) error {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		lvl = parsed
	}

	configMu.Lock()
	options = opts
	level.SetLevel(lvl)
	configMu.Unlock()

	CloseAll()
	return nil
}

// SetCore routes every category to core, regardless of debug mode.
// Passing nil restores file output. Intended for tests and embedding.
func SetCore(core zapcore.Core) {
	configMu.Lock()
	sharedCore = core
	configMu.Unlock()
	CloseAll()
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return options.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if sharedCore != nil {
		return true
	}
	if !options.DebugMode {
		return false
	}
	if options.Categories == nil {
		return true
	}
	enabled, exists := options.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	l, err := newLogger(category)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
		return &Logger{category: category}
	}
	loggers[category] = l
	return l
}

func newLogger(category Category) (*Logger, error) {
	configMu.RLock()
	core := sharedCore
	dir := logsDir
	jsonFormat := options.JSONFormat
	configMu.RUnlock()

	if core != nil {
		return &Logger{
			category: category,
			sugar:    zap.New(core).Named(string(category)).Sugar(),
		}, nil
	}
	if dir == "" {
		return nil, fmt.Errorf("logging not initialized")
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", logPath, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	zl := zap.New(zapcore.NewCore(enc, zapcore.AddSync(file), level)).Named(string(category))
	return &Logger{category: category, sugar: zl.Sugar(), file: file}, nil
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a child logger that attaches structured key-value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll flushes and closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootError logs an error to the boot category.
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

// Protocol logs to the protocol category.
func Protocol(format string, args ...interface{}) { Get(CategoryProtocol).Info(format, args...) }

// ProtocolDebug logs debug to the protocol category.
func ProtocolDebug(format string, args ...interface{}) { Get(CategoryProtocol).Debug(format, args...) }

// ProtocolWarn logs a warning to the protocol category.
func ProtocolWarn(format string, args ...interface{}) { Get(CategoryProtocol).Warn(format, args...) }

// Transport logs to the transport category.
func Transport(format string, args ...interface{}) { Get(CategoryTransport).Info(format, args...) }

// TransportDebug logs debug to the transport category.
func TransportDebug(format string, args ...interface{}) { Get(CategoryTransport).Debug(format, args...) }

// Capability logs to the capability category.
func Capability(format string, args ...interface{}) { Get(CategoryCapability).Info(format, args...) }

// Telemetry logs to the telemetry category.
func Telemetry(format string, args ...interface{}) { Get(CategoryTelemetry).Info(format, args...) }

// TelemetryDebug logs debug to the telemetry category.
func TelemetryDebug(format string, args ...interface{}) { Get(CategoryTelemetry).Debug(format, args...) }

// TelemetryWarn logs a warning to the telemetry category.
func TelemetryWarn(format string, args ...interface{}) { Get(CategoryTelemetry).Warn(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// StoreWarn logs to the store category at warn level.
func StoreWarn(format string, args ...interface{}) { Get(CategoryStore).Warn(format, args...) }

// Config logs to the config category.
func Config(format string, args ...interface{}) { Get(CategoryConfig).Info(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures the duration of an operation for a category.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
