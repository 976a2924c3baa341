// Package logging provides config-driven categorized logging for contestbot.
// Every category is a named zap logger sharing one root; categories can be
// switched off individually from the logging section of the config file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategorySession   Category = "session"   // Session table lifecycle
	CategoryEngine    Category = "engine"    // Conversation state machine turns
	CategoryMatrix    Category = "matrix"    // Classification matrix loading
	CategoryStore     Category = "store"     // Registration store operations
	CategoryLedger    Category = "ledger"    // Ledger mirror writes
	CategoryTransport Category = "transport" // Chat transport (Telegram, console)
	CategoryIntake    Category = "intake"    // Content intake relay
	CategoryServer    Category = "server"    // HTTP surface
)

// Options mirrors the logging section of config.Config
// to avoid circular imports
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional extra sink
	Categories map[string]bool // per-category toggles; missing = enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	opts    Options
	loggers = make(map[Category]*Logger)
)

// Initialize builds the root zap logger from o and resets category loggers.
// Should be called once at startup; the returned logger is the root.
func Initialize(o Options) (*zap.Logger, error) {
	zl, err := build(o)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	root = zl
	opts = o
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s file=%q", o.Level, o.Format, o.File)
	return zl, nil
}

func build(o Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if o.Level != "" {
		parsed, err := zapcore.ParseLevel(o.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", o.Level, err)
		}
		level = parsed
	}

	var zc zap.Config
	switch o.Format {
	case "console", "text":
		zc = zap.NewDevelopmentConfig()
	default:
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zc.OutputPaths = append(zc.OutputPaths, o.File)
	}

	zl, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zl, nil
}

// Use replaces the root logger without touching options. Tests pass
// zaptest/observer loggers through here.
func Use(zl *zap.Logger) {
	if zl == nil {
		zl = zap.NewNop()
	}
	mu.Lock()
	root = zl
	loggers = make(map[Category]*Logger)
	mu.Unlock()
}

// Root returns the root zap logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Sync flushes buffered entries (call at shutdown).
func Sync() {
	_ = Root().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()

	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: root.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// Category returns the category this logger writes to.
func (l *Logger) Category() Category {
	return l.category
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Engine logs to the engine category
func Engine(format string, args ...interface{}) {
	Get(CategoryEngine).Info(format, args...)
}

// EngineDebug logs debug to the engine category
func EngineDebug(format string, args ...interface{}) {
	Get(CategoryEngine).Debug(format, args...)
}

// EngineError logs error to the engine category
func EngineError(format string, args ...interface{}) {
	Get(CategoryEngine).Error(format, args...)
}

// Matrix logs to the matrix category
func Matrix(format string, args ...interface{}) {
	Get(CategoryMatrix).Info(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Ledger logs to the ledger category
func Ledger(format string, args ...interface{}) {
	Get(CategoryLedger).Info(format, args...)
}

// LedgerDebug logs debug to the ledger category
func LedgerDebug(format string, args ...interface{}) {
	Get(CategoryLedger).Debug(format, args...)
}

// LedgerWarn logs warning to the ledger category
func LedgerWarn(format string, args ...interface{}) {
	Get(CategoryLedger).Warn(format, args...)
}

// Transport logs to the transport category
func Transport(format string, args ...interface{}) {
	Get(CategoryTransport).Info(format, args...)
}

// TransportDebug logs debug to the transport category
func TransportDebug(format string, args ...interface{}) {
	Get(CategoryTransport).Debug(format, args...)
}

// TransportWarn logs warning to the transport category
func TransportWarn(format string, args ...interface{}) {
	Get(CategoryTransport).Warn(format, args...)
}

// Intake logs to the intake category
func Intake(format string, args ...interface{}) {
	Get(CategoryIntake).Info(format, args...)
}

// IntakeWarn logs warning to the intake category
func IntakeWarn(format string, args ...interface{}) {
	Get(CategoryIntake).Warn(format, args...)
}

// =============================================================================
// REQUEST CORRELATION
// =============================================================================

// NewRequestID returns a fresh correlation id for one inbound update.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID creates a request-scoped logger
func WithRequestID(category Category, requestID string) *Logger {
	return Get(category).With("req", requestID)
}

// =============================================================================
// TIMING
// =============================================================================

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
