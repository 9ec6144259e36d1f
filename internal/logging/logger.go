// Package logging provides categorized file-based logging for stigforge.
// Each category writes to its own file under <workspace>/.stigforge/logs/,
// backed by zap. Logging is a no-op until Initialize is called with
// debug mode enabled, so library code can log unconditionally.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryMemory    Category = "memory"    // Example store operations
	CategoryParser    Category = "parser"    // Control parsing
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryGenerate  Category = "generate"  // Generator adapter / LLM calls
	CategoryExecutor  Category = "executor"  // Test executor adapter
	CategoryRepair    Category = "repair"    // Repair controller state machine
	CategoryPipeline  Category = "pipeline"  // Orchestrator sessions
)

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	logsDir  string
	enabled  bool
	console  bool
	minLevel = zapcore.InfoLevel
	nopSugar = zap.NewNop().Sugar()
)

// Options controls logger initialization.
type Options struct {
	// Workspace is the directory under which .stigforge/logs is created.
	Workspace string
	// Debug enables file logging and lowers the level to debug.
	Debug bool
	// Console mirrors warnings and errors to stderr.
	Console bool
}

// Initialize sets up the logging directory. Safe to call once at startup;
// when Debug is false every logger is a silent no-op.
func Initialize(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if opts.Workspace == "" {
		return fmt.Errorf("workspace path required")
	}
	enabled = opts.Debug
	console = opts.Console
	if !enabled {
		return nil
	}

	logsDir = filepath.Join(opts.Workspace, ".stigforge", "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	minLevel = zapcore.DebugLevel

	boot := Get(CategoryBoot)
	boot.Info("=== stigforge logging initialized ===")
	boot.Info("logs directory: %s", logsDir)
	return nil
}

// Reset tears down all loggers. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	loggers = make(map[Category]*Logger)
	enabled = false
	console = false
	logsDir = ""
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	l, ok := loggers[cat]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok = loggers[cat]; ok {
		return l
	}
	l = newLogger(cat)
	loggers[cat] = l
	return l
}

// newLogger builds a file-backed zap logger for the category.
// Caller must hold mu.
func newLogger(cat Category) *Logger {
	if !enabled || logsDir == "" {
		return &Logger{category: cat, sugar: nopSugar}
	}

	path := filepath.Join(logsDir, string(cat)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		return &Logger{category: cat, sugar: nopSugar}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(f),
		minLevel,
	)
	if console {
		stderrCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			zapcore.WarnLevel,
		)
		core = zapcore.NewTee(core, stderrCore)
	}
	z := zap.New(core).Named(string(cat))
	return &Logger{category: cat, sugar: z.Sugar()}
}

// Debug logs at debug level with printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs at info level with printf formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs at warn level with printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs at error level with printf formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Convenience helpers, one pair per high-traffic category. Mirrors the
// call sites' habit of logging without fetching a logger first.

func Memory(format string, args ...interface{})    { Get(CategoryMemory).Info(format, args...) }
func MemoryDebug(format string, args ...interface{}) {
	Get(CategoryMemory).Debug(format, args...)
}
func Repair(format string, args ...interface{}) { Get(CategoryRepair).Info(format, args...) }
func RepairDebug(format string, args ...interface{}) {
	Get(CategoryRepair).Debug(format, args...)
}
func Generate(format string, args ...interface{}) { Get(CategoryGenerate).Info(format, args...) }
func GenerateDebug(format string, args ...interface{}) {
	Get(CategoryGenerate).Debug(format, args...)
}
func Executor(format string, args ...interface{}) { Get(CategoryExecutor).Info(format, args...) }
func Pipeline(format string, args ...interface{}) { Get(CategoryPipeline).Info(format, args...) }
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}
