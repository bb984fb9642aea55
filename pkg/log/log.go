// Package log is the process-wide zap logger plus constructors for the
// per-component loggers handed to bridges, hubs and rpc clients.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is a verbosity name accepted on the command line and in config.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelProgress LogLevel = "progress" // default; logged at info
	LevelMinimal  LogLevel = "minimal"  // warnings and errors
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var zapLevels = map[LogLevel]zapcore.Level{
	LevelDebug:    zapcore.DebugLevel,
	LevelInfo:     zapcore.InfoLevel,
	LevelProgress: zapcore.InfoLevel,
	LevelMinimal:  zapcore.WarnLevel,
	LevelWarn:     zapcore.WarnLevel,
	LevelError:    zapcore.ErrorLevel,
}

// Config selects level, encoding and destination.
type Config struct {
	Level  LogLevel
	Format string // "console" or "json"

	// Output defaults to stdout.
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{Level: LevelProgress, Format: FormatConsole}
}

// ParseLevel validates a level name. The empty string selects the default.
func ParseLevel(s string) (LogLevel, error) {
	level := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if level == "" {
		return LevelProgress, nil
	}
	if _, ok := zapLevels[level]; !ok {
		return "", fmt.Errorf("unknown log level %q (want debug, info, progress, minimal, warn or error)", s)
	}
	return level, nil
}

func mapLevelToZapLevel(level LogLevel) zapcore.Level {
	if l, ok := zapLevels[level]; ok {
		return l
	}
	return zapcore.InfoLevel
}

var (
	mu     sync.Mutex
	global *zap.SugaredLogger
)

// Init replaces the global logger.
func Init(cfg Config) error {
	switch cfg.Format {
	case "", FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	logger := New(cfg)
	mu.Lock()
	global = logger
	mu.Unlock()
	return nil
}

// New builds a logger independent of the global one, for components
// instantiated more than once in a process and for tests.
func New(cfg Config) *zap.SugaredLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	var encoder zapcore.Encoder
	if cfg.Format == FormatJSON {
		encoder = zapcore.NewJSONEncoder(jsonEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(consoleEncoderConfig())
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(out), mapLevelToZapLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}

// Nop discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.MillisDurationEncoder
	return cfg
}

// Get returns the global logger, creating a default one on first use.
func Get() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(DefaultConfig())
	}
	return global
}

// Named returns a child of the global logger for one component.
func Named(component string) *zap.SugaredLogger {
	return Get().Named(component)
}

// caller skips this file so entries point at whoever called Info, Warn etc.
func caller() *zap.SugaredLogger {
	return Get().WithOptions(zap.AddCallerSkip(1))
}

func Debug(msg string, kv ...interface{})    { caller().Debugw(msg, kv...) }
func Info(msg string, kv ...interface{})     { caller().Infow(msg, kv...) }
func Progress(msg string, kv ...interface{}) { caller().Infow(msg, kv...) }
func Warn(msg string, kv ...interface{})     { caller().Warnw(msg, kv...) }
func Error(msg string, kv ...interface{})    { caller().Errorw(msg, kv...) }

// With returns the global logger with extra fields attached.
func With(kv ...interface{}) *zap.SugaredLogger {
	return Get().With(kv...)
}

// Sync flushes the global logger if one exists.
func Sync() error {
	mu.Lock()
	logger := global
	mu.Unlock()
	if logger == nil {
		return nil
	}
	return logger.Sync()
}

// Reset drops the global logger so the next Get starts fresh. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		_ = global.Sync()
	}
	global = nil
}
