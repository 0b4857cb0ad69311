// Package logger provides the zap loggers used for the supervisor's own
// diagnostics. Program output and lifecycle events do not go through here; see
// the watchdog package's LogStream and Journaler for those.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format is the log encoding.
type Format string

const (
	FormatConsole Format = "CONSOLE"
	FormatJSON    Format = "JSON"
)

// Component names.
const (
	ComponentSupervisor = "Supervisor"
	ComponentMonitor    = "Monitor"
	ComponentDirectory  = "Directory"
	ComponentHeartbeat  = "Heartbeat"
	ComponentPanic      = "Panic"
	ComponentJournal    = "Journal"
	ComponentWatcher    = "Watcher"
	ComponentMsgPort    = "MsgPort"
)

var (
	once    sync.Once
	verbose bool
)

// SetVerbose forces debug level logging. It must be called before the first
// call to For to have any effect.
func SetVerbose(v bool) { verbose = v }

func levelFromEnv() zapcore.Level {
	if verbose {
		return zapcore.DebugLevel
	}

	switch strings.ToUpper(os.Getenv("LOGGING_LEVEL")) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func formatFromEnv() Format {
	switch f := Format(strings.ToUpper(os.Getenv("LOGGING_FORMAT"))); f {
	case FormatJSON, FormatConsole:
		return f
	default:
		return FormatConsole
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("15:04:05.000"))
}

// New creates a zap logger writing to stderr. Stdout is reserved for the
// program log stream.
func New(level zapcore.Level, format Format) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if format == FormatJSON {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = timeEncoder
		cfg.ConsoleSeparator = " | "
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller())
}

func initialize() {
	once.Do(func() {
		zap.ReplaceGlobals(New(levelFromEnv(), formatFromEnv()))
	})
}

// For returns a named logger for the given component.
func For(component string) *zap.SugaredLogger {
	initialize()
	return zap.S().Named(component)
}

// Sync flushes buffered entries.
func Sync() error {
	return zap.L().Sync()
}
