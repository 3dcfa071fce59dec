package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
	level              = parseLogLevel(os.Getenv("LOT_LOG_LEVEL"))
)

// ConfigureLogging sets the process-wide level and output for loggers
// created afterwards. With a file configured, logs go to both stdout and the
// rotating file.
func ConfigureLogging(cfg LogConfig) io.Closer {
	outputMu.Lock()
	defer outputMu.Unlock()

	level = parseLogLevel(cfg.Level)
	if cfg.File == "" {
		output = os.Stdout
		return io.NopCloser(nil)
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	output = io.MultiWriter(os.Stdout, rotating)
	return rotating
}

// NewLogger creates a structured JSON logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
