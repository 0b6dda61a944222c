package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileConfig enables rotated file output in addition to stdout.
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var logOutput io.Writer = os.Stdout

// ConfigureLogOutput tees every logger created afterwards into a rotated
// file. Returns a closer for the file.
func ConfigureLogOutput(cfg LogFileConfig) io.Closer {
	if cfg.Path == "" {
		logOutput = os.Stdout
		return nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	logOutput = zerolog.MultiLevelWriter(os.Stdout, rotator)
	return rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var defaultLevel = zerolog.InfoLevel

// SetLevel changes the level of loggers created afterwards. MSUSD_LOG_LEVEL
// still takes precedence.
func SetLevel(level zerolog.Level) {
	defaultLevel = level
}

// NewLogger creates a structured JSON logger for a component.
func NewLogger(component string) zerolog.Logger {
	level := defaultLevel
	if v := os.Getenv("MSUSD_LOG_LEVEL"); v != "" {
		level = ParseLogLevel(v)
	}
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
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
