package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu           sync.RWMutex
	globalLogger = zerolog.Nop()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Init initializes the logger.
func Init(enabled bool, levelStr, logFile string, console bool) error {
	if !enabled {
		set(zerolog.Nop())
		return nil
	}

	var writers []io.Writer

	if logFile != "" {
		dir := filepath.Dir(logFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
	}

	if console || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	set(New(io.MultiWriter(writers...), levelStr))
	return nil
}

// New builds a timestamped JSON logger writing to w.
func New(w io.Writer, levelStr string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(levelStr)).With().Timestamp().Logger()
}

// SetOutput replaces the global logger. Intended for tests that capture output.
func SetOutput(w io.Writer, levelStr string) {
	set(New(w, levelStr))
}

func set(l zerolog.Logger) {
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

func get() *zerolog.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	return &l
}

func parseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return get().With().Str("component", component).Logger()
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) {
	get().Debug().Msgf(format, args...)
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	get().Info().Msgf(format, args...)
}

// Warnf logs a warning.
func Warnf(format string, args ...interface{}) {
	get().Warn().Msgf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	get().Error().Msgf(format, args...)
}
