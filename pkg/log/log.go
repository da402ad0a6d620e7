package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	testMode atomic.Bool
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetTestMode makes Assert panic instead of logging
func SetTestMode(enabled bool) {
	testMode.Store(enabled)
}

// Assert reports an internal inconsistency. In test mode it panics, otherwise
// it logs at error level and execution continues.
func Assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if testMode.Load() {
		panic("assertion failed: " + msg)
	}
	Logger.Error().Bool("internal_error", true).Msg(msg)
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithDomainID creates a child logger with domain_id field
func WithDomainID(domainID string) zerolog.Logger {
	return Logger.With().Str("domain_id", domainID).Logger()
}
