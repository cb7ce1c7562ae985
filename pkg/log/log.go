// Package log wraps zerolog with the component-scoped child loggers
// used throughout the agent.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init replaces it; packages
// that grabbed a child logger before Init was called keep logging at
// the default level until they re-derive one.
var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init builds the base logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the package-level Logger.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if !cfg.JSONOutput {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func init() {
	Init(Config{Level: InfoLevel})
}

// WithComponent returns a child logger tagged with the given
// subsystem name (e.g. "orchestrator", "uptane", "store").
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithRepo returns a child logger tagged with a repository id.
func WithRepo(logger zerolog.Logger, repo string) zerolog.Logger {
	return logger.With().Str("repo", repo).Logger()
}

// WithECU returns a child logger tagged with an ECU serial.
func WithECU(logger zerolog.Logger, serial string) zerolog.Logger {
	return logger.With().Str("ecu_serial", serial).Logger()
}

func Info(msg string)              { Logger.Info().Msg(msg) }
func Debug(msg string)             { Logger.Debug().Msg(msg) }
func Warn(msg string)              { Logger.Warn().Msg(msg) }
func Error(err error, msg string)  { Logger.Error().Err(err).Msg(msg) }
func Fatal(err error, msg string)  { Logger.Fatal().Err(err).Msg(msg) }
