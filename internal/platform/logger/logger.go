package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the service logger.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
	// Output overrides stdout; used by tests.
	Output io.Writer
}

// Logger is the service-wide structured logger.
type Logger struct {
	zerolog.Logger
}

// New builds a zerolog logger with service metadata attached to every event.
// Development environments get human-readable console output.
func New(cfg Config) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}
	if cfg.Environment == "development" && cfg.Output == nil {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()

	return &Logger{Logger: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With().Str("component", name).Logger()}
}

// Critical starts a fatal-severity event without terminating the process.
// Used for state inconsistencies that an operator must look at.
func (l *Logger) Critical() *zerolog.Event {
	return l.WithLevel(zerolog.FatalLevel)
}
