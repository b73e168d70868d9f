// Package logging holds the process-wide zerolog logger.
//
// main calls Init once after config is loaded; packages take a child logger
// with Component and never build their own writers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, encoding and destination of log output.
type Config struct {
	// Level is trace, debug, info, warn or error.
	Level string
	// Format is console or json.
	Format string
	// Caller adds file:line to every event.
	Caller bool
	// Timestamp adds a time field to every event.
	Timestamp bool
	// NoColor disables ANSI colors in console format.
	NoColor bool
	Output  io.Writer
}

var (
	mu  sync.RWMutex
	log = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init replaces the global logger. Safe to call again to reconfigure.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "2006/01/02 15:04:05", NoColor: cfg.NoColor}
	}
	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}

	mu.Lock()
	log = ctx.Logger()
	mu.Unlock()
}

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}

// LevelForDebug converts the numeric -d verbosity into a level name.
func LevelForDebug(debug int) string {
	switch {
	case debug <= 0:
		return "info"
	case debug <= 2:
		return "debug"
	}
	return "trace"
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// TraceEnabled reports whether trace events are emitted, used to decide
// whether to attach stack traces.
func TraceEnabled() bool {
	return zerolog.GlobalLevel() <= zerolog.TraceLevel
}
