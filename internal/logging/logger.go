package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // JSON lines instead of console format
}

var (
	root zerolog.Logger
	once sync.Once
)

// Init configures the process-wide root logger. Safe to call more than
// once; only the first call takes effect.
func Init(cfg *Config) {
	once.Do(func() {
		root = build(cfg)
	})
}

func build(cfg *Config) zerolog.Logger {
	var out *os.File = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			out = f
		}
	}

	var w zerolog.Logger
	if cfg.JSONFormat {
		w = zerolog.New(out)
	} else {
		w = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	return w.Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Default returns the root logger, initializing it with defaults if the
// process never called Init.
func Default() zerolog.Logger {
	Init(&Config{Level: "INFO", Output: "stdout", JSONFormat: true})
	return root
}

// WithComponent returns a logger scoped to a component name.
func WithComponent(component string) zerolog.Logger {
	return Default().With().Str("component", component).Logger()
}
