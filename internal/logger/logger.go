// Package logger builds the relay's structured logger. Records go to stdout
// as JSON and, when a Sentry DSN is configured, errors are also reported to
// Sentry as events.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

const flushTimeout = 2 * time.Second

// Config controls the logger.
type Config struct {
	// Level is one of debug, info, warn or error. Unknown values mean info.
	Level string

	SentryDSN         string
	SentryEnvironment string

	// Output defaults to os.Stdout.
	Output io.Writer
}

// ParseLevel maps a level name to its slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger and a flush function to call before exit.
// If Sentry cannot be initialised the logger falls back to stdout only and
// the failure is logged there.
func New(cfg Config) (*slog.Logger, func()) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	stdoutHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})

	if cfg.SentryDSN == "" {
		return slog.New(stdoutHandler), func() {}
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		EnableLogs:  true,
	}); err != nil {
		log := slog.New(stdoutHandler)
		log.Error("failed to initialize Sentry", slog.String("error", err.Error()))
		return log, func() {}
	}

	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelError},
	}.NewSentryHandler(context.Background())

	flush := func() { sentry.Flush(flushTimeout) }
	return slog.New(newMultiHandler(stdoutHandler, sentryHandler)), flush
}
