// Package logging configures the debugger's structured logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"import.name/sjournal"
)

// Init returns some kind of logger on error.  Non-journal output is written
// to stderr so that it does not interleave with the target's stdout.
func Init(journal bool, level slog.Level) (*slog.Logger, error) {
	return initLogger(journal, level, os.Stderr)
}

func initLogger(
	journal bool,
	level slog.Level,
	out io.Writer,
) (
	*slog.Logger,
	error,
) {
	if !journal {
		log := slog.New(
			slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(log)
		return log, nil
	}

	opts := &sjournal.HandlerOptions{
		Delimiter:  sjournal.ColonDelimiter,
		TimeFormat: time.RFC3339Nano,
	}

	h, err := sjournal.NewHandler(opts)
	if err != nil {
		return slog.Default(), err
	}

	log := slog.New(levelHandler{Handler: h, level: level})

	slog.SetDefault(log)
	slog.SetLogLoggerLevel(level)

	return log, nil
}

// levelHandler drops records below level.
type levelHandler struct {
	slog.Handler
	level slog.Level
}

func (h levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level && h.Handler.Enabled(ctx, level)
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("unknown log level (%s)", name)
}
