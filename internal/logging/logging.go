// Package logging configures the process-wide slog logger from MEMO_LOG_*
// environment variables.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Options struct {
	Level  string
	Pretty bool
	File   string
}

func OptionsFromEnv() Options {
	pretty := strings.TrimSpace(os.Getenv("MEMO_LOG_PRETTY"))
	return Options{
		Level:  os.Getenv("MEMO_LOG_LEVEL"),
		Pretty: strings.EqualFold(pretty, "1") || strings.EqualFold(pretty, "true"),
		File:   strings.TrimSpace(os.Getenv("MEMO_LOG_FILE")),
	}
}

// Setup installs the default logger and returns a function that closes the
// log file, if one was opened.
func Setup(console io.Writer, opts Options) func() {
	level := ParseLevel(opts.Level)
	var handler slog.Handler
	if opts.Pretty {
		handler = newPrettyHandler(console, level)
	} else {
		handler = slog.NewJSONHandler(console, &slog.HandlerOptions{Level: level})
	}

	closer := func() {}
	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("open log file", "path", opts.File, "err", err)
		} else {
			_, _ = fmt.Fprintf(file, "=== memoledger log start %s ===\n", time.Now().Format(time.RFC3339))
			fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
			handler = &teeHandler{handlers: []slog.Handler{handler, fileHandler}}
			closer = func() { _ = file.Close() }
		}
	}
	slog.SetDefault(slog.New(handler))
	return closer
}

func ParseLevel(raw string) slog.Leveler {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}
	return level
}

type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		out = append(out, h.WithAttrs(attrs))
	}
	return &teeHandler{handlers: out}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		out = append(out, h.WithGroup(name))
	}
	return &teeHandler{handlers: out}
}
