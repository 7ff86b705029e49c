// Package logging sets up the process-wide structured logger. It follows the
// same shape the rest of the pack uses: stdlib log/slog, a terminal-aware
// colored text handler, and a JSON handler for non-terminal output.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a string log level to slog.Level. Unrecognized values
// fall back to Info rather than erroring — logging configuration should
// never be why the process fails to start.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
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

// New builds a *slog.Logger. When pretty is true and output is a terminal,
// log lines are colorized by level; otherwise a plain JSON handler is used
// (the shape a container runtime or systemd-journal collector expects).
func New(level slog.Level, output *os.File, pretty bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if pretty && isTerminal(output) {
		return slog.New(&coloredHandler{inner: slog.NewTextHandler(output, opts), out: output})
	}
	return slog.New(slog.NewJSONHandler(output, opts))
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

// coloredHandler wraps a slog.TextHandler, prefixing each line with an
// ANSI-colored level tag. It delegates everything else to the inner handler.
type coloredHandler struct {
	inner slog.Handler
	out   io.Writer
}

func (h *coloredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *coloredHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006/01/02 15:04:05 "))
	b.WriteString(levelColor(r.Level))
	b.WriteString(r.Level.String())
	b.WriteString("\033[0m ")
	b.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
		return true
	})
	b.WriteString("\n")
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *coloredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &coloredHandler{inner: h.inner.WithAttrs(attrs), out: h.out}
}

func (h *coloredHandler) WithGroup(name string) slog.Handler {
	return &coloredHandler{inner: h.inner.WithGroup(name), out: h.out}
}
