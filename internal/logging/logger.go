package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options controls handler construction. Format "text" is handy for
// local runs; everything else ships JSON.
type Options struct {
	Level     string
	Format    string
	AddSource bool
	Writer    io.Writer // defaults to stdout
}

// New builds a structured logger for the dispatch processes. slog keeps
// the standard-library feel while emitting records any backend can ship.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	ho := &slog.HandlerOptions{
		Level:     levelFromString(opts.Level),
		AddSource: opts.AddSource,
	}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}
	return slog.New(h)
}

func levelFromString(level string) slog.Leveler {
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
