// Package logger builds the slog sink for each realm: a colorized
// text handler on stderr for the console, a rotating file for the
// detached realms.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

type Config struct {
	Level      slog.Level
	File       string // rotating file destination; empty means stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a logger for the given config. File mode appends through
// lumberjack; console mode colorizes levels on stderr.
func (c Config) New() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level}
	if c.File == "" {
		return slog.New(newColorHandler(os.Stderr, opts))
	}
	_ = os.MkdirAll(filepath.Dir(c.File), 0o750)
	w := &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything. Used by tests and
// as the fallback before options are loaded.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// colorHandler prefixes records with an ANSI-colored level tag.
type colorHandler struct {
	*slog.TextHandler
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	return &colorHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	var color string
	switch {
	case r.Level >= slog.LevelError:
		color = "\033[31m"
	case r.Level >= slog.LevelWarn:
		color = "\033[33m"
	case r.Level >= slog.LevelInfo:
		color = "\033[32m"
	default:
		color = "\033[36m"
	}
	r.Message = color + r.Level.String() + "\033[0m " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
