// Package logging turns the logging config block into the process-wide slog
// root. Every subsystem derives its own logger from this one and tags itself
// with a component attribute.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"log/slog"

	"github.com/l0p7/proxykit/internal/config"
)

// New builds the root logger writing to stdout.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit sink so tests can capture the stream.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	handler, err := newHandler(cfg.Format, w, level)
	if err != nil {
		return nil, err
	}
	return slog.New(handler).With(slog.String("service", "proxykit")), nil
}

// parseLevel defers to slog's own parser, which also admits offset forms like
// "warn+2" for free. An empty level means info.
func parseLevel(raw string) (slog.Level, error) {
	if raw == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("logging: unsupported level %q", raw)
	}
	return level, nil
}

func newHandler(format string, w io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, fmt.Errorf("logging: unsupported format %q", format)
}
